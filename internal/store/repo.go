package store

import (
	"context"
	"errors"
	"time"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrAlreadyAnswered is returned when closing a pending question that was
// already graded.
var ErrAlreadyAnswered = errors.New("pending question already answered")

// Repo defines storage operations for users, quiz history and scheduled jobs.
type Repo interface {
	CreateUser(ctx context.Context, phoneNumber, username string) (*domain.User, error)
	GetUser(ctx context.Context, id int64) (*domain.User, error)
	GetUserByPhone(ctx context.Context, phoneNumber string) (*domain.User, error)
	UpdateUser(ctx context.Context, u *domain.User) error
	DeleteUser(ctx context.Context, id int64) error
	ListUsers(ctx context.Context, offset, limit int) ([]domain.User, error)
	ListUsersByState(ctx context.Context, state domain.UserState, limit int) ([]domain.User, error)
	CountUsers(ctx context.Context) (int, error)

	CreatePendingQuestion(ctx context.Context, pq *domain.PendingQuestion) error
	GetOpenPendingQuestion(ctx context.Context, userID int64) (*domain.PendingQuestion, error)
	ClosePendingQuestion(ctx context.Context, id int64, answeredAt time.Time, label string, correct bool) error
	SeenQuestionIDs(ctx context.Context, userID int64) (map[int64]struct{}, error)
	CountOpenPendingQuestions(ctx context.Context, userID int64) (int, error)

	UpsertJob(ctx context.Context, job domain.ScheduledJob) error
	DeleteJob(ctx context.Context, userID int64) error
	ListJobs(ctx context.Context) ([]domain.ScheduledJob, error)

	Close() error
}
