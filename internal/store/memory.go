package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
)

// Memory is an in-memory Repo used by tests and ad-hoc tooling. It mirrors
// the SQLite implementation's semantics, including the single-fire close
// guard and job replacement.
type Memory struct {
	mu      sync.Mutex
	users   map[int64]*domain.User
	pending map[int64]*domain.PendingQuestion
	jobs    map[int64]domain.ScheduledJob

	nextUserID    int64
	nextPendingID int64
}

// NewMemory returns an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		users:   map[int64]*domain.User{},
		pending: map[int64]*domain.PendingQuestion{},
		jobs:    map[int64]domain.ScheduledJob{},
	}
}

func copyUser(u *domain.User) *domain.User {
	c := *u
	return &c
}

func copyPending(p *domain.PendingQuestion) *domain.PendingQuestion {
	c := *p
	c.Options = append([]domain.Option(nil), p.Options...)
	return &c
}

func (m *Memory) CreateUser(_ context.Context, phoneNumber, username string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextUserID++
	u := &domain.User{
		ID:                 m.nextUserID,
		PhoneNumber:        phoneNumber,
		WhatsAppID:         phoneNumber,
		Username:           username,
		State:              domain.StateUncontacted,
		ScheduledDayOfWeek: -1,
		ScheduledHour:      -1,
		ScheduledMinute:    -1,
		CreatedAt:          time.Now().UTC(),
	}
	m.users[u.ID] = u
	return copyUser(u), nil
}

func (m *Memory) GetUser(_ context.Context, id int64) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyUser(u), nil
}

func (m *Memory) GetUserByPhone(_ context.Context, phoneNumber string) (*domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.PhoneNumber == phoneNumber {
			return copyUser(u), nil
		}
	}
	return nil, ErrNotFound
}

func (m *Memory) UpdateUser(_ context.Context, u *domain.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[u.ID]; !ok {
		return ErrNotFound
	}
	m.users[u.ID] = copyUser(u)
	return nil
}

func (m *Memory) DeleteUser(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[id]; !ok {
		return ErrNotFound
	}
	delete(m.users, id)
	delete(m.jobs, id)
	for pid, p := range m.pending {
		if p.UserID == id {
			delete(m.pending, pid)
		}
	}
	return nil
}

func (m *Memory) ListUsers(_ context.Context, offset, limit int) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := m.sortedUsers()
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (m *Memory) ListUsersByState(_ context.Context, state domain.UserState, limit int) ([]domain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []domain.User
	for _, u := range m.sortedUsers() {
		if u.State != state {
			continue
		}
		res = append(res, u)
		if len(res) == limit {
			break
		}
	}
	return res, nil
}

func (m *Memory) sortedUsers() []domain.User {
	res := make([]domain.User, 0, len(m.users))
	for _, u := range m.users {
		res = append(res, *copyUser(u))
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

func (m *Memory) CountUsers(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.users), nil
}

func (m *Memory) CreatePendingQuestion(_ context.Context, pq *domain.PendingQuestion) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextPendingID++
	pq.ID = m.nextPendingID
	m.pending[pq.ID] = copyPending(pq)
	return nil
}

func (m *Memory) GetOpenPendingQuestion(_ context.Context, userID int64) (*domain.PendingQuestion, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *domain.PendingQuestion
	for _, p := range m.pending {
		if p.UserID != userID || p.Answered() {
			continue
		}
		if newest == nil || p.ID > newest.ID {
			newest = p
		}
	}
	if newest == nil {
		return nil, ErrNotFound
	}
	return copyPending(newest), nil
}

func (m *Memory) ClosePendingQuestion(_ context.Context, id int64, answeredAt time.Time, label string, correct bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[id]
	if !ok || p.Answered() {
		return ErrAlreadyAnswered
	}
	at := answeredAt.UTC()
	p.AnsweredAt = &at
	p.UserAnswerLabel = label
	p.IsCorrect = &correct
	return nil
}

func (m *Memory) SeenQuestionIDs(_ context.Context, userID int64) (map[int64]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]struct{})
	for _, p := range m.pending {
		if p.UserID == userID {
			seen[p.QuestionID] = struct{}{}
		}
	}
	return seen, nil
}

func (m *Memory) CountOpenPendingQuestions(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.pending {
		if p.UserID == userID && !p.Answered() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) UpsertJob(_ context.Context, job domain.ScheduledJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.UserID] = job
	return nil
}

func (m *Memory) DeleteJob(_ context.Context, userID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, userID)
	return nil
}

func (m *Memory) ListJobs(_ context.Context) ([]domain.ScheduledJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	res := make([]domain.ScheduledJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		res = append(res, j)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].FireAt.Before(res[j].FireAt) })
	return res, nil
}

func (m *Memory) Close() error { return nil }
