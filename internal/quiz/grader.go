package quiz

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

var (
	// ErrAlreadyAnswered marks a second grading attempt on the same record.
	ErrAlreadyAnswered = errors.New("question already answered")
	// ErrInvalidSelection marks a label that was never offered.
	ErrInvalidSelection = errors.New("selection not among offered options")
)

// GradeResult is the outcome of grading one answer.
type GradeResult struct {
	IsCorrect   bool
	CorrectText string
}

// Grader closes pending questions exactly once.
type Grader struct {
	repo  store.Repo
	clock domain.Clock
	log   *zap.Logger
}

// NewGrader builds an answer grader.
func NewGrader(repo store.Repo, clock domain.Clock, log *zap.Logger) *Grader {
	return &Grader{repo: repo, clock: clock, log: log}
}

// Grade checks the selected label against the pending question and records
// the outcome. A replayed selection for an already-closed record returns
// ErrAlreadyAnswered without flipping the stored result.
func (g *Grader) Grade(ctx context.Context, pending *domain.PendingQuestion, selectedLabel string) (GradeResult, error) {
	if pending.Answered() {
		return GradeResult{}, ErrAlreadyAnswered
	}
	if _, offered := pending.OptionText(selectedLabel); !offered {
		return GradeResult{}, fmt.Errorf("%w: %q", ErrInvalidSelection, selectedLabel)
	}

	correctText, _ := pending.OptionText(pending.CorrectLabel)
	isCorrect := selectedLabel == pending.CorrectLabel

	now := g.clock.Now().UTC()
	if err := g.repo.ClosePendingQuestion(ctx, pending.ID, now, selectedLabel, isCorrect); err != nil {
		if errors.Is(err, store.ErrAlreadyAnswered) {
			return GradeResult{}, ErrAlreadyAnswered
		}
		return GradeResult{}, fmt.Errorf("close pending question: %w", err)
	}

	pending.AnsweredAt = &now
	pending.UserAnswerLabel = selectedLabel
	pending.IsCorrect = &isCorrect

	g.log.Info("answer graded",
		zap.Int64("user", pending.UserID),
		zap.Int64("question", pending.QuestionID),
		zap.String("selected", selectedLabel),
		zap.Bool("correct", isCorrect))
	return GradeResult{IsCorrect: isCorrect, CorrectText: correctText}, nil
}
