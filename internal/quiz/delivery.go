package quiz

import (
	"context"
	"errors"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

// DistractorCount is the fixed number of incorrect options per question.
const DistractorCount = 3

var (
	// ErrNoQuestions means the content pool is empty; nothing was sent or
	// recorded beyond the user notification.
	ErrNoQuestions = errors.New("no questions available")
)

// Provider exposes the quiz content pool to the delivery engine.
type Provider interface {
	AllQuestions() []domain.Question
	CorrectAnswer(id int64) (string, bool)
	Distractors(id int64) []string
}

// Sender is the narrow outbound-gateway interface the engine needs.
type Sender interface {
	SendText(ctx context.Context, to, body string) error
	SendList(ctx context.Context, to string, msg domain.ListMessage) error
}

// Delivery selects non-repeating questions, persists the pending record and
// transmits the labelled option list.
type Delivery struct {
	repo    store.Repo
	content Provider
	sender  Sender
	clock   domain.Clock
	log     *zap.Logger
}

// NewDelivery builds a question delivery engine.
func NewDelivery(repo store.Repo, content Provider, sender Sender, clock domain.Clock, log *zap.Logger) *Delivery {
	return &Delivery{repo: repo, content: content, sender: sender, clock: clock, log: log}
}

// Deliver picks an unseen question for the user, records a PendingQuestion
// and sends the interactive list. The record is committed before
// transmission; a send failure is surfaced alongside the created record and
// is not rolled back.
func (d *Delivery) Deliver(ctx context.Context, user *domain.User) (*domain.PendingQuestion, error) {
	pool := d.content.AllQuestions()
	if len(pool) == 0 {
		d.log.Error("question pool is empty", zap.String("phone", user.PhoneNumber))
		if err := d.sender.SendText(ctx, user.PhoneNumber, msgNoQuestions); err != nil {
			d.log.Error("empty-pool notice failed", zap.Error(err))
		}
		return nil, ErrNoQuestions
	}

	seen, err := d.repo.SeenQuestionIDs(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load question history: %w", err)
	}

	eligible := make([]domain.Question, 0, len(pool))
	for _, q := range pool {
		if _, ok := seen[q.ID]; !ok {
			eligible = append(eligible, q)
		}
	}
	// Exhaustion policy: cycle through the pool again rather than stop.
	if len(eligible) == 0 {
		d.log.Info("user exhausted the pool, recycling",
			zap.String("phone", user.PhoneNumber), zap.Int("pool", len(pool)))
		eligible = pool
	}

	q := eligible[rand.Intn(len(eligible))]

	correct, ok := d.content.CorrectAnswer(q.ID)
	if !ok || correct == "" {
		return nil, fmt.Errorf("question %d has no correct answer", q.ID)
	}

	options, correctLabel := buildOptions(q, correct, d.content)

	pending := &domain.PendingQuestion{
		UserID:       user.ID,
		QuestionID:   q.ID,
		QuestionText: q.Text,
		Options:      options,
		CorrectLabel: correctLabel,
		SentAt:       d.clock.Now().UTC(),
	}
	if err := d.repo.CreatePendingQuestion(ctx, pending); err != nil {
		return nil, fmt.Errorf("persist pending question: %w", err)
	}

	rows := make([]domain.ListRow, 0, len(options))
	for _, o := range options {
		rows = append(rows, domain.ListRow{
			ID:          o.Label,
			Title:       "Opción " + o.Label,
			Description: o.Text,
		})
	}
	msg := domain.ListMessage{
		Header: "Pregunta Médica",
		Body:   q.Text,
		Footer: "Selecciona la respuesta que consideres correcta.",
		Button: "Ver Opciones",
		Rows:   rows,
	}
	if err := d.sender.SendList(ctx, user.PhoneNumber, msg); err != nil {
		// The record stands; transmission is at-most-once by design.
		d.log.Error("question transmit failed",
			zap.Error(err), zap.String("phone", user.PhoneNumber), zap.Int64("question", q.ID))
		return pending, err
	}

	d.log.Info("question delivered",
		zap.String("phone", user.PhoneNumber),
		zap.Int64("question", q.ID),
		zap.String("correct_label", correctLabel))
	return pending, nil
}

// buildOptions assembles one correct answer plus DistractorCount incorrect
// ones, backfilling from other questions' correct answers when the corpus
// has too few distractors, then shuffles and labels them A, B, C, …
func buildOptions(q domain.Question, correct string, content Provider) ([]domain.Option, string) {
	used := map[string]struct{}{correct: {}}

	distractors := make([]string, 0, DistractorCount)
	for _, dText := range content.Distractors(q.ID) {
		if len(distractors) == DistractorCount {
			break
		}
		if _, dup := used[dText]; dup {
			continue
		}
		used[dText] = struct{}{}
		distractors = append(distractors, dText)
	}

	if len(distractors) < DistractorCount {
		var backfill []string
		for _, other := range content.AllQuestions() {
			if other.ID == q.ID {
				continue
			}
			if a, ok := content.CorrectAnswer(other.ID); ok {
				if _, dup := used[a]; !dup && a != "" {
					used[a] = struct{}{}
					backfill = append(backfill, a)
				}
			}
		}
		rand.Shuffle(len(backfill), func(i, j int) { backfill[i], backfill[j] = backfill[j], backfill[i] })
		for _, a := range backfill {
			if len(distractors) == DistractorCount {
				break
			}
			distractors = append(distractors, a)
		}
	}

	texts := append([]string{correct}, distractors...)
	rand.Shuffle(len(texts), func(i, j int) { texts[i], texts[j] = texts[j], texts[i] })

	options := make([]domain.Option, len(texts))
	correctLabel := ""
	for i, text := range texts {
		label := string(rune('A' + i))
		options[i] = domain.Option{Label: label, Text: text}
		if text == correct {
			correctLabel = label
		}
	}
	return options, correctLabel
}

const msgNoQuestions = "Lo siento, no hay preguntas disponibles en este momento."
