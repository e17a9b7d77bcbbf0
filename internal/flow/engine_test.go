package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/quiz"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

// Wednesday 2025-05-07 10:00 UTC.
var testNow = time.Date(2025, time.May, 7, 10, 0, 0, 0, time.UTC)

type fakeClock struct{ t time.Time }

func (c fakeClock) Now() time.Time { return c.t }

type fakeGateway struct {
	mu        sync.Mutex
	texts     []string
	templates []string
	lists     []domain.ListMessage
}

func (g *fakeGateway) SendText(_ context.Context, _, body string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.texts = append(g.texts, body)
	return nil
}

func (g *fakeGateway) SendTemplate(_ context.Context, _, name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.templates = append(g.templates, name)
	return nil
}

func (g *fakeGateway) SendList(_ context.Context, _ string, msg domain.ListMessage) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lists = append(g.lists, msg)
	return nil
}

func (g *fakeGateway) lastText() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.texts) == 0 {
		return ""
	}
	return g.texts[len(g.texts)-1]
}

type fakeJobs struct {
	mu        sync.Mutex
	scheduled map[int64]time.Time
	calls     int
	fail      bool
}

func newFakeJobs() *fakeJobs { return &fakeJobs{scheduled: make(map[int64]time.Time)} }

func (j *fakeJobs) Schedule(_ context.Context, userID int64, fireAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.fail {
		return assert.AnError
	}
	j.calls++
	j.scheduled[userID] = fireAt
	return nil
}

func (j *fakeJobs) Cancel(_ context.Context, userID int64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.scheduled, userID)
	return nil
}

func (j *fakeJobs) fireAt(userID int64) (time.Time, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	t, ok := j.scheduled[userID]
	return t, ok
}

type fakeProvider struct{ questions []domain.Question }

func (p *fakeProvider) AllQuestions() []domain.Question { return p.questions }

func (p *fakeProvider) CorrectAnswer(id int64) (string, bool) {
	switch id {
	case 1:
		return "Fémur", true
	case 2:
		return "Páncreas", true
	}
	return "", false
}

func (p *fakeProvider) Distractors(id int64) []string {
	return []string{"Opción mala 1", "Opción mala 2", "Opción mala 3"}
}

type fixture struct {
	engine  *Engine
	repo    store.Repo
	gateway *fakeGateway
	jobs    *fakeJobs
}

func newFixture(t *testing.T, questions ...domain.Question) *fixture {
	t.Helper()
	repo := store.NewMemory()
	gateway := &fakeGateway{}
	jobs := newFakeJobs()
	clock := fakeClock{t: testNow}
	provider := &fakeProvider{questions: questions}
	delivery := quiz.NewDelivery(repo, provider, gateway, clock, zap.NewNop())
	grader := quiz.NewGrader(repo, clock, zap.NewNop())
	return &fixture{
		engine:  New(repo, gateway, delivery, grader, jobs, clock, zap.NewNop()),
		repo:    repo,
		gateway: gateway,
		jobs:    jobs,
	}
}

func defaultQuestions() []domain.Question {
	return []domain.Question{
		{ID: 1, Text: "¿Cuál es el hueso más largo?", Area: "Anatomía"},
		{ID: 2, Text: "¿Dónde se produce la insulina?", Area: "Endocrinología"},
	}
}

func text(from, body string) domain.InboundEvent {
	return domain.InboundEvent{From: from, Kind: domain.EventText, Body: body}
}

func selection(from, id string) domain.InboundEvent {
	return domain.InboundEvent{From: from, Kind: domain.EventSelection, SelectionID: id}
}

// subscribe walks a fresh user through the full onboarding dialogue.
func (f *fixture) subscribe(t *testing.T, phone, day, hour string) *domain.User {
	t.Helper()
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, text(phone, "hola"))
	require.NoError(t, err)
	_, err = f.engine.HandleInbound(ctx, text(phone, day))
	require.NoError(t, err)
	_, err = f.engine.HandleInbound(ctx, text(phone, hour))
	require.NoError(t, err)

	u, err := f.repo.GetUserByPhone(ctx, phone)
	require.NoError(t, err)
	return u
}

func TestFirstContactStartsOnboarding(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)

	out, err := f.engine.HandleInbound(context.Background(), text("51999000111", "hola"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcomed, out)

	u, err := f.repo.GetUserByPhone(context.Background(), "51999000111")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAwaitingDay, u.State)
	assert.Equal(t, []string{tplWelcome, tplDaySelect}, f.gateway.templates)
	assert.NotNil(t, u.LastInteractionAt)
}

func TestDaySelection(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "hola"))
	require.NoError(t, err)

	out, err := f.engine.HandleInbound(ctx, text("51999000111", "Lunes"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDayStored, out)

	u, _ := f.repo.GetUserByPhone(ctx, "51999000111")
	assert.Equal(t, domain.StateAwaitingHour, u.State)
	assert.Equal(t, 0, u.ScheduledDayOfWeek)
	assert.Contains(t, f.gateway.templates, tplHourSelect)
}

func TestDaySelection_UnknownDayReprompts(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "hola"))
	require.NoError(t, err)

	out, err := f.engine.HandleInbound(ctx, text("51999000111", "algún día"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReprompted, out)

	u, _ := f.repo.GetUserByPhone(ctx, "51999000111")
	assert.Equal(t, domain.StateAwaitingDay, u.State)
	assert.Equal(t, msgDayReprompt, f.gateway.lastText())
}

func TestHourSelectionSubscribes(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	assert.Equal(t, domain.StateSubscribed, u.State)
	assert.Equal(t, 14, u.ScheduledHour)
	assert.Equal(t, 5, u.ScheduledMinute)

	// Next Monday 14:05 after Wednesday May 7 is May 12.
	fireAt, ok := f.jobs.fireAt(u.ID)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(time.Date(2025, time.May, 12, 14, 5, 0, 0, time.UTC)))
	require.NotNil(t, u.NextQuestionAt)
	assert.True(t, u.NextQuestionAt.Equal(fireAt))
	assert.Equal(t, 1, f.jobs.calls)
}

func TestHourSelection_ScheduleFailureKeepsState(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "hola"))
	require.NoError(t, err)
	_, err = f.engine.HandleInbound(ctx, text("51999000111", "Lunes"))
	require.NoError(t, err)

	f.jobs.fail = true
	_, err = f.engine.HandleInbound(ctx, text("51999000111", "14:05"))
	require.Error(t, err)

	u, _ := f.repo.GetUserByPhone(ctx, "51999000111")
	assert.Equal(t, domain.StateAwaitingHour, u.State, "must not subscribe without a persisted job")
	assert.Equal(t, msgGenericError, f.gateway.lastText())
}

func TestSubscribedReplayDoesNotRearm(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	out, err := f.engine.HandleInbound(context.Background(), text("51999000111", "14:05"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, out)
	assert.Equal(t, 1, f.jobs.calls, "replayed hour input must not program a second job")

	again, _ := f.repo.GetUser(context.Background(), u.ID)
	assert.Equal(t, domain.StateSubscribed, again.State)
}

func TestTimeTriggerPromptsConfirmation(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	f.engine.TimeTrigger(context.Background(), u.ID)

	again, _ := f.repo.GetUser(context.Background(), u.ID)
	assert.Equal(t, domain.StateAwaitingQuestionConfirmation, again.State)
	assert.Contains(t, f.gateway.templates, tplConfirmation)
}

func TestTimeTrigger_NonSubscribedUserDiscarded(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "hola"))
	require.NoError(t, err)
	u, _ := f.repo.GetUserByPhone(ctx, "51999000111")

	f.engine.TimeTrigger(ctx, u.ID)

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateAwaitingDay, again.State, "dangling job must not move the dialogue")
	assert.NotContains(t, f.gateway.templates, tplConfirmation)
}

func TestConfirmationYesDeliversQuestion(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)

	out, err := f.engine.HandleInbound(ctx, text("51999000111", "Sí"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuestionSent, out)

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateAwaitingQuestionResponse, again.State)

	pending, err := f.repo.GetOpenPendingQuestion(ctx, u.ID)
	require.NoError(t, err)
	assert.Len(t, pending.Options, 1+quiz.DistractorCount)
	require.Len(t, f.gateway.lists, 1)
	assert.Len(t, f.gateway.lists[0].Rows, 1+quiz.DistractorCount)
}

func TestConfirmationNoPostponesAWeek(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)

	out, err := f.engine.HandleInbound(ctx, selection("51999000111", selectionNo))
	require.NoError(t, err)
	assert.Equal(t, OutcomePostponed, out)

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateSubscribed, again.State)

	fireAt, ok := f.jobs.fireAt(u.ID)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(time.Date(2025, time.May, 12, 14, 5, 0, 0, time.UTC)))
}

func TestConfirmation_EmptyPoolLeavesStateUntouched(t *testing.T) {
	f := newFixture(t) // no questions loaded
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)

	out, err := f.engine.HandleInbound(ctx, text("51999000111", "sí"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateAwaitingQuestionConfirmation, again.State)

	_, err = f.repo.GetOpenPendingQuestion(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "empty pool must not record a question")
}

func TestAnswerGradedAndNextCycleProgrammed(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "sí"))
	require.NoError(t, err)

	pending, err := f.repo.GetOpenPendingQuestion(ctx, u.ID)
	require.NoError(t, err)

	out, err := f.engine.HandleInbound(ctx, selection("51999000111", pending.CorrectLabel))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGraded, out)
	assert.Contains(t, f.gateway.lastText(), "¡Correcto!")

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateSubscribed, again.State)

	_, err = f.repo.GetOpenPendingQuestion(ctx, u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "graded question must be closed")

	fireAt, ok := f.jobs.fireAt(u.ID)
	require.True(t, ok)
	assert.True(t, fireAt.After(testNow))
	assert.False(t, fireAt.After(testNow.Add(8*24*time.Hour)))
}

func TestWrongAnswerStillAdvances(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "sí"))
	require.NoError(t, err)

	pending, err := f.repo.GetOpenPendingQuestion(ctx, u.ID)
	require.NoError(t, err)

	wrong := "A"
	if pending.CorrectLabel == "A" {
		wrong = "B"
	}
	out, err := f.engine.HandleInbound(ctx, selection("51999000111", wrong))
	require.NoError(t, err)
	assert.Equal(t, OutcomeGraded, out)
	assert.Contains(t, f.gateway.lastText(), "Incorrecto")

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateSubscribed, again.State)
}

func TestUnofferedLabelReprompts(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "sí"))
	require.NoError(t, err)

	out, err := f.engine.HandleInbound(ctx, selection("51999000111", "Z"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReprompted, out)

	pending, err := f.repo.GetOpenPendingQuestion(ctx, u.ID)
	require.NoError(t, err)
	assert.False(t, pending.Answered(), "invalid label must keep the question open")

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateAwaitingQuestionResponse, again.State)
}

func TestResponseWithoutPendingRecovers(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	f.engine.TimeTrigger(ctx, u.ID)
	_, err := f.engine.HandleInbound(ctx, text("51999000111", "sí"))
	require.NoError(t, err)

	// Close the record behind the dialogue's back.
	pending, err := f.repo.GetOpenPendingQuestion(ctx, u.ID)
	require.NoError(t, err)
	require.NoError(t, f.repo.ClosePendingQuestion(ctx, pending.ID, testNow, "A", false))

	out, err := f.engine.HandleInbound(ctx, selection("51999000111", "B"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAcknowledged, out)
	assert.Equal(t, msgNoPendingApology, f.gateway.lastText())

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateSubscribed, again.State)
}

func TestQuestionNowCommand(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	out, err := f.engine.HandleInbound(ctx, text("51999000111", "quiero una pregunta"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeQuestionSent, out)

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateAwaitingQuestionResponse, again.State)

	_, err = f.repo.GetOpenPendingQuestion(ctx, u.ID)
	assert.NoError(t, err)
}

func TestAtMostOneOpenQuestion(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	_, err := f.engine.HandleInbound(ctx, text("51999000111", "pregunta"))
	require.NoError(t, err)

	_, err = f.engine.SendQuestionNow(ctx, u.ID)
	require.Error(t, err, "a second question must not be sent while one is open")

	n, err := f.repo.CountOpenPendingQuestions(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestContactOnlyReachesUncontacted(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()

	u, err := f.repo.CreateUser(ctx, "51999000222", "")
	require.NoError(t, err)

	out, err := f.engine.Contact(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWelcomed, out)

	// Second contact attempt is a no-op.
	out, err = f.engine.Contact(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, out)
	assert.Equal(t, []string{tplWelcome, tplDaySelect}, f.gateway.templates)
}

func TestResetUserCancelsJob(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")

	require.NoError(t, f.engine.ResetUser(ctx, u.ID))

	again, _ := f.repo.GetUser(ctx, u.ID)
	assert.Equal(t, domain.StateUncontacted, again.State)
	assert.False(t, again.HasSchedule())
	assert.Nil(t, again.NextQuestionAt)

	_, ok := f.jobs.fireAt(u.ID)
	assert.False(t, ok, "reset must disarm the weekly job")
}

func TestRescheduleRecomputesWeeklySlot(t *testing.T) {
	f := newFixture(t, defaultQuestions()...)
	ctx := context.Background()
	u := f.subscribe(t, "51999000111", "Lunes", "14:05")
	require.NoError(t, f.jobs.Cancel(ctx, u.ID))

	f.engine.Reschedule(ctx, u.ID)

	fireAt, ok := f.jobs.fireAt(u.ID)
	require.True(t, ok)
	assert.True(t, fireAt.Equal(time.Date(2025, time.May, 12, 14, 5, 0, 0, time.UTC)))
}
