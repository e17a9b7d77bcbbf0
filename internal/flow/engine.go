// Package flow implements the conversation state machine. Every inbound
// message and every fired schedule is resolved against the user's stored
// state; handlers run serialized per user so duplicate webhook deliveries
// and timer races cannot interleave.
package flow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/quiz"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

// Gateway is the outbound message surface the engine needs.
type Gateway interface {
	SendText(ctx context.Context, to, body string) error
	SendTemplate(ctx context.Context, to, name string) error
	SendList(ctx context.Context, to string, msg domain.ListMessage) error
}

// Deliverer sends one quiz question and records it as pending.
type Deliverer interface {
	Deliver(ctx context.Context, user *domain.User) (*domain.PendingQuestion, error)
}

// AnswerGrader closes a pending question against a selected label.
type AnswerGrader interface {
	Grade(ctx context.Context, pending *domain.PendingQuestion, selectedLabel string) (quiz.GradeResult, error)
}

// Jobs is the scheduler surface the engine drives.
type Jobs interface {
	Schedule(ctx context.Context, userID int64, fireAt time.Time) error
	Cancel(ctx context.Context, userID int64) error
}

// Outcome names what a handled event did, mostly for logs and tests.
type Outcome string

const (
	OutcomeWelcomed     Outcome = "welcomed"
	OutcomeDayStored    Outcome = "day_stored"
	OutcomeSubscribed   Outcome = "subscribed"
	OutcomeReprompted   Outcome = "reprompted"
	OutcomeAcknowledged Outcome = "acknowledged"
	OutcomeQuestionSent Outcome = "question_sent"
	OutcomePostponed    Outcome = "postponed"
	OutcomeGraded       Outcome = "graded"
	OutcomeIgnored      Outcome = "ignored"
)

// Engine is the per-user dialogue state machine.
type Engine struct {
	repo     store.Repo
	gateway  Gateway
	delivery Deliverer
	grader   AnswerGrader
	jobs     Jobs
	clock    domain.Clock
	log      *zap.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New builds the state machine engine.
func New(repo store.Repo, gateway Gateway, delivery Deliverer, grader AnswerGrader, jobs Jobs, clock domain.Clock, log *zap.Logger) *Engine {
	return &Engine{
		repo:     repo,
		gateway:  gateway,
		delivery: delivery,
		grader:   grader,
		jobs:     jobs,
		clock:    clock,
		log:      log,
		locks:    make(map[int64]*sync.Mutex),
	}
}

// userLock returns the mutex serializing all handling for one user.
func (e *Engine) userLock(userID int64) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		e.locks[userID] = l
	}
	return l
}

// HandleInbound resolves one webhook event against the sender's state.
// Unknown senders are registered as UNCONTACTED and onboarded immediately.
func (e *Engine) HandleInbound(ctx context.Context, ev domain.InboundEvent) (Outcome, error) {
	user, err := e.repo.GetUserByPhone(ctx, ev.From)
	if errors.Is(err, store.ErrNotFound) {
		user, err = e.repo.CreateUser(ctx, ev.From, "")
		if err != nil {
			// Lost a concurrent-create race; the row exists now.
			user, err = e.repo.GetUserByPhone(ctx, ev.From)
		}
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("resolve user %s: %w", ev.From, err)
	}

	l := e.userLock(user.ID)
	l.Lock()
	defer l.Unlock()

	// Re-read inside the lock; another event may have advanced the state.
	user, err = e.repo.GetUser(ctx, user.ID)
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("load user %d: %w", user.ID, err)
	}

	now := e.clock.Now().UTC()
	user.LastInteractionAt = &now

	if !user.State.Valid() {
		e.log.Error("user in unknown state, resetting",
			zap.Int64("user", user.ID), zap.Int("state", int(user.State)))
		user.State = domain.StateSubscribed
		if !user.HasSchedule() {
			user.State = domain.StateUncontacted
		}
		if uerr := e.repo.UpdateUser(ctx, user); uerr != nil {
			return OutcomeIgnored, uerr
		}
		e.send(ctx, user.PhoneNumber, msgGenericError)
		return OutcomeIgnored, nil
	}

	// "Send me a question now" bypasses the schedule from stable states.
	if ev.Kind == domain.EventText && isQuestionNowCommand(ev.Body) &&
		(user.State == domain.StateSubscribed || user.State == domain.StateAwaitingQuestionConfirmation) {
		return e.sendQuestion(ctx, user)
	}

	switch user.State {
	case domain.StateUncontacted:
		return e.handleUncontacted(ctx, user)
	case domain.StateAwaitingDay:
		return e.handleAwaitingDay(ctx, user, ev)
	case domain.StateAwaitingHour:
		return e.handleAwaitingHour(ctx, user, ev)
	case domain.StateSubscribed:
		return e.handleSubscribed(ctx, user)
	case domain.StateAwaitingQuestionConfirmation:
		return e.handleConfirmation(ctx, user, ev)
	case domain.StateAwaitingQuestionResponse:
		return e.handleResponse(ctx, user, ev)
	}
	return OutcomeIgnored, nil
}

// handleUncontacted greets a first-time sender. The state only advances
// when the templates went out, so a failed greeting retries on next contact.
func (e *Engine) handleUncontacted(ctx context.Context, user *domain.User) (Outcome, error) {
	if err := e.gateway.SendTemplate(ctx, user.PhoneNumber, tplWelcome); err != nil {
		return OutcomeIgnored, fmt.Errorf("send welcome: %w", err)
	}
	if err := e.gateway.SendTemplate(ctx, user.PhoneNumber, tplDaySelect); err != nil {
		return OutcomeIgnored, fmt.Errorf("send day prompt: %w", err)
	}

	user.State = domain.StateAwaitingDay
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return OutcomeIgnored, fmt.Errorf("advance to awaiting day: %w", err)
	}
	e.log.Info("user contacted", zap.String("phone", user.PhoneNumber))
	return OutcomeWelcomed, nil
}

func (e *Engine) handleAwaitingDay(ctx context.Context, user *domain.User, ev domain.InboundEvent) (Outcome, error) {
	day, err := domain.ParseDay(eventText(ev))
	if err != nil {
		e.send(ctx, user.PhoneNumber, msgDayReprompt)
		return OutcomeReprompted, nil
	}

	user.ScheduledDayOfWeek = day
	user.State = domain.StateAwaitingHour
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return OutcomeIgnored, fmt.Errorf("store day: %w", err)
	}
	if err := e.gateway.SendTemplate(ctx, user.PhoneNumber, tplHourSelect); err != nil {
		e.log.Error("hour prompt failed", zap.Error(err), zap.String("phone", user.PhoneNumber))
	}
	return OutcomeDayStored, nil
}

// handleAwaitingHour completes onboarding. The job row is written before the
// user is marked SUBSCRIBED; a user must never be subscribed without a job.
func (e *Engine) handleAwaitingHour(ctx context.Context, user *domain.User, ev domain.InboundEvent) (Outcome, error) {
	hour, minute, err := domain.ParseTimeOfDay(eventText(ev))
	if err != nil {
		e.send(ctx, user.PhoneNumber, msgHourReprompt)
		return OutcomeReprompted, nil
	}

	next := domain.NextTrigger(user.ScheduledDayOfWeek, hour, minute, e.clock.Now())
	if err := e.jobs.Schedule(ctx, user.ID, next); err != nil {
		e.send(ctx, user.PhoneNumber, msgGenericError)
		return OutcomeIgnored, fmt.Errorf("schedule first question: %w", err)
	}

	user.ScheduledHour = hour
	user.ScheduledMinute = minute
	user.State = domain.StateSubscribed
	nextUTC := next.UTC()
	user.NextQuestionAt = &nextUTC
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return OutcomeIgnored, fmt.Errorf("subscribe user: %w", err)
	}

	e.send(ctx, user.PhoneNumber, fmt.Sprintf(msgSubscribedFmt,
		domain.DayName(user.ScheduledDayOfWeek), domain.FormatTimeOfDay(hour, minute)))
	e.log.Info("user subscribed",
		zap.String("phone", user.PhoneNumber),
		zap.Int("day", user.ScheduledDayOfWeek),
		zap.String("time", domain.FormatTimeOfDay(hour, minute)))
	return OutcomeSubscribed, nil
}

func (e *Engine) handleSubscribed(ctx context.Context, user *domain.User) (Outcome, error) {
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return OutcomeIgnored, err
	}
	e.send(ctx, user.PhoneNumber, msgSubscribedAck)
	return OutcomeAcknowledged, nil
}

// handleConfirmation resolves the "want your question now?" step.
func (e *Engine) handleConfirmation(ctx context.Context, user *domain.User, ev domain.InboundEvent) (Outcome, error) {
	switch answerOf(ev) {
	case answerYes:
		return e.sendQuestion(ctx, user)
	case answerNo:
		next, err := e.scheduleNextCycle(ctx, user, domain.StateSubscribed)
		if err != nil {
			return OutcomeIgnored, err
		}
		e.send(ctx, user.PhoneNumber, fmt.Sprintf(msgPostponedFmt,
			domain.DayName(user.ScheduledDayOfWeek),
			domain.FormatTimeOfDay(user.ScheduledHour, user.ScheduledMinute)))
		e.log.Info("question postponed",
			zap.String("phone", user.PhoneNumber), zap.Time("next", next))
		return OutcomePostponed, nil
	default:
		e.send(ctx, user.PhoneNumber, msgConfirmReprompt)
		return OutcomeReprompted, nil
	}
}

// handleResponse grades the user's selection against the open pending
// question and programs the next weekly cycle.
func (e *Engine) handleResponse(ctx context.Context, user *domain.User, ev domain.InboundEvent) (Outcome, error) {
	pending, err := e.repo.GetOpenPendingQuestion(ctx, user.ID)
	if errors.Is(err, store.ErrNotFound) {
		// Dangling state without a question; recover to the stable state.
		if _, serr := e.scheduleNextCycle(ctx, user, domain.StateSubscribed); serr != nil {
			return OutcomeIgnored, serr
		}
		e.send(ctx, user.PhoneNumber, msgNoPendingApology)
		return OutcomeAcknowledged, nil
	}
	if err != nil {
		return OutcomeIgnored, fmt.Errorf("load pending question: %w", err)
	}

	label := selectionLabel(ev)
	result, err := e.grader.Grade(ctx, pending, label)
	switch {
	case errors.Is(err, quiz.ErrInvalidSelection):
		e.send(ctx, user.PhoneNumber, msgSelectionReprompt)
		return OutcomeReprompted, nil
	case errors.Is(err, quiz.ErrAlreadyAnswered):
		// Duplicate delivery after the outcome was recorded; nothing to redo.
		return OutcomeIgnored, nil
	case err != nil:
		return OutcomeIgnored, fmt.Errorf("grade answer: %w", err)
	}

	if _, err := e.scheduleNextCycle(ctx, user, domain.StateSubscribed); err != nil {
		return OutcomeIgnored, err
	}

	feedback := fmt.Sprintf(msgFeedbackWrongFmt, result.CorrectText)
	if result.IsCorrect {
		feedback = fmt.Sprintf(msgFeedbackCorrectFmt, result.CorrectText)
	}
	e.send(ctx, user.PhoneNumber, feedback)
	return OutcomeGraded, nil
}

// TimeTrigger fires when a user's scheduled slot arrives. Implements the
// scheduler handler; the job row was already consumed by the caller.
func (e *Engine) TimeTrigger(ctx context.Context, userID int64) {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()

	user, err := e.repo.GetUser(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		e.log.Warn("job fired for deleted user", zap.Int64("user", userID))
		return
	}
	if err != nil {
		e.log.Error("load user on trigger failed", zap.Error(err), zap.Int64("user", userID))
		return
	}
	if user.State != domain.StateSubscribed {
		// Dangling job; the dialogue moved on since it was armed.
		e.log.Warn("discarding trigger for non-subscribed user",
			zap.Int64("user", userID), zap.String("state", user.State.String()))
		return
	}

	user.State = domain.StateAwaitingQuestionConfirmation
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		e.log.Error("advance to confirmation failed", zap.Error(err), zap.Int64("user", userID))
		return
	}
	if err := e.gateway.SendTemplate(ctx, user.PhoneNumber, tplConfirmation); err != nil {
		e.log.Error("confirmation prompt failed", zap.Error(err), zap.String("phone", user.PhoneNumber))
	}
}

// Reschedule recomputes the next weekly slot for a job whose fire time was
// missed beyond the grace window.
func (e *Engine) Reschedule(ctx context.Context, userID int64) {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()

	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		e.log.Error("load user on reschedule failed", zap.Error(err), zap.Int64("user", userID))
		return
	}
	if user.State != domain.StateSubscribed || !user.HasSchedule() {
		return
	}
	if _, err := e.scheduleNextCycle(ctx, user, user.State); err != nil {
		e.log.Error("weekly recompute failed", zap.Error(err), zap.Int64("user", userID))
	}
}

// Contact starts onboarding for one user, used by the operator surface to
// reach users who never wrote in. No-op unless the user is UNCONTACTED.
func (e *Engine) Contact(ctx context.Context, userID int64) (Outcome, error) {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()

	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return OutcomeIgnored, err
	}
	if user.State != domain.StateUncontacted {
		return OutcomeIgnored, nil
	}
	return e.handleUncontacted(ctx, user)
}

// SendQuestionNow delivers a question immediately, bypassing the schedule.
func (e *Engine) SendQuestionNow(ctx context.Context, userID int64) (Outcome, error) {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()

	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return OutcomeIgnored, err
	}
	return e.sendQuestion(ctx, user)
}

// ResetUser returns a user to UNCONTACTED, clearing the schedule and
// cancelling any armed job.
func (e *Engine) ResetUser(ctx context.Context, userID int64) error {
	l := e.userLock(userID)
	l.Lock()
	defer l.Unlock()

	user, err := e.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := e.jobs.Cancel(ctx, userID); err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}

	user.State = domain.StateUncontacted
	user.ScheduledDayOfWeek = -1
	user.ScheduledHour = -1
	user.ScheduledMinute = -1
	user.NextQuestionAt = nil
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return fmt.Errorf("reset user: %w", err)
	}
	e.log.Info("user reset", zap.Int64("user", userID))
	return nil
}

// sendQuestion delivers one question and moves the user to
// AWAITING_QUESTION_RESPONSE. On an empty pool the state is left untouched;
// the delivery engine already notified the user.
func (e *Engine) sendQuestion(ctx context.Context, user *domain.User) (Outcome, error) {
	if open, err := e.repo.CountOpenPendingQuestions(ctx, user.ID); err != nil {
		return OutcomeIgnored, fmt.Errorf("count open questions: %w", err)
	} else if open > 0 {
		return OutcomeIgnored, fmt.Errorf("user %d already has an open question", user.ID)
	}

	pending, err := e.delivery.Deliver(ctx, user)
	if errors.Is(err, quiz.ErrNoQuestions) {
		if uerr := e.repo.UpdateUser(ctx, user); uerr != nil {
			return OutcomeIgnored, uerr
		}
		return OutcomeIgnored, nil
	}
	if pending == nil && err != nil {
		return OutcomeIgnored, fmt.Errorf("deliver question: %w", err)
	}
	if err != nil {
		// Record exists but transmission failed; the dialogue still advances
		// so the answer path can recover when the user writes back.
		e.log.Error("question sent with transmit error", zap.Error(err), zap.Int64("user", user.ID))
	}

	user.State = domain.StateAwaitingQuestionResponse
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return OutcomeIgnored, fmt.Errorf("advance to awaiting response: %w", err)
	}
	return OutcomeQuestionSent, nil
}

// scheduleNextCycle programs the next weekly occurrence and persists the
// user in the given state.
func (e *Engine) scheduleNextCycle(ctx context.Context, user *domain.User, state domain.UserState) (time.Time, error) {
	if !user.HasSchedule() {
		return time.Time{}, fmt.Errorf("user %d has no schedule", user.ID)
	}

	next := domain.NextTrigger(user.ScheduledDayOfWeek, user.ScheduledHour, user.ScheduledMinute, e.clock.Now())
	if err := e.jobs.Schedule(ctx, user.ID, next); err != nil {
		return time.Time{}, fmt.Errorf("schedule next cycle: %w", err)
	}

	user.State = state
	nextUTC := next.UTC()
	user.NextQuestionAt = &nextUTC
	if err := e.repo.UpdateUser(ctx, user); err != nil {
		return time.Time{}, fmt.Errorf("persist next cycle: %w", err)
	}
	return next, nil
}

// send delivers a plain text, logging failures instead of surfacing them.
func (e *Engine) send(ctx context.Context, to, body string) {
	if err := e.gateway.SendText(ctx, to, body); err != nil {
		e.log.Error("text send failed", zap.Error(err), zap.String("phone", to))
	}
}

type confirmationAnswer int

const (
	answerUnknown confirmationAnswer = iota
	answerYes
	answerNo
)

func answerOf(ev domain.InboundEvent) confirmationAnswer {
	if ev.Kind == domain.EventSelection {
		switch ev.SelectionID {
		case selectionYes:
			return answerYes
		case selectionNo:
			return answerNo
		}
	}
	norm := strings.ToLower(strings.TrimSpace(eventText(ev)))
	if _, ok := affirmatives[norm]; ok {
		return answerYes
	}
	if _, ok := negatives[norm]; ok {
		return answerNo
	}
	return answerUnknown
}

// selectionLabel extracts the answer label from either an interactive row
// id or a bare one-letter text reply.
func selectionLabel(ev domain.InboundEvent) string {
	if ev.Kind == domain.EventSelection && ev.SelectionID != "" {
		return strings.ToUpper(strings.TrimSpace(ev.SelectionID))
	}
	return strings.ToUpper(strings.TrimSpace(ev.Body))
}

func eventText(ev domain.InboundEvent) string {
	if ev.Kind == domain.EventSelection {
		if ev.SelectionTitle != "" {
			return ev.SelectionTitle
		}
		return ev.SelectionID
	}
	return ev.Body
}

func isQuestionNowCommand(body string) bool {
	_, ok := questionNowCommands[strings.ToLower(strings.TrimSpace(body))]
	return ok
}
