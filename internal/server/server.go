// Package server exposes the webhook endpoint consumed by the WhatsApp
// Cloud API plus a small operator surface for user management.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/flow"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/whatsapp"
)

// Verifier validates the Cloud API webhook subscription handshake.
type Verifier interface {
	VerifyWebhook(mode, token string) bool
}

// Dialogue is the state-machine surface the HTTP layer drives.
type Dialogue interface {
	HandleInbound(ctx context.Context, ev domain.InboundEvent) (flow.Outcome, error)
	Contact(ctx context.Context, userID int64) (flow.Outcome, error)
	SendQuestionNow(ctx context.Context, userID int64) (flow.Outcome, error)
	ResetUser(ctx context.Context, userID int64) error
}

// ContentStore reloads and sizes the question pool.
type ContentStore interface {
	Reload() error
	Len() int
}

// JobControl is the scheduler surface used by user deletion and stats.
type JobControl interface {
	Cancel(ctx context.Context, userID int64) error
	Armed() int
}

// Server is the HTTP front of the bot.
type Server struct {
	http     *http.Server
	verifier Verifier
	dialogue Dialogue
	repo     store.Repo
	content  ContentStore
	jobs     JobControl
	log      *zap.Logger
}

// New builds the server and its routes.
func New(addr string, verifier Verifier, dialogue Dialogue, repo store.Repo, content ContentStore, jobs JobControl, log *zap.Logger) *Server {
	s := &Server{
		verifier: verifier,
		dialogue: dialogue,
		repo:     repo,
		content:  content,
		jobs:     jobs,
		log:      log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(requestLogger(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Get("/webhook", s.handleVerify)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/admin", func(r chi.Router) {
		r.Get("/stats", s.handleStats)
		r.Post("/questions/reload", s.handleReloadQuestions)
		r.Post("/contact", s.handleBulkContact)

		r.Get("/users", s.handleListUsers)
		r.Get("/users/{userID}", s.handleGetUser)
		r.Delete("/users/{userID}", s.handleDeleteUser)
		r.Post("/users/{userID}/reset", s.handleResetUser)
		r.Post("/users/{userID}/contact", s.handleContactUser)
		r.Post("/users/{userID}/send-question", s.handleSendQuestion)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the routed handler, mostly for tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http server listening", zap.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleVerify answers the subscription handshake; the challenge is echoed
// back verbatim as plain text.
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !s.verifier.VerifyWebhook(q.Get("hub.mode"), q.Get("hub.verify_token")) {
		s.log.Warn("webhook verification rejected", zap.String("mode", q.Get("hub.mode")))
		http.Error(w, "verification failed", http.StatusForbidden)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(q.Get("hub.challenge")))
}

// handleWebhook ingests one Cloud API delivery. The endpoint always acks
// with 200 for parseable deliveries so the platform does not retry-storm;
// handling errors are logged, not surfaced.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	ev, _, err := whatsapp.ParseWebhook(body)
	if errors.Is(err, whatsapp.ErrNotAMessage) {
		w.WriteHeader(http.StatusOK)
		return
	}
	if err != nil {
		s.log.Warn("unparseable webhook payload", zap.Error(err))
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}

	outcome, err := s.dialogue.HandleInbound(r.Context(), *ev)
	if err != nil {
		s.log.Error("inbound handling failed",
			zap.Error(err), zap.String("from", ev.From), zap.String("outcome", string(outcome)))
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	offset := queryInt(r, "offset", 0)
	limit := queryInt(r, "limit", 50)
	if limit > 200 {
		limit = 200
	}

	users, err := s.repo.ListUsers(r.Context(), offset, limit)
	if err != nil {
		s.internalError(w, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": toUserViews(users)})
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserView(*user))
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}
	if err := s.jobs.Cancel(r.Context(), user.ID); err != nil {
		s.internalError(w, "cancel job", err)
		return
	}
	if err := s.repo.DeleteUser(r.Context(), user.ID); err != nil {
		s.internalError(w, "delete user", err)
		return
	}
	s.log.Info("user deleted", zap.Int64("user", user.ID))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleResetUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}
	if err := s.dialogue.ResetUser(r.Context(), user.ID); err != nil {
		s.internalError(w, "reset user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) handleContactUser(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}
	outcome, err := s.dialogue.Contact(r.Context(), user.ID)
	if err != nil {
		s.internalError(w, "contact user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

func (s *Server) handleSendQuestion(w http.ResponseWriter, r *http.Request) {
	user, ok := s.lookupUser(w, r)
	if !ok {
		return
	}
	outcome, err := s.dialogue.SendQuestionNow(r.Context(), user.ID)
	if err != nil {
		s.log.Warn("manual question send rejected", zap.Error(err), zap.Int64("user", user.ID))
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// handleBulkContact starts onboarding for users nobody has written to yet.
func (s *Server) handleBulkContact(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)
	users, err := s.repo.ListUsersByState(r.Context(), domain.StateUncontacted, limit)
	if err != nil {
		s.internalError(w, "list uncontacted", err)
		return
	}

	contacted := 0
	for _, u := range users {
		outcome, err := s.dialogue.Contact(r.Context(), u.ID)
		if err != nil {
			s.log.Error("bulk contact failed", zap.Error(err), zap.Int64("user", u.ID))
			continue
		}
		if outcome == flow.OutcomeWelcomed {
			contacted++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"candidates": len(users), "contacted": contacted})
}

func (s *Server) handleReloadQuestions(w http.ResponseWriter, r *http.Request) {
	if err := s.content.Reload(); err != nil {
		s.internalError(w, "reload questions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"questions": s.content.Len()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	total, err := s.repo.CountUsers(r.Context())
	if err != nil {
		s.internalError(w, "count users", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{
		"users":      total,
		"questions":  s.content.Len(),
		"armed_jobs": s.jobs.Armed(),
	})
}

func (s *Server) lookupUser(w http.ResponseWriter, r *http.Request) (*domain.User, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return nil, false
	}
	user, err := s.repo.GetUser(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "user not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.internalError(w, "load user", err)
		return nil, false
	}
	return user, true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op+" failed", zap.Error(err))
	http.Error(w, "internal error", http.StatusInternalServerError)
}

// userView is the JSON shape of a user on the operator surface.
type userView struct {
	ID             int64  `json:"id"`
	PhoneNumber    string `json:"phone_number"`
	Username       string `json:"username,omitempty"`
	State          string `json:"state"`
	ScheduledDay   *int   `json:"scheduled_day,omitempty"`
	ScheduledTime  string `json:"scheduled_time,omitempty"`
	NextQuestionAt string `json:"next_question_at,omitempty"`
}

func toUserView(u domain.User) userView {
	v := userView{
		ID:          u.ID,
		PhoneNumber: u.PhoneNumber,
		Username:    u.Username,
		State:       u.State.String(),
	}
	if u.HasSchedule() {
		day := u.ScheduledDayOfWeek
		v.ScheduledDay = &day
		v.ScheduledTime = domain.FormatTimeOfDay(u.ScheduledHour, u.ScheduledMinute)
	}
	if u.NextQuestionAt != nil {
		v.NextQuestionAt = u.NextQuestionAt.UTC().Format(time.RFC3339)
	}
	return v
}

func toUserViews(users []domain.User) []userView {
	views := make([]userView, 0, len(users))
	for _, u := range users {
		views = append(views, toUserView(u))
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
