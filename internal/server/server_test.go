package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/benlos-peru/banquea-bot-whatsapp/internal/domain"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/flow"
	"github.com/benlos-peru/banquea-bot-whatsapp/internal/store"
)

type fakeVerifier struct{ token string }

func (v fakeVerifier) VerifyWebhook(mode, token string) bool {
	return mode == "subscribe" && token == v.token
}

type fakeDialogue struct {
	inbound   []domain.InboundEvent
	contacted []int64
	sendErr   error
}

func (d *fakeDialogue) HandleInbound(_ context.Context, ev domain.InboundEvent) (flow.Outcome, error) {
	d.inbound = append(d.inbound, ev)
	return flow.OutcomeAcknowledged, nil
}

func (d *fakeDialogue) Contact(_ context.Context, userID int64) (flow.Outcome, error) {
	d.contacted = append(d.contacted, userID)
	return flow.OutcomeWelcomed, nil
}

func (d *fakeDialogue) SendQuestionNow(context.Context, int64) (flow.Outcome, error) {
	if d.sendErr != nil {
		return flow.OutcomeIgnored, d.sendErr
	}
	return flow.OutcomeQuestionSent, nil
}

func (d *fakeDialogue) ResetUser(context.Context, int64) error { return nil }

type fakeContent struct {
	n         int
	reloadErr error
}

func (c *fakeContent) Reload() error { return c.reloadErr }
func (c *fakeContent) Len() int      { return c.n }

type fakeJobControl struct{ cancelled []int64 }

func (j *fakeJobControl) Cancel(_ context.Context, userID int64) error {
	j.cancelled = append(j.cancelled, userID)
	return nil
}

func (j *fakeJobControl) Armed() int { return len(j.cancelled) }

type serverFixture struct {
	srv      *Server
	repo     store.Repo
	dialogue *fakeDialogue
	jobs     *fakeJobControl
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	repo := store.NewMemory()
	dialogue := &fakeDialogue{}
	jobs := &fakeJobControl{}
	srv := New(":0", fakeVerifier{token: "secreto"}, dialogue, repo,
		&fakeContent{n: 42}, jobs, zap.NewNop())
	return &serverFixture{srv: srv, repo: repo, dialogue: dialogue, jobs: jobs}
}

func (f *serverFixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestWebhookVerification(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=secreto&hub.challenge=12345", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "12345", rec.Body.String())

	rec = f.do(http.MethodGet, "/webhook?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

const textPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"value": {
    "messaging_product": "whatsapp",
    "contacts": [{"profile": {"name": "Ana"}}],
    "messages": [{"from": "51999000111", "id": "wamid.1", "type": "text",
                  "text": {"body": "Lunes"}}]
  }}]}]
}`

const statusPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{"changes": [{"value": {
    "messaging_product": "whatsapp",
    "statuses": [{"id": "wamid.1", "status": "delivered"}]
  }}]}]
}`

func TestWebhookDispatchesInbound(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/webhook", textPayload)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.dialogue.inbound, 1)
	assert.Equal(t, "51999000111", f.dialogue.inbound[0].From)
	assert.Equal(t, "Lunes", f.dialogue.inbound[0].Body)
}

func TestWebhookAcksStatusUpdates(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/webhook", statusPayload)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, f.dialogue.inbound)
}

func TestListAndGetUsers(t *testing.T) {
	f := newServerFixture(t)
	u, err := f.repo.CreateUser(context.Background(), "51999000111", "ana")
	require.NoError(t, err)

	rec := f.do(http.MethodGet, "/admin/users", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "51999000111")
	assert.Contains(t, rec.Body.String(), "UNCONTACTED")

	rec = f.do(http.MethodGet, "/admin/users/1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), u.PhoneNumber)

	rec = f.do(http.MethodGet, "/admin/users/999", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteUserCancelsJob(t *testing.T) {
	f := newServerFixture(t)
	u, err := f.repo.CreateUser(context.Background(), "51999000111", "")
	require.NoError(t, err)

	rec := f.do(http.MethodDelete, "/admin/users/1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []int64{u.ID}, f.jobs.cancelled)

	_, err = f.repo.GetUser(context.Background(), u.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSendQuestionConflict(t *testing.T) {
	f := newServerFixture(t)
	_, err := f.repo.CreateUser(context.Background(), "51999000111", "")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/admin/users/1/send-question", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	f.dialogue.sendErr = assert.AnError
	rec = f.do(http.MethodPost, "/admin/users/1/send-question", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestBulkContact(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	_, err := f.repo.CreateUser(ctx, "51999000111", "")
	require.NoError(t, err)
	_, err = f.repo.CreateUser(ctx, "51999000222", "")
	require.NoError(t, err)

	rec := f.do(http.MethodPost, "/admin/contact?limit=10", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, f.dialogue.contacted, 2)
	assert.Contains(t, rec.Body.String(), `"contacted":2`)
}

func TestReloadAndStats(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(http.MethodPost, "/admin/questions/reload", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"questions":42`)

	rec = f.do(http.MethodGet, "/admin/stats", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"users":0`)
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rec := f.do(http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
