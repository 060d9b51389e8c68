package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/nurture/internal/ai"
	"github.com/rendis/nurture/internal/engine"
	"github.com/rendis/nurture/internal/store"
	"github.com/rendis/nurture/pkg/schema"
)

func newTestStore(t *testing.T) *store.LibSQLStore {
	t.Helper()
	s, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "dispatch.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type recordingSender struct {
	ids   []string
	texts []string
	err   error
}

func (r *recordingSender) Send(_ context.Context, senderID, text string) error {
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, senderID)
	r.texts = append(r.texts, text)
	return nil
}

type stubDrafter struct {
	prompt string
	dc     ai.DraftContext
	text   string
	err    error
}

func (s *stubDrafter) Draft(_ context.Context, prompt string, dc ai.DraftContext) (string, error) {
	s.prompt, s.dc = prompt, dc
	return s.text, s.err
}

func TestDispatcher_SendRecordsOutbound(t *testing.T) {
	st := newTestStore(t)
	sender := &recordingSender{}
	d := New(sender, nil, st, slog.Default())
	ctx := context.Background()

	require.NoError(t, d.Send(ctx, engine.Recipient{LeadID: "lead-1", SenderID: "psid-1"}, "hello"))
	assert.Equal(t, []string{"psid-1"}, sender.ids)

	msgs, err := st.ListMessages(ctx, store.MessageFilter{LeadID: "lead-1"})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, schema.DirectionOutbound, msgs[0].Direction)
	assert.Equal(t, "hello", msgs[0].Text)
}

func TestDispatcher_SendFailureNotRecorded(t *testing.T) {
	st := newTestStore(t)
	d := New(&recordingSender{err: schema.NewError(schema.ErrCodeTransient, "down")}, nil, st, slog.Default())

	err := d.Send(context.Background(), engine.Recipient{LeadID: "lead-1", SenderID: "psid-1"}, "hello")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransient))

	msgs, err := st.ListMessages(context.Background(), store.MessageFilter{LeadID: "lead-1"})
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestDispatcher_SendWithoutIdentityIsFatal(t *testing.T) {
	d := New(&recordingSender{}, nil, newTestStore(t), slog.Default())
	err := d.Send(context.Background(), engine.Recipient{LeadID: "lead-1"}, "hello")
	assert.True(t, schema.IsCode(err, schema.ErrCodeFatal))
}

func TestDispatcher_GenerateUsesLeadContext(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, st.UpsertLead(ctx, &store.Lead{ID: "lead-1", Name: "Ana", SenderID: "psid-1", StageID: "s"}))
	base := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, st.AppendMessage(ctx, &store.Message{LeadID: "lead-1", Direction: schema.DirectionInbound, Text: "is it in stock?", CreatedAt: base}))
	require.NoError(t, st.AppendMessage(ctx, &store.Message{LeadID: "lead-1", Direction: schema.DirectionOutbound, Text: "checking", CreatedAt: base.Add(time.Minute)}))

	drafter := &stubDrafter{text: "  Yes Ana, it is!  "}
	d := New(&recordingSender{}, drafter, st, slog.Default())

	text, err := d.Generate(ctx, engine.GenerateRequest{Prompt: "confirm stock", LeadID: "lead-1"})
	require.NoError(t, err)
	assert.Equal(t, "Yes Ana, it is!", text)
	assert.Equal(t, "confirm stock", drafter.prompt)
	assert.Equal(t, "Ana", drafter.dc.LeadName)
	assert.Equal(t, "Lead: is it in stock?\nAgent: checking", drafter.dc.Transcript)
}

func TestDispatcher_GenerateUnknownLeadStillDrafts(t *testing.T) {
	drafter := &stubDrafter{text: "hi"}
	d := New(&recordingSender{}, drafter, newTestStore(t), slog.Default())

	text, err := d.Generate(context.Background(), engine.GenerateRequest{Prompt: "p", LeadID: "ghost"})
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
	assert.Empty(t, drafter.dc.LeadName)
}

func TestDispatcher_GenerateEmptyIsFatal(t *testing.T) {
	d := New(&recordingSender{}, &stubDrafter{text: "\n"}, newTestStore(t), slog.Default())
	_, err := d.Generate(context.Background(), engine.GenerateRequest{Prompt: "p", LeadID: "l"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeFatal))
	assert.False(t, engine.IsRetryableError(err))
}

func TestDispatcher_GenerateWithoutDrafter(t *testing.T) {
	d := New(&recordingSender{}, nil, newTestStore(t), slog.Default())
	_, err := d.Generate(context.Background(), engine.GenerateRequest{Prompt: "p", LeadID: "l"})
	assert.True(t, schema.IsCode(err, schema.ErrCodeFatal))
}

func TestHTTPSender_PostsMessengerPayload(t *testing.T) {
	var got sendPayload
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s, err := NewHTTPSender(HTTPSenderConfig{URL: srv.URL, Token: "page-token"}, slog.Default())
	require.NoError(t, err)
	require.NoError(t, s.Send(context.Background(), "psid-9", "hey"))
	assert.Equal(t, "psid-9", got.Recipient.ID)
	assert.Equal(t, "hey", got.Message.Text)
	assert.Equal(t, "Bearer page-token", auth)
}

func TestHTTPSender_StatusClassification(t *testing.T) {
	for status, code := range map[int]string{
		http.StatusTooManyRequests:     schema.ErrCodeTransient,
		http.StatusInternalServerError: schema.ErrCodeTransient,
		http.StatusBadRequest:          schema.ErrCodeFatal,
		http.StatusForbidden:           schema.ErrCodeFatal,
	} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"x"}`, status)
		}))
		s, err := NewHTTPSender(HTTPSenderConfig{URL: srv.URL}, slog.Default())
		require.NoError(t, err)
		err = s.Send(context.Background(), "psid", "t")
		assert.True(t, schema.IsCode(err, code), "status %d: %v", status, err)
		srv.Close()
	}
}

func TestHTTPSender_UnreachableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()

	s, err := NewHTTPSender(HTTPSenderConfig{URL: url}, slog.Default())
	require.NoError(t, err)
	err = s.Send(context.Background(), "psid", "t")
	assert.True(t, schema.IsCode(err, schema.ErrCodeTransient))
}

func TestNewHTTPSender_RequiresURL(t *testing.T) {
	_, err := NewHTTPSender(HTTPSenderConfig{}, slog.Default())
	assert.True(t, schema.IsCode(err, schema.ErrCodeValidation))
}
