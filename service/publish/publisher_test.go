package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"notifyhub/module/notify/model"
	"notifyhub/module/notify/store"
	"notifyhub/service/broker"
	"notifyhub/tools/errs"
)

// downBroker refuses every publish; subscriptions are irrelevant here.
type downBroker struct {
	mu    sync.Mutex
	tries int
}

func (b *downBroker) Publish(context.Context, *model.Notification) error {
	b.mu.Lock()
	b.tries++
	b.mu.Unlock()
	return errors.New("broker down")
}
func (b *downBroker) Subscribe(broker.Handler) error { return nil }
func (b *downBroker) Close() error                   { return nil }

func TestPublishWritesDurablyThenFansOut(t *testing.T) {
	st := store.NewMem()
	b := broker.NewMem()

	var fanned []string
	require.NoError(t, b.Subscribe(func(_ context.Context, n *model.Notification) {
		fanned = append(fanned, n.ID)
	}))

	p := New(st, b)
	defer p.Stop()

	n, err := p.Publish(context.Background(), Input{
		UserID:   "alice",
		Type:     "comment.created",
		Payload:  map[string]any{"commentId": "c-9"},
		Priority: model.PriorityHigh,
		Channels: []string{"social"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, n.ID)
	require.Len(t, n.Cursor, 20)
	require.Equal(t, model.StatusPending, n.Status)

	require.Equal(t, []string{n.ID}, fanned)

	pend, err := st.GetPending(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	require.Equal(t, n.ID, pend[0].ID)
}

func TestPublishCursorsAscend(t *testing.T) {
	st := store.NewMem()
	p := New(st, broker.NewMem())
	defer p.Stop()

	var prev string
	for i := 0; i < 10; i++ {
		n, err := p.Publish(context.Background(), Input{UserID: "alice", Type: "tick"})
		require.NoError(t, err)
		require.Greater(t, n.Cursor, prev)
		prev = n.Cursor
	}
}

func TestPublishSucceedsWhenBrokerDown(t *testing.T) {
	st := store.NewMem()
	b := &downBroker{}
	p := New(st, b)
	defer p.Stop()

	n, err := p.Publish(context.Background(), Input{UserID: "alice", Type: "alert"})
	require.NoError(t, err, "durable write happened; broker outage is not a publish failure")

	pend, err := st.GetPending(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, pend, 1)
	require.Equal(t, n.ID, pend[0].ID)
}

func TestPublishValidation(t *testing.T) {
	p := New(store.NewMem(), broker.NewMem())
	defer p.Stop()

	cases := []struct {
		name string
		in   Input
		code string
	}{
		{"missing user", Input{Type: "x"}, errs.CodeMalformedMessage},
		{"missing type", Input{UserID: "alice"}, errs.CodeMalformedMessage},
		{"bad priority", Input{UserID: "alice", Type: "x", Priority: "asap"}, errs.CodeMalformedMessage},
		{"empty channel", Input{UserID: "alice", Type: "x", Channels: []string{""}}, errs.CodeInvalidChannels},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Publish(context.Background(), tc.in)
			require.Error(t, err)
			require.Equal(t, tc.code, errs.Code(err))
		})
	}
}

func TestPublishTTLSetsDeadline(t *testing.T) {
	p := New(store.NewMem(), broker.NewMem())
	defer p.Stop()

	n, err := p.Publish(context.Background(), Input{UserID: "alice", Type: "x", TTLSeconds: 60})
	require.NoError(t, err)
	require.Greater(t, n.ExpiresAt, n.CreatedAt)

	n, err = p.Publish(context.Background(), Input{UserID: "alice", Type: "x"})
	require.NoError(t, err)
	require.Zero(t, n.ExpiresAt, "no TTL means never expires")
}

func TestPublishHTTPHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	p := New(store.NewMem(), broker.NewMem())
	defer p.Stop()

	r := gin.New()
	r.POST("/publish", p.Handler)

	body, _ := json.Marshal(Input{UserID: "alice", Type: "order.shipped"})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body)))
	require.Equal(t, http.StatusAccepted, w.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp["id"])
	require.Len(t, resp["cursor"], 20)

	// validation failure surfaces the wire code
	body, _ = json.Marshal(Input{Type: "order.shipped"})
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/publish", bytes.NewReader(body)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	var fail map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fail))
	require.Equal(t, errs.CodeMalformedMessage, fail["code"])
}
