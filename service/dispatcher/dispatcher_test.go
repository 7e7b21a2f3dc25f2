package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"notifyhub/module/notify/model"
	"notifyhub/module/notify/store"
	"notifyhub/service/broker"
	"notifyhub/service/storage"
	"notifyhub/tools/ids"
)

type fakeLocal struct {
	mu        sync.Mutex
	delivered []string
	ret       int
	panics    bool
}

func (f *fakeLocal) DeliverLocal(_ context.Context, n *model.Notification) int {
	if f.panics {
		panic("poisoned notification")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, n.ID)
	return f.ret
}

func (f *fakeLocal) ids() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.delivered...)
}

// downRegistry simulates a registry outage on every call.
type downRegistry struct{}

func (downRegistry) Register(context.Context, string, storage.Entry) error { return errDown }
func (downRegistry) Unregister(context.Context, string, string) error      { return errDown }
func (downRegistry) Lookup(context.Context, string) ([]storage.Entry, error) {
	return nil, errDown
}
func (downRegistry) Count(context.Context, string) (int, error)              { return 0, errDown }
func (downRegistry) SetLastCursor(context.Context, string, string, string) error { return errDown }
func (downRegistry) Close() error                                            { return nil }

var errDown = errors.New("registry down")

func seed(t *testing.T, st store.Store, userID string, expiresIn time.Duration) *model.Notification {
	t.Helper()
	id, cursor := ids.NextCursor()
	now := time.Now()
	n := &model.Notification{
		ID:        id,
		UserID:    userID,
		Type:      "alert.raised",
		Payload:   map[string]any{"level": "p1"},
		Priority:  model.PriorityHigh,
		Cursor:    cursor,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(expiresIn).UnixMilli(),
		Status:    model.StatusPending,
	}
	require.NoError(t, st.CreateNotification(context.Background(), n))
	return n
}

func newTestDispatcher(t *testing.T, reg storage.Registry, local *fakeLocal) (*Dispatcher, store.Store, broker.Broker) {
	t.Helper()
	st := store.NewMem()
	b := broker.NewMem()
	d := New(Config{ServerID: "srv-a", SweepEvery: time.Hour}, st, reg, b, local)
	require.NoError(t, d.Start())
	t.Cleanup(d.Stop)
	return d, st, b
}

func registerConn(t *testing.T, reg storage.Registry, userID, serverID string) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), userID, storage.Entry{
		ConnectionID: "conn-" + serverID,
		ServerID:     serverID,
		ConnectedAt:  time.Now().UnixMilli(),
	}))
}

func TestDispatchDeliversOwnedUser(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{ret: 1}
	_, st, b := newTestDispatcher(t, reg, local)
	registerConn(t, reg, "alice", "srv-a")

	n := seed(t, st, "alice", time.Hour)
	require.NoError(t, b.Publish(context.Background(), n))

	require.Equal(t, []string{n.ID}, local.ids())

	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDelivered, got.Status)

	// delivery never resolves the pending entry; only an ack does
	pend, err := st.GetPending(context.Background(), "alice", "", 10)
	require.NoError(t, err)
	require.Len(t, pend, 1)
}

func TestDispatchSkipsForeignUser(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{ret: 1}
	_, st, b := newTestDispatcher(t, reg, local)
	registerConn(t, reg, "alice", "srv-b") // homed elsewhere

	n := seed(t, st, "alice", time.Hour)
	require.NoError(t, b.Publish(context.Background(), n))

	require.Empty(t, local.ids())
	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
}

func TestDispatchNoLocalAcceptLeavesPending(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{ret: 0} // sockets filtered everything out
	_, st, b := newTestDispatcher(t, reg, local)
	registerConn(t, reg, "alice", "srv-a")

	n := seed(t, st, "alice", time.Hour)
	require.NoError(t, b.Publish(context.Background(), n))

	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
}

func TestDispatchExpiresLateArrival(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{ret: 1}
	_, st, b := newTestDispatcher(t, reg, local)
	registerConn(t, reg, "alice", "srv-a")

	n := seed(t, st, "alice", -time.Minute) // already past deadline
	require.NoError(t, b.Publish(context.Background(), n))

	require.Empty(t, local.ids())
	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)
}

func TestRegistryOutageAssumesLocalOwnership(t *testing.T) {
	local := &fakeLocal{ret: 1}
	_, st, b := newTestDispatcher(t, downRegistry{}, local)

	n := seed(t, st, "alice", time.Hour)
	require.NoError(t, b.Publish(context.Background(), n))

	require.Equal(t, []string{n.ID}, local.ids())
}

func TestPanicLandsInDeadLetter(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{panics: true}
	_, st, b := newTestDispatcher(t, reg, local)
	registerConn(t, reg, "alice", "srv-a")

	n := seed(t, st, "alice", time.Hour)
	require.NoError(t, b.Publish(context.Background(), n))

	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusDeadLettered, got.Status)

	dls, err := st.ListDeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dls, 1)
	require.Equal(t, n.ID, dls[0].NotificationID)
}

func TestSweepOnceExpiresOverdue(t *testing.T) {
	reg := storage.NewMemRegistry(time.Minute)
	local := &fakeLocal{ret: 1}
	d, st, _ := newTestDispatcher(t, reg, local)

	overdue := seed(t, st, "alice", -time.Minute)
	fresh := seed(t, st, "alice", time.Hour)

	d.sweepOnce()

	got, err := st.GetNotification(context.Background(), overdue.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusExpired, got.Status)

	got, err = st.GetNotification(context.Background(), fresh.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusPending, got.Status)
}
