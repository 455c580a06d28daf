package session

import (
	"context"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startJetStream runs an embedded NATS server for the duration of the test.
func startJetStream(t *testing.T) jetstream.JetStream {
	t.Helper()
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
		NoLog:     true,
		NoSigs:    true,
	})
	require.NoError(t, err)
	go ns.Start()
	require.True(t, ns.ReadyForConnections(5*time.Second), "embedded NATS did not start")
	t.Cleanup(ns.Shutdown)

	conn, err := nats.Connect(ns.ClientURL())
	require.NoError(t, err)
	t.Cleanup(conn.Close)

	js, err := jetstream.New(conn)
	require.NoError(t, err)
	return js
}

func newKVStore(t *testing.T, js jetstream.JetStream, bucket string) *Store {
	t.Helper()
	opts := DefaultStoreOptions()
	store, err := NewStore(context.Background(), js, bucket, opts, nil)
	require.NoError(t, err)
	return store
}

func TestKVHydrateAfterRestart(t *testing.T) {
	ctx := context.Background()
	js := startJetStream(t)
	first := newKVStore(t, js, "sessions")

	sess := NewSession(KindChangeRequest)
	require.NoError(t, first.Create(ctx, sess))
	require.NoError(t, first.UpdateStatus(ctx, sess.ID, StatusProcessing, 30, "implement"))
	require.NoError(t, first.SetResult(ctx, sess.ID, "branch", "geenius/app-1234"))
	require.NoError(t, first.AppendLog(ctx, sess.ID, LogEntry{Level: LogInfo, Message: "transforming"}))

	// A second store over the same bucket stands in for a restarted process.
	second := newKVStore(t, js, "sessions")
	got, ok := second.Get(ctx, sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 30, got.Progress)
	assert.Equal(t, "geenius/app-1234", got.Results["branch"])
	require.Len(t, got.Logs, 1)
	assert.Equal(t, "transforming", got.Logs[0].Message)

	// The hydrated record accepts further updates.
	require.NoError(t, second.Complete(ctx, sess.ID, "done"))
	summary, ok := second.Summary(ctx, sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, summary.Status)
}

func TestKVListEnumeratesBucket(t *testing.T) {
	ctx := context.Background()
	js := startJetStream(t)
	first := newKVStore(t, js, "sessions")

	a := NewSession(KindChangeRequest)
	b := NewSession(KindInitialization)
	require.NoError(t, first.Create(ctx, a))
	require.NoError(t, first.Create(ctx, b))

	// A fresh process has an empty memory map; List must still see both.
	second := newKVStore(t, js, "sessions")
	sessions := second.List(ctx)
	ids := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		ids[s.ID] = true
	}
	assert.True(t, ids[a.ID], "List should include KV-persisted sessions")
	assert.True(t, ids[b.ID], "List should include KV-persisted sessions")
}

func TestKVTerminalWriteFromAnotherProcessWins(t *testing.T) {
	ctx := context.Background()
	js := startJetStream(t)
	runner := newKVStore(t, js, "sessions")

	sess := NewSession(KindChangeRequest)
	require.NoError(t, runner.Create(ctx, sess))
	require.NoError(t, runner.UpdateStatus(ctx, sess.ID, StatusProcessing, 30, "implement"))

	// Another process cancels the session behind the runner's back.
	canceller := newKVStore(t, js, "sessions")
	require.NoError(t, canceller.Fail(ctx, sess.ID, FailureCancelled, "cancelled by request"))

	// The runner's next update must observe the terminal state instead of
	// overwriting it.
	err := runner.UpdateStatus(ctx, sess.ID, StatusPublishing, 75, "publish")
	assert.ErrorIs(t, err, ErrTerminal)

	got, ok := runner.Get(ctx, sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)
	assert.Equal(t, FailureCancelled, got.FailureReason)

	// And the durable record still says cancelled.
	verifier := newKVStore(t, js, "sessions")
	stored, ok := verifier.Get(ctx, sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, stored.Status)
}

func TestKVOutageDegradesToMemory(t *testing.T) {
	js := startJetStream(t)
	store := newKVStore(t, js, "sessions")

	sess := NewSession(KindChangeRequest)
	require.NoError(t, store.Create(context.Background(), sess))

	// Take the backend away mid-session.
	js.Conn().Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, store.UpdateStatus(ctx, sess.ID, StatusProcessing, 30, "implement"))

	got, ok := store.Get(ctx, sess.ID)
	require.True(t, ok)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 30, got.Progress)
}
