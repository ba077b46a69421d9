package delegate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troupe/internal/bot"
	"troupe/internal/event"
	"troupe/internal/session"
)

type stubClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stubClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stubClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// blockingRunner parks delegated turns until released so tests control when
// resolution happens.
type blockingRunner struct {
	bridge   *Bridge
	response string
	err      error
	started  chan bot.DelegationRequest
	release  chan struct{}
}

func newBlockingRunner(response string) *blockingRunner {
	return &blockingRunner{
		response: response,
		started:  make(chan bot.DelegationRequest, 8),
		release:  make(chan struct{}),
	}
}

func (r *blockingRunner) DelegateToBot(_ context.Context, req bot.DelegationRequest) error {
	r.started <- req
	<-r.release
	if r.err != nil {
		return r.err
	}
	r.bridge.Callback(req.RequestID, r.response, "")
	return nil
}

func newTestBridge(t *testing.T, runner *blockingRunner, clock *stubClock) *Bridge {
	t.Helper()
	bridge, err := NewBridge(BridgeOptions{
		Runner:         runner,
		PrivilegedBots: []string{"finn"},
		Clock:          clock,
	})
	require.NoError(t, err)
	runner.bridge = bridge
	return bridge
}

func waitStarted(t *testing.T, runner *blockingRunner) bot.DelegationRequest {
	t.Helper()
	select {
	case req := <-runner.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("delegated turn never started")
		return bot.DelegationRequest{}
	}
}

func waitResolved(t *testing.T, bridge *Bridge, id string) PollResult {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		result, err := bridge.Poll(id)
		require.NoError(t, err)
		if result.Status == StatusResolved {
			return result
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delegation never resolved")
	return PollResult{}
}

func TestTriggerRejectsUnprivilegedCaller(t *testing.T) {
	runner := newBlockingRunner("answer")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	_, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "intruder",
		TargetBot: "scribe",
		UserID:    "42",
		Task:      "do it",
	})
	var authErr *AuthorizationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "intruder", authErr.Caller)
}

func TestTriggerPollResolveConsume(t *testing.T) {
	runner := newBlockingRunner("the answer")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot:       "finn",
		TargetBot:       "scribe",
		UserID:          "42",
		Task:            "summarize",
		WaitForResponse: true,
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	result, err := bridge.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, result.Status)
	assert.Equal(t, 1, bridge.PendingCount())

	req := waitStarted(t, runner)
	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, "scribe", req.TargetBot)
	close(runner.release)

	result = waitResolved(t, bridge, id)
	assert.Equal(t, "the answer", result.Response)

	// Consumed: the second poll must not see it again.
	_, err = bridge.Poll(id)
	require.ErrorIs(t, err, ErrUnknownRequest)
	assert.Equal(t, 0, bridge.PendingCount())
}

func TestCallbackLastWriteWins(t *testing.T) {
	runner := newBlockingRunner("first")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t", WaitForResponse: true,
	})
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)

	// Wait for the runner's own callback to land before overwriting it.
	deadline := time.Now().Add(2 * time.Second)
	for bridge.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, bridge.PendingCount())

	require.True(t, bridge.Callback(id, "second", "revised"))

	result, err := bridge.Poll(id)
	require.NoError(t, err)
	assert.Equal(t, "second", result.Response, "a repeat callback overwrites the outcome")
	assert.Equal(t, "revised", result.Reasoning)
}

func TestTriggerOneWayLeavesNothingToPoll(t *testing.T) {
	runner := newBlockingRunner("answer")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t",
	})
	require.NoError(t, err)
	assert.Empty(t, id, "one-way triggers hand out no request id")
	assert.Equal(t, 0, bridge.PendingCount())

	// The delegated turn still runs even though nobody will poll for it.
	req := waitStarted(t, runner)
	assert.Equal(t, "scribe", req.TargetBot)
	close(runner.release)
}

func TestCallbackUnknownRequest(t *testing.T) {
	runner := newBlockingRunner("x")
	bridge := newTestBridge(t, runner, &stubClock{now: time.Now().UTC()})
	assert.False(t, bridge.Callback("never-issued", "resp", ""))
}

func TestRunnerErrorResolvesWithFailure(t *testing.T) {
	runner := newBlockingRunner("")
	runner.err = errors.New("target worker crashed")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t", WaitForResponse: true,
	})
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)

	result := waitResolved(t, bridge, id)
	assert.Contains(t, result.Reasoning, "delegation failed")
}

func TestSweepExpiresResolvedAfterTTL(t *testing.T) {
	runner := newBlockingRunner("answer")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t", WaitForResponse: true,
	})
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)

	deadline := time.Now().Add(2 * time.Second)
	for bridge.PendingCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 0, bridge.PendingCount())

	clock.Advance(14 * time.Minute)
	assert.Equal(t, 0, bridge.Sweep(), "inside the TTL nothing expires")

	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, bridge.Sweep())

	_, err = bridge.Poll(id)
	require.ErrorIs(t, err, ErrUnknownRequest)
}

func TestSweepExpiresStuckPending(t *testing.T) {
	runner := newBlockingRunner("never")
	clock := &stubClock{now: time.Now().UTC()}
	bridge := newTestBridge(t, runner, clock)

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t", WaitForResponse: true,
	})
	require.NoError(t, err)
	waitStarted(t, runner)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, bridge.Sweep())
	_, err = bridge.Poll(id)
	require.ErrorIs(t, err, ErrUnknownRequest)
	close(runner.release)
}

func TestTriggerRejectsUnknownTarget(t *testing.T) {
	runner := newBlockingRunner("x")
	bridge, err := NewBridge(BridgeOptions{
		Runner:         runner,
		PrivilegedBots: []string{"finn"},
		KnownBot:       func(id string) bool { return id == "scribe" },
	})
	require.NoError(t, err)
	runner.bridge = bridge

	_, err = bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "ghost", UserID: "42", Task: "t",
	})
	require.ErrorIs(t, err, bot.ErrBotNotFound)
}

func TestRequestIDsUniqueAndOrdered(t *testing.T) {
	now := time.Now().UTC()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := newRequestID(now)
		require.False(t, seen[id], "ids must stay unique inside one millisecond")
		seen[id] = true
	}
}

func TestLifecycleEventsPublished(t *testing.T) {
	runner := newBlockingRunner("answer")
	clock := &stubClock{now: time.Now().UTC()}
	bus := event.NewBus[event.DelegationEvent](context.Background(), event.BusOptions{Name: "delegation_events"})
	bridge, err := NewBridge(BridgeOptions{
		Runner:         runner,
		PrivilegedBots: []string{"finn"},
		Clock:          clock,
		Events:         bus,
	})
	require.NoError(t, err)
	runner.bridge = bridge

	events, cancel := bus.Subscribe()
	defer cancel()

	id, err := bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t", WaitForResponse: true,
	})
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)
	waitResolved(t, bridge, id)

	want := []string{event.DelegationCreated, event.DelegationResolved, event.DelegationConsumed}
	for _, expected := range want {
		select {
		case evt := <-events:
			assert.Equal(t, expected, evt.EventType)
			assert.Equal(t, id, evt.RequestID)
			assert.Equal(t, "scribe", evt.TargetBot)
		case <-time.After(2 * time.Second):
			t.Fatalf("never saw %s event", expected)
		}
	}
}

var _ MessageReader = (messageReaderFunc)(nil)

type messageReaderFunc func(botID, userID, uuid string, limit int) ([]session.Message, error)

func (f messageReaderFunc) ReadSessionMessages(botID, userID, uuid string, limit int) ([]session.Message, error) {
	return f(botID, userID, uuid, limit)
}

func TestTriggerAttachesSourceContext(t *testing.T) {
	runner := newBlockingRunner("answer")
	clock := &stubClock{now: time.Now().UTC()}
	bridge, err := NewBridge(BridgeOptions{
		Runner:         runner,
		PrivilegedBots: []string{"finn"},
		Clock:          clock,
		Messages: messageReaderFunc(func(botID, userID, uuid string, limit int) ([]session.Message, error) {
			assert.Equal(t, "finn", botID)
			assert.Equal(t, "42", userID)
			return []session.Message{{Role: session.RoleUser, Text: "earlier question"}}, nil
		}),
	})
	require.NoError(t, err)
	runner.bridge = bridge

	_, err = bridge.Trigger(context.Background(), TriggerRequest{
		SourceBot: "finn", TargetBot: "scribe", UserID: "42", Task: "t",
	})
	require.NoError(t, err)

	req := waitStarted(t, runner)
	require.Len(t, req.Messages, 1)
	assert.Equal(t, "earlier question", req.Messages[0].Text)
	close(runner.release)
}
