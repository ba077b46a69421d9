package bot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"troupe/internal/session"
)

type fakeInvoker struct {
	mu       sync.Mutex
	requests []InvokeRequest
	uuid     string
	text     string
	err      error
}

func (f *fakeInvoker) Invoke(_ context.Context, req InvokeRequest) (InvokeResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	if f.err != nil {
		return InvokeResult{}, f.err
	}
	return InvokeResult{SessionUUID: f.uuid, Text: f.text}, nil
}

func (f *fakeInvoker) lastRequest(t *testing.T) InvokeRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.requests)
	return f.requests[len(f.requests)-1]
}

type fakeSink struct {
	mu        sync.Mutex
	requestID string
	response  string
	reasoning string
	calls     int
}

func (f *fakeSink) Callback(requestID, response, reasoning string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requestID = requestID
	f.response = response
	f.reasoning = reasoning
	f.calls++
	return true
}

func newTestManager(t *testing.T, invoker Invoker) (*Manager, *session.Manager) {
	t.Helper()
	sessions, err := session.NewManager(session.ManagerOptions{StateDir: t.TempDir()})
	require.NoError(t, err)
	transcripts, err := session.NewTranscriptStore(t.TempDir())
	require.NoError(t, err)
	registry, err := NewRegistry([]Bot{
		{ID: "finn", BrainRef: "muse", WebOnly: true},
		{ID: "scribe", BrainRef: "scribe", WebOnly: true},
	})
	require.NoError(t, err)

	manager, err := NewManager(ManagerOptions{
		Registry:    registry,
		Sessions:    sessions,
		Transcripts: transcripts,
		Invoker:     invoker,
	})
	require.NoError(t, err)
	return manager, sessions
}

func TestHandleMessageFirstTurn(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-1", text: "hello there"}
	manager, sessions := newTestManager(t, invoker)

	reply, err := manager.HandleMessage(context.Background(), "finn", "42", "hi", "")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", reply.SessionUUID)
	assert.True(t, reply.NewSession)
	assert.Equal(t, "hello there", reply.Text)

	req := invoker.lastRequest(t)
	assert.Empty(t, req.SessionUUID, "first turn must not resume")
	assert.Contains(t, req.Prompt, "[[USER_MESSAGE]]hi[[/USER_MESSAGE]]")

	uuid, ok, err := sessions.CurrentUUID("finn", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-1", uuid)

	record, ok, err := sessions.Load("finn", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, record.MessageCount)
}

func TestHandleMessageResumesExistingSession(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-1", text: "reply"}
	manager, _ := newTestManager(t, invoker)

	_, err := manager.HandleMessage(context.Background(), "finn", "42", "first", "")
	require.NoError(t, err)

	reply, err := manager.HandleMessage(context.Background(), "finn", "42", "second", "")
	require.NoError(t, err)
	assert.False(t, reply.NewSession)

	req := invoker.lastRequest(t)
	assert.Equal(t, "sess-1", req.SessionUUID)
	assert.NotContains(t, req.Prompt, "You are", "preamble belongs to the first turn only")
}

func TestHandleMessageRotationArchivesPrior(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-1", text: "reply"}
	manager, sessions := newTestManager(t, invoker)

	_, err := manager.HandleMessage(context.Background(), "finn", "42", "first", "")
	require.NoError(t, err)

	invoker.uuid = "sess-2"
	reply, err := manager.HandleMessage(context.Background(), "finn", "42", "second", "")
	require.NoError(t, err)
	assert.True(t, reply.NewSession)

	record, ok, err := sessions.Load("finn", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "sess-2", record.CurrentUUID)
	require.Len(t, record.History, 1)
	assert.Equal(t, "sess-1", record.History[0].UUID)
	assert.Equal(t, session.ReasonRotation, record.History[0].Reason)
}

func TestHandleMessageFailureLeavesStateUntouched(t *testing.T) {
	invoker := &fakeInvoker{err: &InvocationFailure{BotID: "finn", TimedOut: true}}
	manager, sessions := newTestManager(t, invoker)

	_, err := manager.HandleMessage(context.Background(), "finn", "42", "hi", "")
	require.Error(t, err)
	var failure *InvocationFailure
	require.ErrorAs(t, err, &failure)
	assert.True(t, failure.TimedOut)

	_, ok, err := sessions.Load("finn", "42")
	require.NoError(t, err)
	assert.False(t, ok, "failed invocation must not create a record")
}

func TestHandleMessageUnknownBot(t *testing.T) {
	manager, _ := newTestManager(t, &fakeInvoker{uuid: "s", text: "t"})

	_, err := manager.HandleMessage(context.Background(), "nope", "42", "hi", "")
	require.ErrorIs(t, err, ErrBotNotFound)
}

func TestDelegateToBotResolvesSink(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-d", text: "delegated answer"}
	manager, _ := newTestManager(t, invoker)
	sink := &fakeSink{}
	manager.SetDelegationSink(sink)

	err := manager.DelegateToBot(context.Background(), DelegationRequest{
		RequestID: "req-1",
		SourceBot: "finn",
		TargetBot: "scribe",
		UserID:    "42",
		Task:      "summarize the plan",
		Messages: []session.Message{
			{Role: session.RoleUser, Text: "context line"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "req-1", sink.requestID)
	assert.Equal(t, "delegated answer", sink.response)

	req := invoker.lastRequest(t)
	assert.Equal(t, "scribe", req.Bot.ID)
	assert.Contains(t, req.Prompt, "summarize the plan")
	assert.Contains(t, req.Prompt, "context line")
}

func TestDelegateToBotFailureReportsToSink(t *testing.T) {
	invoker := &fakeInvoker{err: errors.New("worker exploded")}
	manager, _ := newTestManager(t, invoker)
	sink := &fakeSink{}
	manager.SetDelegationSink(sink)

	err := manager.DelegateToBot(context.Background(), DelegationRequest{
		RequestID: "req-2",
		SourceBot: "finn",
		TargetBot: "scribe",
		UserID:    "42",
		Task:      "do a thing",
	})
	require.Error(t, err)
	assert.Equal(t, "req-2", sink.requestID)
	assert.Empty(t, sink.response)
	assert.Contains(t, sink.reasoning, "delegation failed")
}

func TestReadSessionMessagesStripsDelimiters(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-1", text: "the reply"}
	manager, _ := newTestManager(t, invoker)

	_, err := manager.HandleMessage(context.Background(), "finn", "42", "raw user text", "")
	require.NoError(t, err)

	messages, err := manager.ReadSessionMessages("finn", "42", "", 0)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, session.RoleUser, messages[0].Role)
	assert.Equal(t, "raw user text", messages[0].Text)
	assert.False(t, strings.Contains(messages[0].Text, "[["))
	assert.Equal(t, "the reply", messages[1].Text)
}

func TestConcurrentTurnsSamePairSerialize(t *testing.T) {
	invoker := &fakeInvoker{uuid: "sess-1", text: "reply"}
	manager, sessions := newTestManager(t, invoker)

	const turns = 10
	var wg sync.WaitGroup
	for i := 0; i < turns; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := manager.HandleMessage(context.Background(), "finn", "42", "hi", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	record, ok, err := sessions.Load("finn", "42")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2*turns, record.MessageCount)
}
