package session

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapWorkspaceDeterministic(t *testing.T) {
	cases := map[string]string{
		"/home/finn/project": "-home-finn-project",
		"/home/finn/project/": "-home-finn-project",
		"":  "-",
		"/": "-",
	}
	for input, want := range cases {
		assert.Equal(t, want, MapWorkspace(input), "input %q", input)
	}
}

func TestAppendAndReadMessages(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append("/proj", "u1", Message{Role: RoleUser, Text: "hello"}))
	require.NoError(t, store.Append("/proj", "u1", Message{Role: RoleAssistant, Text: "hi there"}))

	messages, err := store.ReadMessages("u1", 0, "/proj")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, RoleUser, messages[0].Role)
	assert.Equal(t, "hello", messages[0].Text)
	assert.Equal(t, RoleAssistant, messages[1].Role)
}

func TestReadMessagesFallbackDiscovery(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append("/somewhere/else", "u7", Message{Role: RoleUser, Text: "found me"}))

	// No workspace hint: discovery scans every known workspace dir.
	messages, err := store.ReadMessages("u7", 0, "")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "found me", messages[0].Text)
}

func TestReadMessagesAbsentLogReturnsEmpty(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	messages, err := store.ReadMessages("missing", 10, "")
	require.NoError(t, err)
	assert.NotNil(t, messages)
	assert.Empty(t, messages)
}

func TestReadMessagesLimitKeepsTail(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, store.Append("/proj", "u1", Message{Role: RoleUser, Text: text}))
	}

	messages, err := store.ReadMessages("u1", 2, "/proj")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "three", messages[0].Text)
	assert.Equal(t, "four", messages[1].Text)
}

func TestReadMessagesSkipsTornLine(t *testing.T) {
	root := t.TempDir()
	store, err := NewTranscriptStore(root)
	require.NoError(t, err)

	require.NoError(t, store.Append("/proj", "u1", Message{Role: RoleUser, Text: "intact"}))

	// Simulate a crash mid-append.
	path := filepath.Join(root, MapWorkspace("/proj"), "u1.jsonl")
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = file.WriteString(`{"role":"assistant","text":"tor`)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	messages, err := store.ReadMessages("u1", 0, "/proj")
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "intact", messages[0].Text)
}

func TestSentinelRoundTrip(t *testing.T) {
	wrapped := WrapUserText("deploy the thing")
	assert.Equal(t, "deploy the thing", StripSentinels(wrapped))

	combined := "You are finn, a helpful bot.\n" + WrapUserText("what is up")
	assert.Equal(t, "what is up", StripSentinels(combined))

	assert.Equal(t, "plain text", StripSentinels("plain text"))
}

// Worker output may quote a stray close marker ahead of the real wrapped
// text; the marker before the open must not swallow the close handling.
func TestStripSentinelsStrayCloseMarker(t *testing.T) {
	text := userTextClose + " noise " + WrapUserText("real question")
	assert.Equal(t, "real question", StripSentinels(text))

	unterminated := userTextClose + " noise " + userTextOpen + "tail"
	assert.Equal(t, " noise tail", StripSentinels(unterminated))

	assert.Equal(t, "", StripSentinels(userTextOpen))
}

func TestHasLogAndRemoveLog(t *testing.T) {
	store, err := NewTranscriptStore(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Append("/proj", "u1", Message{Role: RoleUser, Text: "x"}))
	assert.True(t, store.HasLog("u1", "/proj"))
	assert.True(t, store.HasLog("u1", ""))
	assert.False(t, store.HasLog("u2", ""))

	require.NoError(t, store.RemoveLog("u1", ""))
	assert.False(t, store.HasLog("u1", ""))
	require.NoError(t, store.RemoveLog("u1", ""), "removing a missing log is not an error")
}
