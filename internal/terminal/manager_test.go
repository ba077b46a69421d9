package terminal

import (
	"io"
	"os/exec"
	"sync"
	"testing"
	"time"

	"troupe/internal/event"
)

type fakePty struct {
	reader *io.PipeReader
	writer *io.PipeWriter
}

func newFakePty() *fakePty {
	reader, writer := io.Pipe()
	return &fakePty{reader: reader, writer: writer}
}

func (p *fakePty) Read(data []byte) (int, error) {
	return p.reader.Read(data)
}

func (p *fakePty) Write(data []byte) (int, error) {
	return p.writer.Write(data)
}

func (p *fakePty) Close() error {
	_ = p.reader.Close()
	return p.writer.Close()
}

func (p *fakePty) Resize(cols, rows uint16) error {
	return nil
}

type fakeFactory struct {
	mu    sync.Mutex
	ptys  []*fakePty
	dirs  []string
	delay time.Duration
}

func (f *fakeFactory) Start(opts StartOptions) (Pty, *exec.Cmd, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	pty := newFakePty()

	f.mu.Lock()
	f.ptys = append(f.ptys, pty)
	f.dirs = append(f.dirs, opts.Dir)
	f.mu.Unlock()

	return pty, nil, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ptys)
}

func newTestManager() (*Manager, *fakeFactory) {
	factory := &fakeFactory{}
	manager := NewManager(ManagerOptions{
		Shell:      "/bin/sh",
		PtyFactory: factory,
	})
	return manager, factory
}

func waitForEvent(t *testing.T, ch <-chan event.TerminalEvent, eventType string) event.TerminalEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				t.Fatalf("bus closed while waiting for %s", eventType)
			}
			if evt.EventType == eventType {
				return evt
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
		}
	}
}

func TestCreateAndList(t *testing.T) {
	manager, _ := newTestManager()
	defer manager.KillAll()

	first, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"})
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "term-2", ClientID: "conn-a"}); err != nil {
		t.Fatalf("create second: %v", err)
	}

	if _, ok := manager.Get(first.ID); !ok {
		t.Fatal("expected to get first terminal")
	}
	if got := len(manager.List()); got != 2 {
		t.Fatalf("expected 2 terminals, got %d", got)
	}
}

func TestCreateValidation(t *testing.T) {
	manager, _ := newTestManager()
	defer manager.KillAll()

	if _, err := manager.Create(CreateOptions{TerminalID: "", ClientID: "conn-a"}); err == nil {
		t.Fatal("expected error for empty id")
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "has/slash", ClientID: "conn-a"}); err == nil {
		t.Fatal("expected error for slash in id")
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: ""}); err == nil {
		t.Fatal("expected error for missing client id")
	}
}

func TestCreateSameIDKillsPrior(t *testing.T) {
	manager, factory := newTestManager()
	defer manager.KillAll()

	first, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-b"})
	if err != nil {
		t.Fatalf("recreate: %v", err)
	}
	if first == second {
		t.Fatal("recreate must produce a fresh terminal")
	}
	if factory.count() != 2 {
		t.Fatalf("expected 2 ptys, got %d", factory.count())
	}
	if first.State() != stateClosed {
		t.Fatalf("prior terminal should be closed, state=%s", first.State())
	}
	current, ok := manager.Get("term-1")
	if !ok || current != second {
		t.Fatal("registry must point at the fresh terminal")
	}
	if manager.Count() != 1 {
		t.Fatalf("expected 1 live terminal, got %d", manager.Count())
	}
}

// Racing creates for one id must serialize: each loser kills the winner's
// process before replacing it, so exactly one terminal stays live and no
// pty is left running outside the registry.
func TestConcurrentCreateSameIDLeavesOneLive(t *testing.T) {
	factory := &fakeFactory{delay: 5 * time.Millisecond}
	manager := NewManager(ManagerOptions{
		Shell:      "/bin/sh",
		PtyFactory: factory,
	})
	defer manager.KillAll()

	const racers = 8
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, err := manager.Create(CreateOptions{
				TerminalID: "term-1",
				ClientID:   "conn-a",
			})
			if err != nil {
				t.Errorf("create %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()

	if manager.Count() != 1 {
		t.Fatalf("expected 1 live terminal, got %d", manager.Count())
	}
	if factory.count() != racers {
		t.Fatalf("expected %d ptys spawned, got %d", racers, factory.count())
	}
	if err := manager.Kill("term-1"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	factory.mu.Lock()
	defer factory.mu.Unlock()
	for i, pty := range factory.ptys {
		if _, err := pty.writer.Write([]byte("x")); err == nil {
			t.Fatalf("pty %d still accepts output after every terminal was killed", i)
		}
	}
}

func TestCreateThreadsCwdToFactory(t *testing.T) {
	manager, factory := newTestManager()
	defer manager.KillAll()

	if _, err := manager.Create(CreateOptions{
		TerminalID: "term-1",
		ClientID:   "conn-a",
		Cwd:        "  /srv/workspaces/demo  ",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got := factory.dirs[0]; got != "/srv/workspaces/demo" {
		t.Fatalf("unexpected working directory: %q", got)
	}

	term, ok := manager.Get("term-1")
	if !ok {
		t.Fatal("expected terminal in registry")
	}
	if term.Info().Cwd != "/srv/workspaces/demo" {
		t.Fatalf("info must report the working directory, got %q", term.Info().Cwd)
	}
}

// The fake pty echoes writes back as output, so a round trip proves both the
// write path and the broadcast path.
func TestWriteRoundTrip(t *testing.T) {
	manager, _ := newTestManager()
	defer manager.KillAll()

	term, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	output, cancel := term.Subscribe()
	defer cancel()

	if err := manager.Write("term-1", []byte("ls\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case chunk := <-output:
		if string(chunk) != "ls\n" {
			t.Fatalf("unexpected echo: %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("input never made it through the pty")
	}
}

func TestSubscribeReceivesOutput(t *testing.T) {
	manager, factory := newTestManager()
	defer manager.KillAll()

	term, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	output, cancel := term.Subscribe()
	defer cancel()

	if _, err := factory.ptys[0].writer.Write([]byte("hello\n")); err != nil {
		t.Fatalf("emit output: %v", err)
	}
	select {
	case chunk := <-output:
		if string(chunk) != "hello\n" {
			t.Fatalf("unexpected chunk: %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no output delivered")
	}
}

func TestKillOwnedBy(t *testing.T) {
	manager, _ := newTestManager()

	for _, id := range []string{"a-1", "a-2", "a-3"} {
		if _, err := manager.Create(CreateOptions{TerminalID: id, ClientID: "conn-a"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "b-1", ClientID: "conn-b"}); err != nil {
		t.Fatalf("create b-1: %v", err)
	}

	if killed := manager.KillOwnedBy("conn-a"); killed != 3 {
		t.Fatalf("expected 3 kills, got %d", killed)
	}
	if manager.Count() != 1 {
		t.Fatalf("expected 1 survivor, got %d", manager.Count())
	}
	if _, ok := manager.Get("b-1"); !ok {
		t.Fatal("other client's terminal must survive")
	}
	manager.KillAll()
	if manager.Count() != 0 {
		t.Fatalf("expected 0 after KillAll, got %d", manager.Count())
	}
}

func TestLifecycleEvents(t *testing.T) {
	manager, _ := newTestManager()
	events, cancel := manager.Bus().Subscribe()
	defer cancel()

	if _, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	created := waitForEvent(t, events, event.TerminalCreated)
	if created.TerminalID != "term-1" {
		t.Fatalf("unexpected terminal id: %s", created.TerminalID)
	}

	if err := manager.Kill("term-1"); err != nil {
		t.Fatalf("kill: %v", err)
	}
	killed := waitForEvent(t, events, event.TerminalKilled)
	if killed.TerminalID != "term-1" {
		t.Fatalf("unexpected terminal id: %s", killed.TerminalID)
	}
	if _, ok := manager.Get("term-1"); ok {
		t.Fatal("killed terminal must leave the registry")
	}
}

func TestPtyEOFEmitsExited(t *testing.T) {
	manager, factory := newTestManager()
	events, cancel := manager.Bus().Subscribe()
	defer cancel()

	if _, err := manager.Create(CreateOptions{TerminalID: "term-1", ClientID: "conn-a"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForEvent(t, events, event.TerminalCreated)

	_ = factory.ptys[0].Close()
	exited := waitForEvent(t, events, event.TerminalExited)
	if exited.TerminalID != "term-1" {
		t.Fatalf("unexpected terminal id: %s", exited.TerminalID)
	}
}

func TestPerClientLimit(t *testing.T) {
	factory := &fakeFactory{}
	manager := NewManager(ManagerOptions{
		Shell:      "/bin/sh",
		PtyFactory: factory,
		MaxPerUser: 2,
	})
	defer manager.KillAll()

	for _, id := range []string{"t-1", "t-2"} {
		if _, err := manager.Create(CreateOptions{TerminalID: id, ClientID: "conn-a"}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "t-3", ClientID: "conn-a"}); err == nil {
		t.Fatal("expected the per-client limit to reject the third terminal")
	}
	if _, err := manager.Create(CreateOptions{TerminalID: "t-3", ClientID: "conn-b"}); err != nil {
		t.Fatalf("another client must not be limited: %v", err)
	}
}
