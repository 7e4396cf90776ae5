package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/manifoldhq/manifold-core/config"
	"github.com/manifoldhq/manifold-core/transport"
	"github.com/manifoldhq/manifold-core/wire"
)

var errPeerClosed = errors.New("peer closed")

// fakePeer is a scripted agent process: it answers session/new and
// session/prompt calls with well-formed responses and lets tests stream
// update frames for any session.
type fakePeer struct {
	mu          sync.Mutex
	lines       chan string
	running     bool
	closed      bool
	startErr    error
	interrupts  int
	cancelled   []string
	nextSession int
}

func newFakePeer() *fakePeer {
	return &fakePeer{lines: make(chan string, 64)}
}

func (p *fakePeer) Start() error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.running = true
	p.mu.Unlock()
	return nil
}

func (p *fakePeer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.running = false
	close(p.lines)
}

func (p *fakePeer) Interrupt() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interrupts++
	return nil
}

func (p *fakePeer) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *fakePeer) ReadLine() (string, error) {
	line, ok := <-p.lines
	if !ok {
		return "", errPeerClosed
	}
	return line, nil
}

// WriteLine receives frames from the router and plays the agent's part.
func (p *fakePeer) WriteLine(data []byte) error {
	var frame struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(data, &frame); err != nil {
		return err
	}

	switch frame.Method {
	case wire.MethodSessionNew:
		p.mu.Lock()
		p.nextSession++
		sessionID := fmt.Sprintf("sess-%d", p.nextSession)
		p.mu.Unlock()
		p.respond(fmt.Sprintf(`{"id":%d,"result":{"sessionId":%q}}`, *frame.ID, sessionID))
	case wire.MethodSessionPrompt:
		p.respond(fmt.Sprintf(`{"id":%d,"result":{"stopReason":"end_turn"}}`, *frame.ID))
	case wire.MethodSessionCancel:
		var params wire.CancelParams
		_ = json.Unmarshal(frame.Params, &params)
		p.mu.Lock()
		p.cancelled = append(p.cancelled, params.SessionID)
		p.mu.Unlock()
	}
	return nil
}

func (p *fakePeer) respond(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.lines <- line
}

func (p *fakePeer) streamChunk(sessionID, text string) {
	p.respond(fmt.Sprintf(
		`{"method":"session/update","params":{"sessionId":%q,"update":{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":%q}}}}`,
		sessionID, text))
}

// finalized records OnFinalized callbacks keyed by conversation id.
type finalized struct {
	mu      sync.Mutex
	results map[string][]string
}

func newFinalized() *finalized {
	return &finalized{results: make(map[string][]string)}
}

func (f *finalized) record(conversationID, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[conversationID] = append(f.results[conversationID], text)
}

func (f *finalized) get(conversationID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.results[conversationID]))
	copy(out, f.results[conversationID])
	return out
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("failed to build test config: %v", err)
	}
	cfg.Sessions.DebounceWindow = &config.Duration{Duration: 40 * time.Millisecond}
	cfg.Sessions.IdleTimeout = &config.Duration{Duration: 0} // sweeps run manually in tests
	return cfg
}

func startedManager(t *testing.T, peer *fakePeer, sink *finalized) *SessionManager {
	t.Helper()
	opts := []Option{
		WithTransportFactory(func(transport.Config) AgentTransport { return peer }),
	}
	if sink != nil {
		opts = append(opts, WithOnFinalized(sink.record))
	}
	m := New(testConfig(t), opts...)
	if err := m.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(m.Shutdown)
	return m
}

func TestStartFailsWhenSpawnFails(t *testing.T) {
	peer := newFakePeer()
	peer.startErr = errors.New("no such binary")
	m := New(testConfig(t), WithTransportFactory(func(transport.Config) AgentTransport { return peer }))
	if err := m.Start(); err == nil {
		t.Fatal("Start() error = nil, want spawn failure")
	}
	if m.Healthy() {
		t.Error("Healthy() = true after failed Start")
	}
}

func TestCreateSessionAndHealth(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	conversationID, err := m.CreateSession(context.Background(), "/work")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if conversationID == "" {
		t.Fatal("CreateSession() returned empty conversation id")
	}
	if !m.Healthy() {
		t.Error("Healthy() = false with a running peer")
	}
	if ids := m.Sessions(); len(ids) != 1 || ids[0] != conversationID {
		t.Errorf("Sessions() = %v, want [%s]", ids, conversationID)
	}
}

func TestPromptStreamsToFinalizedCallback(t *testing.T) {
	peer := newFakePeer()
	sink := newFinalized()
	m := startedManager(t, peer, sink)

	conversationID, err := m.CreateSession(context.Background(), "/work")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	if err := m.SendPrompt(context.Background(), conversationID, "what is 6x7?"); err != nil {
		t.Fatalf("SendPrompt() error: %v", err)
	}

	// The peer keeps streaming after the prompt call has returned.
	peer.streamChunk("sess-1", "It is ")
	peer.streamChunk("sess-1", "42.")

	waitFor(t, func() bool { return len(sink.get(conversationID)) == 1 })
	if got := sink.get(conversationID)[0]; got != "It is 42." {
		t.Errorf("finalized text = %q, want full concatenation", got)
	}
}

func TestTwoSessionsDoNotCrossDeliver(t *testing.T) {
	peer := newFakePeer()
	sink := newFinalized()
	m := startedManager(t, peer, sink)

	convA, err := m.CreateSession(context.Background(), "/work/a")
	if err != nil {
		t.Fatalf("CreateSession(a) error: %v", err)
	}
	convB, err := m.CreateSession(context.Background(), "/work/b")
	if err != nil {
		t.Fatalf("CreateSession(b) error: %v", err)
	}

	peer.streamChunk("sess-1", "alpha")
	peer.streamChunk("sess-2", "beta")

	waitFor(t, func() bool {
		return len(sink.get(convA)) == 1 && len(sink.get(convB)) == 1
	})
	if got := sink.get(convA)[0]; got != "alpha" {
		t.Errorf("conversation A finalized %q, want alpha", got)
	}
	if got := sink.get(convB)[0]; got != "beta" {
		t.Errorf("conversation B finalized %q, want beta", got)
	}
}

func TestCancelPromptReachesPeer(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	conversationID, err := m.CreateSession(context.Background(), "/work")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	if err := m.CancelPrompt(conversationID); err != nil {
		t.Fatalf("CancelPrompt() error: %v", err)
	}

	waitFor(t, func() bool {
		peer.mu.Lock()
		defer peer.mu.Unlock()
		return len(peer.cancelled) == 1 && peer.cancelled[0] == "sess-1"
	})
}

func TestUnknownConversationErrors(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	if err := m.SendPrompt(context.Background(), "nope", "hi"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("SendPrompt(unknown) error = %v, want ErrUnknownSession", err)
	}
	if err := m.CancelPrompt("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CancelPrompt(unknown) error = %v, want ErrUnknownSession", err)
	}
	if err := m.CloseSession("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Errorf("CloseSession(unknown) error = %v, want ErrUnknownSession", err)
	}
}

func TestCloseSessionRemovesIt(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	conversationID, err := m.CreateSession(context.Background(), "/work")
	if err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if err := m.CloseSession(conversationID); err != nil {
		t.Fatalf("CloseSession() error: %v", err)
	}
	if ids := m.Sessions(); len(ids) != 0 {
		t.Errorf("Sessions() = %v after close, want empty", ids)
	}
}

func TestInterruptForwardsToTransport(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	if err := m.Interrupt(); err != nil {
		t.Fatalf("Interrupt() error: %v", err)
	}
	peer.mu.Lock()
	defer peer.mu.Unlock()
	if peer.interrupts != 1 {
		t.Errorf("interrupts = %d, want 1", peer.interrupts)
	}
}

func TestReapIdleClosesStaleSessions(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	if _, err := m.CreateSession(context.Background(), "/work"); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	time.Sleep(20 * time.Millisecond)
	if reaped := m.reapIdle(10 * time.Millisecond); reaped != 1 {
		t.Errorf("reapIdle() = %d, want 1", reaped)
	}
	if ids := m.Sessions(); len(ids) != 0 {
		t.Errorf("Sessions() = %v after reap, want empty", ids)
	}

	// A fresh session survives a sweep with a generous timeout.
	if _, err := m.CreateSession(context.Background(), "/work"); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	if reaped := m.reapIdle(time.Hour); reaped != 0 {
		t.Errorf("reapIdle(1h) = %d, want 0", reaped)
	}
}

func TestShutdownStopsEverything(t *testing.T) {
	peer := newFakePeer()
	m := startedManager(t, peer, nil)

	if _, err := m.CreateSession(context.Background(), "/work"); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}

	m.Shutdown()
	m.Shutdown() // idempotent

	if m.Healthy() {
		t.Error("Healthy() = true after Shutdown")
	}
	if _, err := m.CreateSession(context.Background(), "/work"); !errors.Is(err, ErrNotStarted) {
		t.Errorf("CreateSession() after Shutdown error = %v, want ErrNotStarted", err)
	}
	if peer.IsRunning() {
		t.Error("peer still running after Shutdown")
	}
}

func TestCreateSessionRacingShutdownLeavesNoStrandedEntry(t *testing.T) {
	// Shutdown snapshots the agents map; a creation that finishes after
	// the snapshot must not insert an entry nothing will ever clean up.
	for i := 0; i < 10; i++ {
		peer := newFakePeer()
		m := startedManager(t, peer, nil)

		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = m.CreateSession(context.Background(), "/work")
		}()
		m.Shutdown()
		<-done

		if ids := m.Sessions(); len(ids) != 0 {
			t.Fatalf("Sessions() = %v after Shutdown, want empty", ids)
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
