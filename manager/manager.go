// Package manager owns the multiplexer as a whole: one agent child
// process, the router over its transport, and the set of live
// conversations.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manifoldhq/manifold-core/agent"
	"github.com/manifoldhq/manifold-core/cli"
	"github.com/manifoldhq/manifold-core/config"
	"github.com/manifoldhq/manifold-core/logger"
	"github.com/manifoldhq/manifold-core/router"
	"github.com/manifoldhq/manifold-core/transport"
)

// ErrUnknownSession is returned for operations on a conversation id the
// manager does not know.
var ErrUnknownSession = errors.New("manager: unknown session")

// ErrNotStarted is returned when the manager is used before Start or
// after Shutdown.
var ErrNotStarted = errors.New("manager: not started")

// AgentTransport is the slice of the process transport the manager
// drives. Satisfied by *transport.Transport; an interface so tests can
// substitute a scripted peer.
type AgentTransport interface {
	Start() error
	Close()
	Interrupt() error
	IsRunning() bool
	WriteLine(data []byte) error
	ReadLine() (string, error)
}

// TransportFactory creates the transport for the agent process. Tests
// inject a factory returning a fake.
type TransportFactory func(cfg transport.Config) AgentTransport

func defaultTransportFactory(cfg transport.Config) AgentTransport {
	return transport.New(cfg)
}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithOnFinalized registers the persistence callback. It receives the
// caller-assigned conversation id and the finalized response text.
func WithOnFinalized(fn func(conversationID, text string)) Option {
	return func(m *SessionManager) { m.onFinalized = fn }
}

// WithApprover registers an external approver for tool calls the
// permission policy defers on.
func WithApprover(fn agent.ApproverFunc) Option {
	return func(m *SessionManager) { m.approver = fn }
}

// WithTransportFactory substitutes the transport constructor (for
// testing). A substituted transport has no real binary behind it, so
// the PATH pre-flight is skipped.
func WithTransportFactory(factory TransportFactory) Option {
	return func(m *SessionManager) {
		m.transportFactory = factory
		m.checkPrereqs = false
	}
}

// SessionManager multiplexes many conversations over one agent process.
// All methods are safe for concurrent use.
type SessionManager struct {
	cfg              *config.Config
	transportFactory TransportFactory
	checkPrereqs     bool
	onFinalized      func(conversationID, text string)
	approver         agent.ApproverFunc
	log              *slog.Logger

	mu        sync.RWMutex
	started   bool
	transport AgentTransport
	router    *router.Router
	agents    map[string]*agent.ConversationAgent

	reaperStop chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

// New creates a manager from the loaded configuration. Nothing is
// spawned until Start.
func New(cfg *config.Config, opts ...Option) *SessionManager {
	m := &SessionManager{
		cfg:              cfg,
		transportFactory: defaultTransportFactory,
		checkPrereqs:     true,
		log:              logger.WithComponent("manager"),
		agents:           make(map[string]*agent.ConversationAgent),
		reaperStop:       make(chan struct{}),
		reaperDone:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start spawns the agent process and launches the router loop. Fails
// fast if the process cannot be spawned.
func (m *SessionManager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errors.New("manager: already started")
	}

	if m.checkPrereqs {
		if err := cli.ValidateRequired(cli.AgentPrerequisites(m.cfg.Agent.Command)); err != nil {
			return err
		}
	}

	trCfg := transport.Config{
		Command:       m.cfg.Agent.Command,
		Args:          m.cfg.Agent.Args,
		Env:           m.cfg.Agent.Env,
		CredentialVar: m.cfg.Agent.CredentialVar,
		Credential:    m.cfg.Agent.Credential,
	}
	if m.cfg.Debug {
		logger.SetDebug(true)
		if p, err := logger.WireLogPath(uuid.New().String()[:8]); err == nil {
			trCfg.WireLogPath = p
		} else {
			m.log.Warn("wire log path unavailable", "error", err)
		}
	}

	tr := m.transportFactory(trCfg)
	if err := tr.Start(); err != nil {
		return fmt.Errorf("failed to start agent process: %w", err)
	}

	m.transport = tr
	m.router = router.New(tr)
	m.started = true
	go m.router.Run()

	if idle := m.cfg.Sessions.IdleTimeout.Duration; idle > 0 {
		go m.reapLoop(idle)
	} else {
		close(m.reaperDone)
	}

	m.log.Info("manager started", "command", m.cfg.Agent.Command)
	return nil
}

// CreateSession opens a new conversation rooted at the given working
// context and returns its caller-facing conversation id.
func (m *SessionManager) CreateSession(ctx context.Context, workingContext string) (string, error) {
	m.mu.RLock()
	started := m.started
	rt := m.router
	m.mu.RUnlock()
	if !started {
		return "", ErrNotStarted
	}

	conversationID := uuid.New().String()
	a := agent.New(conversationID, rt, agent.Options{
		DebounceWindow: m.cfg.Sessions.DebounceWindow.Duration,
		CallTimeout:    m.cfg.Agent.CallTimeout.Duration,
		OnFinalized: func(_, text string) {
			if m.onFinalized != nil {
				m.onFinalized(conversationID, text)
			}
		},
		Approver: m.approver,
	})

	if err := a.Start(ctx, workingContext); err != nil {
		return "", err
	}

	m.mu.Lock()
	if !m.started {
		// Shutdown won the race while the session was being created; a
		// map insert now would strand the entry past its cleanup sweep.
		m.mu.Unlock()
		a.Close()
		return "", ErrNotStarted
	}
	m.agents[conversationID] = a
	m.mu.Unlock()

	m.log.Info("session created", "conversationID", conversationID, "sessionID", a.SessionID())
	return conversationID, nil
}

// SendPrompt sends one user turn to a conversation. It returns once the
// agent acknowledges the prompt; the finalized response arrives later
// through the OnFinalized callback.
func (m *SessionManager) SendPrompt(ctx context.Context, conversationID, content string) error {
	a, err := m.agentFor(conversationID)
	if err != nil {
		return err
	}
	return a.Prompt(ctx, content)
}

// CancelPrompt asks the agent to stop generating for one conversation.
func (m *SessionManager) CancelPrompt(conversationID string) error {
	a, err := m.agentFor(conversationID)
	if err != nil {
		return err
	}
	return a.CancelPrompt()
}

// Interrupt signals the agent process itself. It affects every
// conversation; prefer CancelPrompt for a single one.
func (m *SessionManager) Interrupt() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return ErrNotStarted
	}
	return m.transport.Interrupt()
}

// CloseSession terminates one conversation and releases its resources.
func (m *SessionManager) CloseSession(conversationID string) error {
	m.mu.Lock()
	a, exists := m.agents[conversationID]
	if exists {
		delete(m.agents, conversationID)
	}
	m.mu.Unlock()
	if !exists {
		return ErrUnknownSession
	}

	a.Close()
	m.log.Info("session closed", "conversationID", conversationID)
	return nil
}

// Sessions returns the ids of all live conversations.
func (m *SessionManager) Sessions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.agents))
	for id := range m.agents {
		ids = append(ids, id)
	}
	return ids
}

// Healthy reports whether the agent process and router are both alive.
// A dead transport surfaces here as "agent unavailable" rather than as
// silently hanging sessions.
func (m *SessionManager) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return false
	}
	return m.transport.IsRunning() && m.router.Err() == nil
}

// Shutdown closes every conversation, the router, and the agent
// process. Idempotent.
func (m *SessionManager) Shutdown() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		agents := make([]*agent.ConversationAgent, 0, len(m.agents))
		for _, a := range m.agents {
			agents = append(agents, a)
		}
		m.agents = make(map[string]*agent.ConversationAgent)
		m.started = false
		m.mu.Unlock()

		if !started {
			return
		}

		close(m.reaperStop)
		<-m.reaperDone

		for _, a := range agents {
			a.Close()
		}
		m.router.Close()
		m.transport.Close()
		m.log.Info("manager shut down", "closedSessions", len(agents))
	})
}

// reapLoop periodically closes conversations idle past the configured
// timeout so crashed or abandoned sessions do not leak forever.
func (m *SessionManager) reapLoop(idle time.Duration) {
	defer close(m.reaperDone)

	interval := idle / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reapIdle(idle)
		case <-m.reaperStop:
			return
		}
	}
}

// reapIdle closes every conversation whose last activity is older than
// the timeout. One sweep; exposed for tests.
func (m *SessionManager) reapIdle(idle time.Duration) int {
	cutoff := time.Now().Add(-idle)

	m.mu.Lock()
	var stale []*agent.ConversationAgent
	for id, a := range m.agents {
		if a.LastActivity().Before(cutoff) {
			stale = append(stale, a)
			delete(m.agents, id)
		}
	}
	m.mu.Unlock()

	for _, a := range stale {
		m.log.Info("reaping idle session",
			"conversationID", a.ConversationID(),
			"idleSince", a.LastActivity())
		a.Close()
	}
	return len(stale)
}

func (m *SessionManager) agentFor(conversationID string) (*agent.ConversationAgent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.started {
		return nil, ErrNotStarted
	}
	a, exists := m.agents[conversationID]
	if !exists {
		return nil, ErrUnknownSession
	}
	return a, nil
}
