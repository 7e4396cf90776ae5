package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/manifoldhq/manifold-core/logger"
	"github.com/manifoldhq/manifold-core/permission"
	"github.com/manifoldhq/manifold-core/wire"
)

// DefaultDebounceWindow is the quiet period that must elapse after the
// last streamed fragment before the pending buffer is finalized.
const DefaultDebounceWindow = 2 * time.Second

// State is the lifecycle phase of a ConversationAgent.
type State string

const (
	StateCreating   State = "creating"
	StateActive     State = "active"
	StateCompleting State = "completing"
	StateTerminated State = "terminated"
)

// ErrNotActive is returned when a prompt is sent to an agent that is not
// in the Active state.
var ErrNotActive = errors.New("agent: conversation not active")

// Router is the slice of the session router an agent needs. Satisfied by
// *router.Router; an interface so tests can script the wire side.
type Router interface {
	Register(sessionID string) (requests <-chan *wire.Message, notifications <-chan *wire.Message, err error)
	Unregister(sessionID string)
	Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error)
	Reply(id int64, result any, rpcErr *wire.RPCError) error
	Notify(method string, params any) error
}

// FinalizedFunc receives the finalized text of one quiet period. It is
// invoked from the agent's event loop, so it must not block for long.
type FinalizedFunc func(sessionID, text string)

// ApproverFunc is an external approver for tool calls the policy defers
// on. It returns the option to select and whether one was chosen.
type ApproverFunc func(call wire.ToolCallRef, options []wire.PermissionOption) (wire.PermissionOption, bool)

// Options configures a ConversationAgent.
type Options struct {
	// DebounceWindow overrides DefaultDebounceWindow when positive.
	DebounceWindow time.Duration
	// CallTimeout bounds each outbound call; zero uses the router default.
	CallTimeout time.Duration
	// OnFinalized receives each finalized response text.
	OnFinalized FinalizedFunc
	// Approver, when set, decides tool calls the policy defers on.
	// Without one, deferred calls degrade to a rejection.
	Approver ApproverFunc
}

// ConversationAgent owns one remote session: its state, its pending
// response buffer, and its permission replies.
type ConversationAgent struct {
	conversationID string
	router         Router
	opts           Options
	window         time.Duration
	log            *slog.Logger

	mu           sync.Mutex
	state        State
	sessionID    string
	buffer       strings.Builder
	debounce     *time.Timer
	lastActivity time.Time

	requests      <-chan *wire.Message
	notifications <-chan *wire.Message

	// flushSignal is a buffered one-slot signal meaning "flush the
	// pending buffer now". Repeated arms coalesce into one flush.
	flushSignal chan struct{}

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an agent for the given caller-assigned conversation id.
// The agent does nothing until Start.
func New(conversationID string, r Router, opts Options) *ConversationAgent {
	window := opts.DebounceWindow
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	return &ConversationAgent{
		conversationID: conversationID,
		router:         r,
		opts:           opts,
		window:         window,
		log:            logger.WithSession(conversationID).With("component", "agent"),
		state:          StateCreating,
		flushSignal:    make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Start creates the remote session, registers it with the router, and
// launches the event loop. Failure to create the session fails fast to
// the caller; nothing is registered on error.
func (a *ConversationAgent) Start(ctx context.Context, cwd string) error {
	a.log.Info("creating session", "cwd", cwd)

	raw, err := a.router.Call(ctx, wire.MethodSessionNew, wire.NewSessionParams{Cwd: cwd}, a.opts.CallTimeout)
	if err != nil {
		a.setState(StateTerminated)
		return fmt.Errorf("failed to create session: %w", err)
	}

	var res wire.NewSessionResult
	if err := json.Unmarshal(raw, &res); err != nil {
		a.setState(StateTerminated)
		return fmt.Errorf("failed to decode create-session result: %w", err)
	}
	if res.SessionID == "" {
		a.setState(StateTerminated)
		return errors.New("agent: peer returned empty session id")
	}

	requests, notifications, err := a.router.Register(res.SessionID)
	if err != nil {
		a.setState(StateTerminated)
		return fmt.Errorf("failed to register session %s: %w", res.SessionID, err)
	}

	a.mu.Lock()
	a.sessionID = res.SessionID
	a.state = StateActive
	a.lastActivity = time.Now()
	a.requests = requests
	a.notifications = notifications
	a.mu.Unlock()

	a.log = a.log.With("sessionID", res.SessionID)
	a.log.Info("session active", "conversationID", a.conversationID)

	a.wg.Add(1)
	go a.run()
	return nil
}

// Prompt sends one user turn. It blocks until the peer acknowledges the
// prompt call; the finalized response text arrives later through the
// OnFinalized callback once streaming goes quiet.
func (a *ConversationAgent) Prompt(ctx context.Context, text string) error {
	a.mu.Lock()
	if a.state != StateActive {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrNotActive, state)
	}
	a.state = StateCompleting
	a.lastActivity = time.Now()
	sessionID := a.sessionID
	a.mu.Unlock()

	params := wire.PromptParams{
		SessionID: sessionID,
		Prompt:    []wire.ContentBlock{{Type: "text", Text: text}},
	}
	raw, err := a.router.Call(ctx, wire.MethodSessionPrompt, params, a.opts.CallTimeout)

	a.setState(StateActive)
	if err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}

	var res wire.PromptResult
	if err := json.Unmarshal(raw, &res); err == nil && res.StopReason != "" {
		a.log.Debug("prompt acknowledged", "stopReason", res.StopReason)
	}

	// The peer may keep streaming tool-call output after the call has
	// returned. Arm the quiet-period timer instead of flushing here.
	a.resetDebounce()
	return nil
}

// CancelPrompt asks the peer to stop generating for this session. The
// cancellation is a notification; any partial text still flushes through
// the normal quiet-period path.
func (a *ConversationAgent) CancelPrompt() error {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == "" {
		return ErrNotActive
	}
	a.log.Info("cancelling prompt")
	return a.router.Notify(wire.MethodSessionCancel, wire.CancelParams{SessionID: sessionID})
}

// State returns the current lifecycle phase.
func (a *ConversationAgent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID returns the peer-assigned session id, empty before Start
// succeeds.
func (a *ConversationAgent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// ConversationID returns the caller-assigned conversation id.
func (a *ConversationAgent) ConversationID() string {
	return a.conversationID
}

// LastActivity returns the time of the last prompt or streamed fragment.
// Used to reap idle sessions.
func (a *ConversationAgent) LastActivity() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastActivity
}

// Close terminates the agent: the event loop exits, any pending text is
// flushed, the debounce timer is cancelled, and the session is
// unregistered. Idempotent.
func (a *ConversationAgent) Close() {
	a.closeOnce.Do(func() { close(a.done) })
	a.wg.Wait()
	// Covers the case where Start never launched the loop.
	a.terminate("closed")
}

// run is the per-session event loop. It exits when the agent is closed
// or when the router closes this session's channels after a fatal
// transport error.
func (a *ConversationAgent) run() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.requests:
			if !ok {
				a.terminate("router closed request channel")
				return
			}
			a.handleRequest(msg)
		case msg, ok := <-a.notifications:
			if !ok {
				a.terminate("router closed notification channel")
				return
			}
			a.handleNotification(msg)
		case <-a.flushSignal:
			a.flush()
		case <-a.done:
			a.terminate("closed")
			return
		}
	}
}

// handleRequest answers an inbound request. Only permission requests are
// expected; anything else gets a method-not-found error.
func (a *ConversationAgent) handleRequest(msg *wire.Message) {
	if msg.ID == nil {
		a.log.Warn("inbound request without id, dropping", "method", msg.Method)
		return
	}
	switch msg.Method {
	case wire.MethodRequestPermission:
		a.handlePermission(msg)
	default:
		a.log.Warn("unsupported inbound method", "method", msg.Method)
		a.reply(*msg.ID, nil, &wire.RPCError{Code: -32601, Message: "method not found"})
	}
}

// handlePermission evaluates a tool invocation against the policy and
// answers with the selected option. A failed reply is logged, not fatal;
// the peer perceives a denial per its own timeout behavior.
func (a *ConversationAgent) handlePermission(msg *wire.Message) {
	var p wire.PermissionRequestParams
	if err := wire.DecodeParams(msg.Params, &p); err != nil {
		a.log.Warn("malformed permission request", "error", err)
		a.reply(*msg.ID, nil, &wire.RPCError{Code: -32602, Message: "invalid params"})
		return
	}

	decision := permission.Evaluate(p.ToolCall)
	a.log.Info("permission request",
		"tool", p.ToolCall.Title,
		"kind", p.ToolCall.Kind,
		"decision", decision.String())

	var opt wire.PermissionOption
	var found bool
	switch decision {
	case permission.Allow:
		opt, found = permission.FindAllowOption(p.Options)
	case permission.Defer:
		if a.opts.Approver != nil {
			if chosen, ok := a.opts.Approver(p.ToolCall, p.Options); ok {
				opt, found = chosen, true
				break
			}
		}
		// No external approver wired: deferral degrades to rejection.
		opt, found = permission.FindRejectOption(p.Options)
	case permission.Reject:
		opt, found = permission.FindRejectOption(p.Options)
	}

	if !found {
		a.log.Warn("no usable permission option", "toolCallID", p.ToolCall.ToolCallID)
		a.reply(*msg.ID, wire.PermissionResult{
			Outcome: wire.PermissionOutcome{Outcome: "cancelled"},
		}, nil)
		return
	}

	a.reply(*msg.ID, wire.PermissionResult{
		Outcome: wire.PermissionOutcome{Outcome: "selected", OptionID: opt.OptionID},
	}, nil)
}

// handleNotification accumulates streamed content and re-arms the
// quiet-period timer. Non-content updates only refresh activity.
func (a *ConversationAgent) handleNotification(msg *wire.Message) {
	if msg.Method != wire.MethodSessionUpdate {
		a.log.Debug("ignoring notification", "method", msg.Method)
		return
	}

	var update wire.SessionUpdate
	if err := wire.DecodeParams(msg.Params, &update); err != nil {
		a.log.Warn("malformed session update", "error", err)
		return
	}

	a.mu.Lock()
	a.lastActivity = time.Now()
	if update.Update.Kind == wire.UpdateAgentMessageChunk && update.Update.Content != nil {
		a.buffer.WriteString(update.Update.Content.Text)
	}
	a.mu.Unlock()

	a.resetDebounce()
}

// resetDebounce (re)arms the quiet-period timer. Each new fragment
// pushes finalization out by a full window.
func (a *ConversationAgent) resetDebounce() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateTerminated {
		return
	}
	if a.debounce != nil {
		a.debounce.Stop()
	}
	a.debounce = time.AfterFunc(a.window, a.signalFlush)
}

// signalFlush raises the completion signal. The one-slot buffer makes
// repeated signals coalesce instead of blocking the timer goroutine.
func (a *ConversationAgent) signalFlush() {
	select {
	case a.flushSignal <- struct{}{}:
	default:
	}
}

// flush atomically drains the pending buffer to the finalized callback.
// An empty buffer is a no-op.
func (a *ConversationAgent) flush() {
	a.mu.Lock()
	if a.buffer.Len() == 0 {
		a.mu.Unlock()
		return
	}
	text := a.buffer.String()
	a.buffer.Reset()
	sessionID := a.sessionID
	a.mu.Unlock()

	a.log.Info("finalizing response", "chars", len(text))
	if a.opts.OnFinalized != nil {
		a.opts.OnFinalized(sessionID, text)
	}
}

func (a *ConversationAgent) reply(id int64, result any, rpcErr *wire.RPCError) {
	if err := a.router.Reply(id, result, rpcErr); err != nil {
		a.log.Warn("failed to deliver reply", "id", id, "error", err)
	}
}

func (a *ConversationAgent) setState(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateTerminated {
		return
	}
	a.state = next
}

// terminate transitions to Terminated, flushes any pending text, stops
// the timer, and unregisters the session. Idempotent.
func (a *ConversationAgent) terminate(reason string) {
	a.mu.Lock()
	if a.state == StateTerminated {
		a.mu.Unlock()
		return
	}
	a.state = StateTerminated
	if a.debounce != nil {
		a.debounce.Stop()
		a.debounce = nil
	}
	text := a.buffer.String()
	a.buffer.Reset()
	sessionID := a.sessionID
	a.mu.Unlock()

	a.log.Info("terminating", "reason", reason)
	if text != "" && a.opts.OnFinalized != nil {
		a.opts.OnFinalized(sessionID, text)
	}
	if sessionID != "" {
		a.router.Unregister(sessionID)
	}
}
