package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/manifoldhq/manifold-core/logger"
	"github.com/manifoldhq/manifold-core/wire"
)

// DefaultCallTimeout bounds an outbound Call when the caller passes no
// explicit timeout.
const DefaultCallTimeout = 60 * time.Second

// ErrRouterClosed is returned for operations on a router whose transport
// has died or been shut down.
var ErrRouterClosed = errors.New("router: closed")

// ErrSessionRegistered is returned when Register is called twice for the
// same session id. Two live registrations for one id would silently merge
// two sessions, which is exactly the misdelivery this package exists to
// prevent.
var ErrSessionRegistered = errors.New("router: session already registered")

// CallTimeoutError reports an outbound Call that received no Response
// within its timeout. The call is recoverable: its pending entry has been
// removed and the caller may issue a new Call.
type CallTimeoutError struct {
	Method  string
	ID      int64
	Timeout time.Duration
}

func (e *CallTimeoutError) Error() string {
	return fmt.Sprintf("call %q (id %d) timed out after %s", e.Method, e.ID, e.Timeout)
}

// LineTransport is the slice of the transport the router needs. It is an
// interface so tests can drive the router with scripted frames.
type LineTransport interface {
	WriteLine(data []byte) error
	ReadLine() (string, error)
}

// callResult delivers a Response to the blocked caller of Call.
type callResult struct {
	result json.RawMessage
	err    *wire.RPCError
}

// pendingCall tracks one in-flight outbound Call.
type pendingCall struct {
	method  string
	done    chan callResult // buffered, capacity 1
	created time.Time
}

// Router owns the read side of one Transport and routes its frames to
// per-session channels. Create with New, then run the read loop with Run
// (typically `go r.Run()`).
type Router struct {
	transport LineTransport
	log       *slog.Logger

	// mu guards the session map. Dispatch sends hold the read lock while
	// Unregister closes channels under the write lock, so a send can
	// never race a close and panic the router loop.
	mu       sync.RWMutex
	sessions map[string]*ChannelPair

	// pendingMu guards the pending-call map; nextID allocates ids unique
	// among calls currently in flight.
	pendingMu sync.Mutex
	pending   map[int64]*pendingCall
	nextID    atomic.Int64

	// writeMu serializes all frame writes onto the transport.
	writeMu sync.Mutex

	dead     atomic.Bool
	deadErr  error
	closed   chan struct{}
	shutOnce sync.Once
}

// New creates a Router for the given transport.
func New(transport LineTransport) *Router {
	return &Router{
		transport: transport,
		log:       logger.WithComponent("router"),
		sessions:  make(map[string]*ChannelPair),
		pending:   make(map[int64]*pendingCall),
		closed:    make(chan struct{}),
	}
}

// Register allocates the bounded channel pair for a session and stores it
// under the session id. Frames whose payload names this id are delivered
// to these channels until Unregister. Registering an id twice fails with
// ErrSessionRegistered.
func (r *Router) Register(sessionID string) (requests <-chan *wire.Message, notifications <-chan *wire.Message, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dead.Load() {
		return nil, nil, ErrRouterClosed
	}
	if _, exists := r.sessions[sessionID]; exists {
		return nil, nil, ErrSessionRegistered
	}

	pair := newChannelPair(SessionChannelCapacity)
	r.sessions[sessionID] = pair
	r.log.Info("session registered", "sessionID", sessionID)
	return pair.Requests, pair.Notifications, nil
}

// Unregister closes and removes a session's channels. Safe no-op if the
// id is not registered. After Unregister returns, no further dispatch is
// possible for the id.
func (r *Router) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	delete(r.sessions, sessionID)
	pair.close()
	r.log.Info("session unregistered", "sessionID", sessionID)
}

// Call writes an outbound request and blocks the caller until the
// correlated Response arrives, the timeout elapses, or ctx is cancelled.
// A timeout of zero or less uses DefaultCallTimeout. The router loop
// itself never blocks on a Call.
func (r *Router) Call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if r.dead.Load() {
		return nil, ErrRouterClosed
	}
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}

	id := r.nextID.Add(1)
	call := &pendingCall{
		method:  method,
		done:    make(chan callResult, 1),
		created: time.Now(),
	}

	r.pendingMu.Lock()
	r.pending[id] = call
	r.pendingMu.Unlock()

	data, err := wire.Serialize(wire.Call{ID: id, Method: method, Params: params})
	if err != nil {
		r.removePending(id)
		return nil, err
	}

	r.log.Debug("call", "method", method, "id", id)
	if err := r.writeFrame(data); err != nil {
		r.removePending(id)
		return nil, fmt.Errorf("failed to write call %q: %w", method, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		if res.err != nil {
			return nil, res.err
		}
		return res.result, nil
	case <-timer.C:
		// Remove the entry so timeout floods cannot grow the map.
		r.removePending(id)
		return nil, &CallTimeoutError{Method: method, ID: id, Timeout: timeout}
	case <-ctx.Done():
		r.removePending(id)
		return nil, ctx.Err()
	case <-r.closed:
		return nil, ErrRouterClosed
	}
}

// Reply answers an InboundRequest by id. Exactly one of result or rpcErr
// should be set.
func (r *Router) Reply(id int64, result any, rpcErr *wire.RPCError) error {
	if r.dead.Load() {
		return ErrRouterClosed
	}
	data, err := wire.Serialize(wire.Reply{ID: id, Result: result, Error: rpcErr})
	if err != nil {
		return err
	}
	r.log.Debug("reply", "id", id, "isError", rpcErr != nil)
	return r.writeFrame(data)
}

// Notify writes a fire-and-forget outbound notification.
func (r *Router) Notify(method string, params any) error {
	if r.dead.Load() {
		return ErrRouterClosed
	}
	data, err := wire.Serialize(wire.Note{Method: method, Params: params})
	if err != nil {
		return err
	}
	r.log.Debug("notify", "method", method)
	return r.writeFrame(data)
}

// writeFrame serializes access to the transport's single write path.
func (r *Router) writeFrame(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.transport.WriteLine(data)
}

func (r *Router) removePending(id int64) {
	r.pendingMu.Lock()
	delete(r.pending, id)
	r.pendingMu.Unlock()
}

// PendingCalls reports the number of in-flight outbound calls. Exposed
// for tests and health reporting.
func (r *Router) PendingCalls() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Err returns the terminal error after the router has died, or nil while
// it is alive.
func (r *Router) Err() error {
	if !r.dead.Load() {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.deadErr
}

// Done returns a channel closed when the router shuts down.
func (r *Router) Done() <-chan struct{} {
	return r.closed
}

// Run is the router loop: the single reader of the transport. It returns
// when the transport surfaces a terminal error, after closing every
// registered session's channels and failing every in-flight call.
func (r *Router) Run() {
	r.log.Info("router loop started")
	for {
		line, err := r.transport.ReadLine()
		if err != nil {
			r.log.Info("transport terminated, shutting down router", "error", err)
			r.shutdown(err)
			return
		}
		if line == "" {
			continue
		}
		r.handleLine(line)
	}
}

// handleLine decodes and routes one frame. Per-frame errors are logged
// and skipped; they never stop the loop.
func (r *Router) handleLine(line string) {
	msg, err := wire.Parse(line)
	if err != nil {
		r.log.Warn("skipping unparseable frame", "error", err)
		return
	}

	switch msg.Kind {
	case wire.KindResponse:
		r.resolveResponse(msg)
	case wire.KindNotification, wire.KindInboundRequest:
		r.dispatch(msg)
	}
}

// resolveResponse delivers a Response to the caller blocked in Call.
// An unmatched id is logged and dropped; it usually means the call
// already timed out.
func (r *Router) resolveResponse(msg *wire.Message) {
	r.pendingMu.Lock()
	call, exists := r.pending[*msg.ID]
	if exists {
		delete(r.pending, *msg.ID)
	}
	r.pendingMu.Unlock()

	if !exists {
		r.log.Warn("response for unknown call id, dropping", "id", *msg.ID)
		return
	}

	r.log.Debug("response resolved", "method", call.method, "id", *msg.ID,
		"elapsed", time.Since(call.created), "isError", msg.Err != nil)
	// done is buffered; this send never blocks even if the caller
	// already gave up on a context cancel.
	call.done <- callResult{result: msg.Result, err: msg.Err}
}

// dispatch routes a Notification or InboundRequest to the channels of the
// session named in its payload. Lookups take the read lock; sends happen
// while holding it so Unregister cannot close the channel mid-send.
func (r *Router) dispatch(msg *wire.Message) {
	sessionID := wire.SessionID(msg.Params)
	if sessionID == "" {
		r.log.Warn("frame carries no session id, dropping", "method", msg.Method)
		return
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	pair, exists := r.sessions[sessionID]
	if !exists {
		r.log.Warn("frame for unregistered session, dropping",
			"sessionID", sessionID, "method", msg.Method)
		return
	}

	target := pair.Notifications
	if msg.Kind == wire.KindInboundRequest {
		target = pair.Requests
	}

	select {
	case target <- msg:
	default:
		// A slow consumer must never stall delivery to other sessions.
		r.log.Warn("session channel full, dropping frame",
			"sessionID", sessionID, "method", msg.Method, "kind", msg.Kind)
	}
}

// shutdown marks the router dead, fails every in-flight call, and closes
// every registered session's channels so waiting consumers observe
// termination rather than hanging forever. Idempotent.
func (r *Router) shutdown(cause error) {
	r.shutOnce.Do(func() {
		r.mu.Lock()
		r.dead.Store(true)
		r.deadErr = cause
		for sessionID, pair := range r.sessions {
			pair.close()
			r.log.Debug("closed session channels on shutdown", "sessionID", sessionID)
		}
		r.sessions = make(map[string]*ChannelPair)
		r.mu.Unlock()

		// Unblock callers waiting in Call.
		close(r.closed)

		r.pendingMu.Lock()
		n := len(r.pending)
		r.pending = make(map[int64]*pendingCall)
		r.pendingMu.Unlock()

		r.log.Info("router shut down", "error", cause, "abandonedCalls", n)
	})
}

// Close shuts the router down without waiting for the transport to die.
// The Run loop, if still blocked on a read, exits on its next read error.
func (r *Router) Close() {
	r.shutdown(ErrRouterClosed)
}
