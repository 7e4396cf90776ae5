// Package router demultiplexes the shared agent transport into
// per-session logical channels.
//
// # Single Reader, Single Writer
//
// Exactly one goroutine (Run) reads from the Transport. Every decoded
// frame is either resolved against a pending outbound Call (Responses)
// or dispatched to the channels of the session named in its payload
// (Notifications and InboundRequests). Writes from concurrent callers
// are serialized onto the transport's single write path.
//
// Fan-out happens only after the single read point, keyed by the session
// identifier embedded in each frame. Dispatch is non-blocking: a slow
// session consumer gets its frames dropped (and logged) rather than
// stalling delivery to other sessions. Frames for unregistered sessions
// are likewise dropped and logged, never delivered to "whichever
// consumer happens to read first".
//
// # Call Correlation
//
// Call allocates a fresh id, registers a pending entry, writes the
// frame, and blocks the caller (never the router loop) until the
// correlated Response arrives or the timeout elapses. Timed-out entries
// are removed immediately so repeated timeouts cannot grow the pending
// map without bound.
//
// # Fatal Errors
//
// When the transport dies, the router marks itself dead, fails every
// in-flight Call, and closes every registered session's channels so
// waiting consumers observe termination instead of hanging forever.
package router
