// Package agent runs one conversation over a multiplexed agent
// transport.
//
// A ConversationAgent owns exactly one remote session. Its lifecycle is
//
//	Creating -> Active <-> Completing -> Terminated
//
// Creating issues the create-session call and registers the session with
// the router. Active runs the event loop: inbound permission requests
// are answered from the permission policy, streaming content fragments
// accumulate in a pending buffer, and a quiet-period timer decides when
// the accumulated text is final. Completing covers an in-flight prompt
// call. Terminated unregisters the session and releases its timer.
//
// Finalization is debounced rather than tied to the prompt call
// returning: the remote peer keeps streaming tool-call output after the
// outer call has already been acknowledged, so flushing on return would
// truncate the final answer. The buffer is flushed to the registered
// callback only after a full quiet window with no new fragments.
package agent
