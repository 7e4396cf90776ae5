// Package wire implements the line-framed JSON protocol spoken between
// Manifold and the agent subprocess.
//
// # Message Kinds
//
// Every line on the wire is a JSON object in one of three shapes,
// discriminated by the presence of the "id" and "method" fields:
//
//   - InboundRequest: has both "id" and "method". The agent expects a
//     correlated reply from us (e.g. a permission prompt).
//   - Response: has "id" but no "method". The answer to an outbound Call.
//   - Notification: has no "id". Fire-and-forget (e.g. streaming content).
//
// The id is a *int64 rather than an int64 so that an explicit id of 0 is
// distinguishable from a frame with no id at all. The agent numbers its
// requests from 0, so conflating the two misclassifies the first inbound
// request as a notification.
//
// # Parsing and Serializing
//
// Parse and Serialize are pure functions with no state:
//
//	msg, err := wire.Parse(line)
//	switch msg.Kind {
//	case wire.KindResponse: ...
//	case wire.KindNotification: ...
//	case wire.KindInboundRequest: ...
//	}
//
// Malformed JSON yields *ParseError. A well-formed object that matches
// none of the three shapes (no id, no method) yields *UnknownKindError.
// Both are per-frame errors: the router logs and skips them.
package wire
