package router

import "github.com/manifoldhq/manifold-core/wire"

// SessionChannelCapacity bounds each per-session channel. A session that
// falls this far behind starts losing frames rather than blocking the
// router loop.
const SessionChannelCapacity = 100

// ChannelPair groups the inbound channels for one registered session:
// requests that expect a reply and fire-and-forget notifications.
type ChannelPair struct {
	Requests      chan *wire.Message
	Notifications chan *wire.Message
}

// newChannelPair creates a ChannelPair with the given buffer size.
func newChannelPair(capacity int) *ChannelPair {
	return &ChannelPair{
		Requests:      make(chan *wire.Message, capacity),
		Notifications: make(chan *wire.Message, capacity),
	}
}

// close closes both channels. Safe to call on a nil pair.
func (cp *ChannelPair) close() {
	if cp == nil {
		return
	}
	if cp.Requests != nil {
		close(cp.Requests)
		cp.Requests = nil
	}
	if cp.Notifications != nil {
		close(cp.Notifications)
		cp.Notifications = nil
	}
}
