package ioreactor

import "time"

// Channel index states used by the epoll demultiplexer (array-poll reuses
// pollerIndexNew only, storing its slot position as the index once added).
const (
	pollerIndexNew = iota - 1 // -1: never registered
	pollerIndexAdded
	pollerIndexDeleted
)

// PollerKind selects a Demultiplexer implementation.
type PollerKind string

const (
	PollerEpoll PollerKind = "epoll"
	PollerArray PollerKind = "poll"
)

// Demultiplexer is the abstract readiness probe. Poll blocks up to
// timeoutMs milliseconds and appends ready channels (with SetRevents
// already applied) to active, returning the wall timestamp observed
// immediately after return. Update reconciles a channel's declared
// interest with the kernel's view; Remove detaches it.
//
// All methods run only on the owning EventLoop's thread.
type Demultiplexer interface {
	Poll(timeoutMs int, active *[]*Channel) (time.Time, error)
	UpdateChannel(ch *Channel) error
	RemoveChannel(ch *Channel) error
	Close() error
}

// newDemultiplexer selects a Demultiplexer implementation for kind,
// defaulting to the platform's preferred poller when kind is empty.
func newDemultiplexer(kind PollerKind) (Demultiplexer, error) {
	switch kind {
	case PollerArray:
		return newArrayPoller()
	case PollerEpoll, "":
		return newEpollPoller()
	default:
		return newEpollPoller()
	}
}
