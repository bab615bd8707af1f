// Package notify fans shard-assignment deltas out to the runners they
// affect, one bounded channel per registered runner. A full channel blocks
// the sender, which is how the control loop's commits back-pressure
// against a slow or stuck runner instead of silently dropping updates.
package notify

import (
	"sync"

	"github.com/dreamware/shardkeep/internal/cluster"
)

// subscriber owns one runner's channel plus the lock that serializes a send
// against the close that ends its subscription. The lock is per-subscriber,
// not the registry's, so one blocked Send only ever stalls that runner's own
// Unregister, never another runner's Register/Unregister/Send.
type subscriber struct {
	mu     sync.Mutex
	ch     chan cluster.Delta
	closed bool
}

func newSubscriber(buffer int) *subscriber {
	return &subscriber{ch: make(chan cluster.Delta, buffer)}
}

// send delivers delta, blocking if the channel is full. A no-op once the
// subscriber has been closed, so a Send racing a concurrent Unregister for
// the same runner never sends on a closed channel.
func (s *subscriber) send(delta cluster.Delta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- delta
}

// close marks the subscriber closed and closes its channel, idempotently.
func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Notifier owns one buffered channel per registered runner.
type Notifier struct {
	mu       sync.Mutex
	channels map[cluster.RunnerAddress]*subscriber
	buffer   int
}

// New returns a Notifier whose per-runner channels hold up to buffer
// pending deltas before a Send blocks.
func New(buffer int) *Notifier {
	return &Notifier{
		channels: make(map[cluster.RunnerAddress]*subscriber),
		buffer:   buffer,
	}
}

// Register opens a runner's notification channel and returns it for the
// caller's RPC handler to stream from. If current is non-empty, it is
// pushed as the runner's initial message, satisfying the re-registration
// contract: a runner that reconnects receives its full current assignment
// before any subsequent delta.
func (n *Notifier) Register(addr cluster.RunnerAddress, current cluster.Delta) <-chan cluster.Delta {
	n.mu.Lock()
	defer n.mu.Unlock()

	sub := newSubscriber(n.buffer)
	n.channels[addr] = sub
	if !current.IsEmpty() {
		sub.send(current)
	}
	return sub.ch
}

// Unregister ends addr's subscription: its channel is closed so a streaming
// reader sees the close and stops, and any buffered, undelivered deltas are
// dropped, matching the disconnection contract in §4.5. Safe to call
// concurrently with a Send in flight to the same runner.
func (n *Notifier) Unregister(addr cluster.RunnerAddress) {
	n.mu.Lock()
	sub, ok := n.channels[addr]
	delete(n.channels, addr)
	n.mu.Unlock()

	if ok {
		sub.close()
	}
}

// Send delivers delta to addr's channel, blocking if the channel is full.
// It is a no-op if addr has no open channel (the runner never connected to
// its notification stream), and a no-op if addr's channel has since been
// closed by a concurrent Unregister (the runner disconnected while this
// delta was in flight) rather than a panic.
func (n *Notifier) Send(addr cluster.RunnerAddress, delta cluster.Delta) {
	if delta.IsEmpty() {
		return
	}
	n.mu.Lock()
	sub, ok := n.channels[addr]
	n.mu.Unlock()
	if !ok {
		return
	}
	sub.send(delta)
}

// SendAll delivers each per-runner delta in deltas, one Send per entry.
func (n *Notifier) SendAll(deltas map[cluster.RunnerAddress]cluster.Delta) {
	for addr, delta := range deltas {
		n.Send(addr, delta)
	}
}

// Close shuts down every open channel, used during manager shutdown after
// the final pending delta has been persisted and notified.
func (n *Notifier) Close() {
	n.mu.Lock()
	subs := n.channels
	n.channels = make(map[cluster.RunnerAddress]*subscriber)
	n.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}
