package dhcpd

import (
	"context"
	"hash/fnv"
)

// dispatcher fans inbound messages out across a fixed pool of worker queues,
// keyed by the client's hardware address so that two messages from the same
// client are always handled by the same worker and therefore never
// reordered relative to each other, per spec.md §5's per-MAC ordering
// guarantee.  Messages from different clients may still be handled
// concurrently, on different workers.
type dispatcher struct {
	queues  []chan inboundMessage
	handler func(inboundMessage)
}

// newDispatcher builds a dispatcher with n worker queues, each with the
// given per-queue buffer depth.  handler is invoked, from whichever worker
// owns the message's client, for every dequeued message.
func newDispatcher(n, depth int, handler func(inboundMessage)) (d *dispatcher) {
	if n <= 0 {
		n = 1
	}

	d = &dispatcher{
		queues:  make([]chan inboundMessage, n),
		handler: handler,
	}

	for i := range d.queues {
		d.queues[i] = make(chan inboundMessage, depth)
	}

	return d
}

// run starts one goroutine per worker queue; each drains its queue until ctx
// is cancelled.
func (d *dispatcher) run(ctx context.Context) {
	for _, q := range d.queues {
		go d.worker(ctx, q)
	}
}

// worker drains q, invoking d.handler for each message, until ctx is done.
func (d *dispatcher) worker(ctx context.Context, q chan inboundMessage) {
	for {
		select {
		case m := <-q:
			d.handler(m)
		case <-ctx.Done():
			return
		}
	}
}

// dispatch enqueues m on the worker owning its client's hardware address.
// It drops m (rather than blocking indefinitely) if that worker's queue is
// full, since a full queue means the server is already overloaded for that
// client and blocking the receive loop would only make things worse for
// every other client sharing the socket.
func (d *dispatcher) dispatch(m inboundMessage) (ok bool) {
	idx := macWorkerIndex(m.msg.ClientHWAddr, len(d.queues))

	select {
	case d.queues[idx] <- m:
		return true
	default:
		return false
	}
}

// macWorkerIndex hashes mac with FNV-1a to select one of n worker queues.
func macWorkerIndex(mac []byte, n int) (idx int) {
	if n <= 1 {
		return 0
	}

	h := fnv.New32a()
	h.Write(mac)

	return int(h.Sum32() % uint32(n))
}
