package neuro

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/bennesher/csep590c-sp23/logger"
)

// DefaultDispatchQueueSize is the default capacity of the inbound packet queue.
const DefaultDispatchQueueSize = 64

// PacketHandler processes a dispatched packet. It returns true to claim the
// packet and stop iteration, false to pass it to the next listener.
//
// Handlers are invoked synchronously with the dispatch loop and must not block.
type PacketHandler func(*Packet) bool

// Listener is a registered packet handler. Its identity (pointer value) is
// the unregistration key; the same handler function may be registered any
// number of times, each registration yielding a distinct Listener.
type Listener struct {
	typ     PacketType
	handler PacketHandler
	oneShot bool
}

// Dispatcher routes inbound packets to the ordered listeners registered for
// their packet type.
//
// Producers enqueue with Offer; a single dispatch worker drains the queue.
// Listeners for a given type fire in registration order, the first claimant
// wins, and a claiming one-shot listener is removed before the next packet
// is dequeued. Unclaimed Error packets are re-offered to the Command
// listener list so that an in-flight command can observe an error reply.
type Dispatcher struct {
	logger    logger.Logger
	listeners *xsync.MapOf[PacketType, *listenerList]
	queue     chan *Packet
}

// NewDispatcher creates a dispatcher with the given inbound queue capacity.
// A queueSize of 0 or less selects DefaultDispatchQueueSize.
func NewDispatcher(l logger.Logger, queueSize int) *Dispatcher {
	if l == nil {
		l = logger.GetLogger()
	}
	if queueSize <= 0 {
		queueSize = DefaultDispatchQueueSize
	}

	return &Dispatcher{
		logger:    l,
		listeners: xsync.NewMapOf[PacketType, *listenerList](),
		queue:     make(chan *Packet, queueSize),
	}
}

// Register adds a handler for the given packet type, ordered after all
// earlier registrations for that type. If oneShot is true the listener is
// removed as soon as it claims a packet.
func (d *Dispatcher) Register(typ PacketType, handler PacketHandler, oneShot bool) *Listener {
	lst := &Listener{typ: typ, handler: handler, oneShot: oneShot}

	list, _ := d.listeners.LoadOrStore(typ, newListenerList())
	list.add(lst)

	return lst
}

// Unregister removes the first occurrence of lst from its type's listener
// list. It returns ErrListenerNotFound if lst is not registered, which is
// the normal outcome when a one-shot listener already claimed a packet.
func (d *Dispatcher) Unregister(lst *Listener) error {
	list, ok := d.listeners.Load(lst.typ)
	if !ok || !list.remove(lst) {
		return ErrListenerNotFound
	}

	return nil
}

// Offer enqueues a packet for dispatch without blocking. When the queue is
// full the packet is dropped and logged; inbound overload must not stall the
// reader.
func (d *Dispatcher) Offer(p *Packet) bool {
	select {
	case d.queue <- p:
		return true
	default:
		d.logger.Error("dispatch queue full, packet dropped", "packet", p.String())
		return false
	}
}

// DispatchNext blocks until one packet is dispatched or ctx is done.
// It returns false when ctx is cancelled, making it suitable as a
// TaskManager task function.
func (d *Dispatcher) DispatchNext(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case p := <-d.queue:
		d.dispatch(p)
		return true
	}
}

// Pending returns the number of packets waiting in the queue.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

func (d *Dispatcher) dispatch(p *Packet) {
	if d.offerToType(p.Type(), p) {
		return
	}

	// Fallback: an unclaimed Error packet is re-offered to the Command
	// listeners, letting an in-flight command learn its reply was an error.
	if p.Type() == ErrorPacket && d.offerToType(CommandPacket, p) {
		return
	}

	d.logger.Debug("unhandled packet", "packet", p.String())
}

func (d *Dispatcher) offerToType(typ PacketType, p *Packet) bool {
	list, ok := d.listeners.Load(typ)
	if !ok {
		return false
	}

	return list.offer(p, d.logger)
}

// listenerList is the mutation-synchronized, registration-ordered listener
// list for one packet type.
type listenerList struct {
	mu    sync.Mutex
	items []*Listener
}

func newListenerList() *listenerList {
	return &listenerList{}
}

func (l *listenerList) add(lst *Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = append(l.items, lst)
}

func (l *listenerList) remove(lst *Listener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, item := range l.items {
		if item == lst {
			l.items = append(l.items[:i], l.items[i+1:]...)
			return true
		}
	}

	return false
}

// offer walks the list in registration order until a listener claims the
// packet. The lock is held across the walk so that registration and removal
// are atomic against the dispatch loop; a claiming one-shot listener is
// removed before offer returns.
func (l *listenerList) offer(p *Packet, log logger.Logger) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, lst := range l.items {
		if !invokeHandler(lst.handler, p, log) {
			continue
		}

		if lst.oneShot {
			l.items = append(l.items[:i], l.items[i+1:]...)
		}

		return true
	}

	return false
}

// invokeHandler calls a listener with panic protection. A panicking listener
// is logged and treated as not claiming; iteration continues.
func invokeHandler(h PacketHandler, p *Packet, log logger.Logger) (claimed bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic in packet listener", "packet", p.String(), "panic", r)
			claimed = false
		}
	}()

	return h(p)
}
