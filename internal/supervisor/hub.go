package supervisor

import (
	"sync"

	"github.com/loykin/svcpanel/internal/service"
)

// maxPending is how many updates a subscriber may fall behind, on top of its
// channel buffer, before it is disconnected.
const maxPending = 256

// hub fans updates out to subscribers in publish order. publish never blocks.
// Each subscriber has its own queue and pump goroutine, so a subscriber that
// stops reading only delays itself; once it lags maxPending updates its
// channel is closed.
type hub struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	next   int
	closed bool
	// onDrop is called with the subscriber id when a lagging subscriber is cut off.
	onDrop func(id int)
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []service.Update
	stopped bool
	ch      chan service.Update
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newSubscriber(buffer int) *subscriber {
	s := &subscriber{
		ch:   make(chan service.Update, buffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.pump()
	return s
}

// enqueue appends u to the subscriber's queue. It reports false when the
// subscriber has fallen too far behind.
func (s *subscriber) enqueue(u service.Update) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return true
	}
	if len(s.pending) >= maxPending {
		return false
	}
	s.pending = append(s.pending, u)
	s.cond.Signal()
	return true
}

// pump is the only sender on ch and the one that closes it.
func (s *subscriber) pump() {
	defer close(s.done)
	defer close(s.ch)
	for {
		s.mu.Lock()
		for len(s.pending) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.pending = nil
			s.mu.Unlock()
			return
		}
		u := s.pending[0]
		s.pending[0] = service.Update{}
		s.pending = s.pending[1:]
		s.mu.Unlock()

		select {
		case s.ch <- u:
		case <-s.stop:
			return
		}
	}
}

func (s *subscriber) cancel() {
	s.once.Do(func() {
		s.mu.Lock()
		s.stopped = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.stop)
	})
}

func newHub() *hub {
	return &hub{subs: make(map[int]*subscriber)}
}

func (h *hub) publish(u service.Update) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	var lagging []int
	for _, id := range h.orderLocked() {
		if !h.subs[id].enqueue(u) {
			lagging = append(lagging, id)
		}
	}
	dropped := make([]*subscriber, 0, len(lagging))
	for _, id := range lagging {
		dropped = append(dropped, h.subs[id])
		delete(h.subs, id)
	}
	onDrop := h.onDrop
	h.mu.Unlock()

	for i, s := range dropped {
		s.cancel()
		if onDrop != nil {
			onDrop(lagging[i])
		}
	}
}

func (h *hub) subscribe(buffer int) (<-chan service.Update, func()) {
	if buffer < 0 {
		buffer = 0
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		ch := make(chan service.Update)
		close(ch)
		return ch, func() {}
	}
	sub := newSubscriber(buffer)
	id := h.next
	h.next++
	h.subs[id] = sub
	h.mu.Unlock()
	return sub.ch, func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		sub.cancel()
	}
}

// orderLocked returns subscriber ids in subscription order.
func (h *hub) orderLocked() []int {
	out := make([]int, 0, len(h.subs))
	for i := 0; i < h.next; i++ {
		if _, ok := h.subs[i]; ok {
			out = append(out, i)
		}
	}
	return out
}

// close closes every subscriber channel. Undelivered updates are dropped.
func (h *hub) close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*subscriber, 0, len(h.subs))
	for _, id := range h.orderLocked() {
		subs = append(subs, h.subs[id])
	}
	h.subs = map[int]*subscriber{}
	h.mu.Unlock()
	for _, s := range subs {
		s.cancel()
	}
	for _, s := range subs {
		<-s.done
	}
}
