package eventlog

import (
	"context"
	"sync"
)

// broker fans live events out to in-process subscribers. Each subscriber
// owns an unbounded pending queue drained by its own goroutine, so a slow
// consumer never blocks the publisher and never loses an event.
type broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]*subscriber // channel → id → subscriber
}

func newBroker() *broker {
	return &broker{subs: make(map[string]map[int]*subscriber)}
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []Event
	closed bool

	out  chan Event
	done chan struct{}
}

func newSubscriber(replay []Event) *subscriber {
	s := &subscriber{
		queue: append([]Event(nil), replay...),
		out:   make(chan Event, 32),
		done:  make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

func (s *subscriber) run() {
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 && s.closed {
			s.mu.Unlock()
			close(s.out)
			return
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			close(s.out)
			return
		}
	}
}

func (s *subscriber) push(ev Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cond.Signal()
	s.mu.Unlock()
	close(s.done)
}

// subscribe registers a subscriber seeded with the replay slice. The caller
// must invoke subscribe while holding whatever lock makes the replay
// snapshot and the registration atomic with respect to publishes; that is
// what closes the replay/live seam.
func (b *broker) subscribe(channel string, replay []Event) (*subscriber, func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.subs[channel] == nil {
		b.subs[channel] = make(map[int]*subscriber)
	}
	sub := newSubscriber(replay)
	b.subs[channel][id] = sub
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[channel], id)
			b.mu.Unlock()
			sub.stop()
		})
	}
	return sub, cancel
}

// deliver pushes a live event to every subscriber of its channel.
func (b *broker) deliver(ev Event) {
	b.mu.Lock()
	for _, sub := range b.subs[ev.Channel] {
		sub.push(ev)
	}
	b.mu.Unlock()
}

// closeAll stops every subscriber.
func (b *broker) closeAll() {
	b.mu.Lock()
	var all []*subscriber
	for _, subs := range b.subs {
		for _, sub := range subs {
			all = append(all, sub)
		}
	}
	b.subs = make(map[string]map[int]*subscriber)
	b.mu.Unlock()

	for _, sub := range all {
		sub.stop()
	}
}

// watchContext cancels the subscription when ctx is done.
func watchContext(ctx context.Context, cancel func()) {
	if ctx.Done() == nil {
		return
	}
	go func() {
		<-ctx.Done()
		cancel()
	}()
}
