package bus

import (
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/zeusync/shardtick/internal/core/observability/log"
)

// subscription implements Subscription interface.
type subscription struct {
	id      string
	channel string
	handler Handler

	mx     sync.Mutex
	active bool
	cancel func()
}

func (s *subscription) ID() string      { return s.id }
func (s *subscription) Channel() string { return s.channel }

func (s *subscription) IsActive() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.active
}

func (s *subscription) Cancel() error {
	s.mx.Lock()
	if !s.active {
		s.mx.Unlock()
		return nil
	}
	s.active = false
	cancel := s.cancel
	s.mx.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

var _ PubSub = (*Bus)(nil)

// Bus is the in-process PubSub implementation.
type Bus struct {
	mx sync.RWMutex
	// handlers: channel -> subID -> subscription
	handlers  map[string]map[string]*subscription
	metrics   Metrics
	observers map[Observer]struct{}
}

func New() *Bus {
	return &Bus{
		handlers:  make(map[string]map[string]*subscription),
		observers: make(map[Observer]struct{}),
	}
}

func (b *Bus) Publish(channel string, msg Message) error {
	b.mx.RLock()
	var subs []*subscription
	if m := b.handlers[channel]; m != nil {
		subs = make([]*subscription, 0, len(m))
		for _, s := range m {
			subs = append(subs, s)
		}
	}
	observers := make([]Observer, 0, len(b.observers))
	for obs := range b.observers {
		observers = append(observers, obs)
	}
	b.mx.RUnlock()

	for _, obs := range observers {
		obs.OnPublish(channel, msg)
	}

	var all error
	delivered := 0
	for _, s := range subs {
		if !s.IsActive() {
			continue
		}
		delivered++
		if err := s.handler(msg); err != nil {
			all = errors.Join(all, err)
		}
	}

	if len(observers) > 0 {
		for _, obs := range observers {
			obs.OnDelivered(channel, msg, delivered, all)
		}
		b.mx.Lock()
		b.metrics.Published++
		b.metrics.DeliveredHandlers += uint64(delivered)
		if all != nil {
			b.metrics.Errors++
		}
		b.mx.Unlock()
	}
	return all
}

func (b *Bus) Subscribe(channel string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, errors.New("bus: nil handler")
	}
	b.mx.Lock()
	defer b.mx.Unlock()
	if b.handlers[channel] == nil {
		b.handlers[channel] = make(map[string]*subscription)
	}
	id := uuid.NewString()
	s := &subscription{id: id, channel: channel, handler: handler, active: true}
	s.cancel = func() {
		b.mx.Lock()
		defer b.mx.Unlock()
		if m, ok := b.handlers[channel]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(b.handlers, channel)
			}
		}
	}
	b.handlers[channel][id] = s
	return s, nil
}

func (b *Bus) Listen(channel string) (<-chan Message, Subscription) {
	box := newMailbox()
	sub, _ := b.Subscribe(channel, func(msg Message) error {
		box.put(msg)
		return nil
	})
	inner := sub.(*subscription)
	cancel := inner.cancel
	inner.cancel = func() {
		cancel()
		box.close()
	}
	return box.out, sub
}

func (b *Bus) Unsubscribe(sub Subscription) error {
	if sub == nil {
		return nil
	}
	return sub.Cancel()
}

func (b *Bus) AddObserver(obs Observer) {
	b.mx.Lock()
	b.observers[obs] = struct{}{}
	b.mx.Unlock()
}

func (b *Bus) RemoveObserver(obs Observer) {
	b.mx.Lock()
	delete(b.observers, obs)
	b.mx.Unlock()
}

func (b *Bus) GetMetrics() Metrics {
	b.mx.RLock()
	defer b.mx.RUnlock()
	return b.metrics
}

func (b *Bus) Channels() []ChannelInfo {
	b.mx.RLock()
	defer b.mx.RUnlock()
	out := make([]ChannelInfo, 0, len(b.handlers))
	for name, subs := range b.handlers {
		out = append(out, ChannelInfo{Name: name, Subs: len(subs)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// mailbox buffers messages without bound so a publisher never blocks on a slow
// listener, including a listener that publishes to its own channel.
type mailbox struct {
	mx      sync.Mutex
	queue   []Message
	notify  chan struct{}
	done    chan struct{}
	closed  bool
	out     chan Message
	stopped sync.Once
}

func newMailbox() *mailbox {
	m := &mailbox{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan Message),
	}
	go m.pump()
	return m
}

func (m *mailbox) put(msg Message) {
	m.mx.Lock()
	if m.closed {
		m.mx.Unlock()
		return
	}
	m.queue = append(m.queue, msg)
	m.mx.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox) close() {
	m.stopped.Do(func() {
		m.mx.Lock()
		m.closed = true
		m.mx.Unlock()
		close(m.done)
	})
}

func (m *mailbox) pump() {
	defer close(m.out)
	for {
		m.mx.Lock()
		var next Message
		ready := len(m.queue) > 0
		if ready {
			next = m.queue[0]
			m.queue = m.queue[1:]
		}
		m.mx.Unlock()

		if !ready {
			select {
			case <-m.notify:
				continue
			case <-m.done:
				return
			}
		}

		select {
		case m.out <- next:
		case <-m.done:
			return
		}
	}
}

// LogObserver writes every publication to a logger at debug level.
type LogObserver struct {
	Logger log.Log
}

func (o LogObserver) OnPublish(channel string, msg Message) {
	o.Logger.Debug("bus publish", log.String("channel", channel), log.String("message", msg.String()))
}

func (o LogObserver) OnDelivered(channel string, msg Message, handlers int, err error) {
	if err != nil {
		o.Logger.Warn("bus handler failed",
			log.String("channel", channel),
			log.String("message", msg.String()),
			log.Int("handlers", handlers),
			log.Error(err))
	}
}
