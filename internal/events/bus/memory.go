package bus

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/adsproject/ads/internal/common/logger"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("event bus is closed")

// MemoryBus is the single-process EventBus. Handlers run on their own
// goroutines so a slow subscriber cannot stall the publisher.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   []*memorySub
	queues map[string]*queueGroup
	closed bool
	logger *logger.Logger
}

type memorySub struct {
	bus     *MemoryBus
	subject string
	pattern *regexp.Regexp
	handler Handler
	queue   string

	mu     sync.Mutex
	active bool
}

// queueGroup round-robins deliveries across its members.
type queueGroup struct {
	mu      sync.Mutex
	members []*memorySub
	next    int
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		queues: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "memory_bus")),
	}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	delivered := make(map[string]bool) // queue groups already served
	for _, sub := range b.subs {
		if !sub.IsValid() || !sub.matches(subject) {
			continue
		}
		if sub.queue != "" {
			key := sub.queue + ":" + sub.subject
			if !delivered[key] {
				delivered[key] = true
				b.deliverToQueue(ctx, key, subject, event)
			}
			continue
		}
		go b.deliver(ctx, sub, subject, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryBus) QueueSubscribe(subject, queue string, handler Handler) (Subscription, error) {
	if queue == "" {
		return nil, errors.New("queue name is required")
	}
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryBus) subscribe(subject, queue string, handler Handler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{
		bus:     b,
		subject: subject,
		pattern: compileSubject(subject),
		handler: handler,
		queue:   queue,
		active:  true,
	}
	b.subs = append(b.subs, sub)

	if queue != "" {
		key := queue + ":" + subject
		group, ok := b.queues[key]
		if !ok {
			group = &queueGroup{}
			b.queues[key] = group
		}
		group.members = append(group.members, sub)
	}
	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
}

func (b *MemoryBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func (b *MemoryBus) deliver(ctx context.Context, sub *memorySub, subject string, event *Event) {
	if err := sub.handler(ctx, event); err != nil {
		b.logger.Error("event handler failed",
			zap.String("subject", subject),
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

// deliverToQueue hands the event to the next active member of the group.
func (b *MemoryBus) deliverToQueue(ctx context.Context, key, subject string, event *Event) {
	group, ok := b.queues[key]
	if !ok {
		return
	}
	group.mu.Lock()
	defer group.mu.Unlock()

	for i := 0; i < len(group.members); i++ {
		idx := (group.next + i) % len(group.members)
		member := group.members[idx]
		if member.IsValid() {
			group.next = (idx + 1) % len(group.members)
			go b.deliver(ctx, member, subject, event)
			return
		}
	}
}

func (s *memorySub) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	for i, sub := range s.bus.subs {
		if sub == s {
			s.bus.subs = append(s.bus.subs[:i], s.bus.subs[i+1:]...)
			break
		}
	}
	if s.queue != "" {
		if group, ok := s.bus.queues[s.queue+":"+s.subject]; ok {
			group.mu.Lock()
			for i, member := range group.members {
				if member == s {
					group.members = append(group.members[:i], group.members[i+1:]...)
					break
				}
			}
			group.mu.Unlock()
		}
	}
	return nil
}

func (s *memorySub) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *memorySub) matches(subject string) bool {
	if s.pattern == nil {
		return subject == s.subject
	}
	return s.pattern.MatchString(subject)
}

// compileSubject turns a NATS-style pattern into a regexp. Literal subjects
// return nil and are matched by equality.
func compileSubject(pattern string) *regexp.Regexp {
	if !strings.ContainsAny(pattern, "*>") {
		return nil
	}
	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	escaped = strings.ReplaceAll(escaped, `>`, `.+`)
	re, err := regexp.Compile("^" + escaped + "$")
	if err != nil {
		return nil
	}
	return re
}
