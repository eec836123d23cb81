package bus

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/a2aflow/host/internal/common/logger"
	"github.com/a2aflow/host/internal/observability/metrics"
)

// mailboxSize bounds how many events queue behind a slow subscriber before
// the bus starts coalescing or dropping.
const mailboxSize = 256

// slowSubscriberTimeout is how long a subscriber's mailbox may stay
// non-empty without draining before the bus evicts it.
const slowSubscriberTimeout = 10 * time.Second

// MemoryEventBus implements EventBus using in-memory channels.
type MemoryEventBus struct {
	subscriptions map[string][]*memorySubscription
	queues        map[string]*queueGroup // For queue subscriptions
	classifier    Classifier
	mu            sync.RWMutex
	logger        *logger.Logger
	metrics       *metrics.Registry
	closed        bool
}

// memorySubscription represents an in-memory subscription.
type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	pattern *regexp.Regexp // For wildcard matching
	handler EventHandler
	queue   string // Empty for regular subscriptions

	mailbox chan *Event
	stop    chan struct{}

	mu          sync.Mutex
	active      bool
	pendingSet  map[string]*Event // coalescable events waiting on a full mailbox, by type
	oldestSince time.Time
}

// queueGroup manages load balancing for queue subscriptions.
type queueGroup struct {
	subscribers []*memorySubscription
	nextIndex   int
	mu          sync.Mutex
}

// Unsubscribe removes the subscription.
func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.mu.Unlock()
	close(s.stop)

	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()

	if subs, ok := s.bus.subscriptions[s.subject]; ok {
		for i, sub := range subs {
			if sub == s {
				s.bus.subscriptions[s.subject] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
	}

	if s.queue != "" {
		queueKey := s.queue + ":" + s.subject
		if qg, ok := s.bus.queues[queueKey]; ok {
			qg.mu.Lock()
			for i, sub := range qg.subscribers {
				if sub == s {
					qg.subscribers = append(qg.subscribers[:i], qg.subscribers[i+1:]...)
					break
				}
			}
			qg.mu.Unlock()
		}
	}

	return nil
}

// IsValid returns whether the subscription is still active.
func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// run drains the mailbox sequentially, preserving per-subscriber ordering.
func (s *memorySubscription) run() {
	for {
		select {
		case <-s.stop:
			return
		case e := <-s.mailbox:
			s.noteDrained()
			if err := s.handler(context.Background(), e); err != nil {
				s.bus.logger.Error("event handler error",
					zap.String("subject", s.subject), zap.Error(err))
			}
		}
	}
}

func (s *memorySubscription) noteEnqueued() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.oldestSince.IsZero() {
		s.oldestSince = time.Now()
	}
}

func (s *memorySubscription) noteDrained() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mailbox) == 0 {
		s.oldestSince = time.Time{}
	}
}

// isStalled reports whether the mailbox has been non-empty longer than
// slowSubscriberTimeout, the eviction trigger.
func (s *memorySubscription) isStalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.oldestSince.IsZero() && time.Since(s.oldestSince) > slowSubscriberTimeout
}

// NewMemoryEventBus creates a new in-memory event bus with default
// (no-op) event classification and no metrics.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return NewMemoryEventBusWithClassifier(log, Classifier{})
}

// NewMemoryEventBusWithClassifier creates a bus that applies classifier when
// deciding how to handle a full subscriber mailbox.
func NewMemoryEventBusWithClassifier(log *logger.Logger, classifier Classifier) *MemoryEventBus {
	return &MemoryEventBus{
		subscriptions: make(map[string][]*memorySubscription),
		queues:        make(map[string]*queueGroup),
		classifier:    classifier,
		logger:        log,
	}
}

// WithMetrics attaches a metrics registry, recording every publish and every
// drop (spec observability supplement). Returns b for chaining at
// construction time.
func (b *MemoryEventBus) WithMetrics(reg *metrics.Registry) *MemoryEventBus {
	b.metrics = reg
	return b
}

func (b *MemoryEventBus) isTerminal(eventType string) bool {
	return b.classifier.IsTerminal != nil && b.classifier.IsTerminal(eventType)
}

func (b *MemoryEventBus) isCoalescable(eventType string) bool {
	return b.classifier.IsCoalescable != nil && b.classifier.IsCoalescable(eventType)
}

// Publish sends an event to all matching subscribers. Delivery is
// at-most-once per subscriber: a full mailbox coalesces (if the event type
// allows it), force-delivers (if terminal), or drops the event, logging the
// drop either way.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	deliveredQueues := make(map[string]bool)

	for pattern, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			active := sub.active
			sub.mu.Unlock()
			if !active {
				continue
			}
			if !b.matches(subject, pattern, sub.pattern) {
				continue
			}

			if sub.queue != "" {
				queueKey := sub.queue + ":" + pattern
				if !deliveredQueues[queueKey] {
					deliveredQueues[queueKey] = true
					b.publishToQueue(queueKey, subject, event)
				}
				continue
			}

			b.deliver(sub, subject, event)
		}
	}

	b.evictStalled()

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	b.metrics.RecordBusPublish(event.Type)

	return nil
}

// deliver attempts a non-blocking send into sub's mailbox, applying
// coalescing/terminal-delivery/drop policy when the mailbox is full.
func (b *MemoryEventBus) deliver(sub *memorySubscription, subject string, event *Event) {
	select {
	case sub.mailbox <- event:
		sub.noteEnqueued()
		return
	default:
	}

	if b.isCoalescable(event.Type) {
		b.coalesce(sub, event)
		return
	}

	if b.isTerminal(event.Type) {
		// Non-droppable: block briefly off the publish path rather than
		// discard a terminal event (message_complete, final_response, etc).
		go func() {
			select {
			case sub.mailbox <- event:
				sub.noteEnqueued()
			case <-time.After(slowSubscriberTimeout):
				b.logger.Warn("terminal event undeliverable, evicting subscriber",
					zap.String("subject", subject), zap.String("event_type", event.Type))
				_ = sub.Unsubscribe()
			case <-sub.stop:
			}
		}()
		return
	}

	b.logger.Warn("dropping event: subscriber mailbox full",
		zap.String("subject", subject), zap.String("event_type", event.Type))
	b.metrics.RecordBusDrop(event.Type)
}

// coalesce keeps at most one pending instance of a coalescable event type per
// subscriber, replacing the previous instance rather than growing the
// mailbox.
func (b *MemoryEventBus) coalesce(sub *memorySubscription, event *Event) {
	sub.mu.Lock()
	if sub.pendingSet == nil {
		sub.pendingSet = make(map[string]*Event)
	}
	_, hadPending := sub.pendingSet[event.Type]
	sub.pendingSet[event.Type] = event
	sub.mu.Unlock()

	if hadPending {
		// A newer instance of this type is already tracked for this
		// subscriber; it replaces the stale one when the mailbox next
		// has room, via the background retry below.
		return
	}

	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		deadline := time.After(slowSubscriberTimeout)
		for {
			select {
			case <-sub.stop:
				return
			case <-deadline:
				sub.mu.Lock()
				delete(sub.pendingSet, event.Type)
				sub.mu.Unlock()
				return
			case <-ticker.C:
				sub.mu.Lock()
				latest := sub.pendingSet[event.Type]
				sub.mu.Unlock()
				if latest == nil {
					return
				}
				select {
				case sub.mailbox <- latest:
					sub.noteEnqueued()
					sub.mu.Lock()
					if sub.pendingSet[event.Type] == latest {
						delete(sub.pendingSet, event.Type)
					}
					sub.mu.Unlock()
					return
				default:
				}
			}
		}
	}()
}

// evictStalled removes subscribers whose mailbox has been stuck non-empty
// past slowSubscriberTimeout.
func (b *MemoryEventBus) evictStalled() {
	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			if sub.isStalled() {
				b.logger.Warn("evicting slow subscriber", zap.String("subject", sub.subject))
				go func(s *memorySubscription) { _ = s.Unsubscribe() }(sub)
			}
		}
	}
}

func newMemorySubscription(bus *MemoryEventBus, subject, queue string, handler EventHandler) *memorySubscription {
	sub := &memorySubscription{
		bus:     bus,
		subject: subject,
		pattern: compilePattern(subject),
		handler: handler,
		queue:   queue,
		active:  true,
		mailbox: make(chan *Event, mailboxSize),
		stop:    make(chan struct{}),
	}
	go sub.run()
	return sub
}

// Subscribe creates a subscription to a subject pattern.
func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := newMemorySubscription(b, subject, "", handler)
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	b.logger.Info("subscribed to subject", zap.String("subject", subject))
	return sub, nil
}

// QueueSubscribe creates a queue subscription for load balancing. Only one
// subscriber in the queue group receives each message.
func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, fmt.Errorf("event bus is closed")
	}

	sub := newMemorySubscription(b, subject, queue, handler)
	b.subscriptions[subject] = append(b.subscriptions[subject], sub)

	queueKey := queue + ":" + subject
	if _, ok := b.queues[queueKey]; !ok {
		b.queues[queueKey] = &queueGroup{subscribers: make([]*memorySubscription, 0)}
	}
	b.queues[queueKey].subscribers = append(b.queues[queueKey].subscribers, sub)

	b.logger.Info("queue subscribed to subject",
		zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Request sends a request and waits for a response.
func (b *MemoryEventBus) Request(ctx context.Context, subject string, event *Event, timeout time.Duration) (*Event, error) {
	replySubject := fmt.Sprintf("_INBOX.%s", event.ID)

	responseChan := make(chan *Event, 1)

	sub, err := b.Subscribe(replySubject, func(ctx context.Context, e *Event) error {
		responseChan <- e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create reply subscription: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	if event.Data == nil {
		event.Data = make(map[string]interface{})
	}
	event.Data["_reply"] = replySubject

	if err := b.Publish(ctx, subject, event); err != nil {
		return nil, fmt.Errorf("failed to publish request: %w", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case response := <-responseChan:
		return response, nil
	case <-timeoutCtx.Done():
		return nil, fmt.Errorf("request timeout after %v", timeout)
	}
}

// Close closes the event bus.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true

	for _, subs := range b.subscriptions {
		for _, sub := range subs {
			sub.mu.Lock()
			if sub.active {
				sub.active = false
				close(sub.stop)
			}
			sub.mu.Unlock()
		}
	}

	b.subscriptions = make(map[string][]*memorySubscription)
	b.queues = make(map[string]*queueGroup)

	b.logger.Info("memory event bus closed")
}

// IsConnected returns true (always connected for in-memory).
func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

// matches checks if a subject matches a pattern. Supports NATS-style
// wildcards: * (single token) and > (multiple tokens).
func (b *MemoryEventBus) matches(subject, pattern string, regex *regexp.Regexp) bool {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return subject == pattern
	}
	if regex != nil {
		return regex.MatchString(subject)
	}
	return false
}

// compilePattern converts a NATS-style pattern to a regex.
func compilePattern(pattern string) *regexp.Regexp {
	if !strings.Contains(pattern, "*") && !strings.Contains(pattern, ">") {
		return nil
	}

	escaped := regexp.QuoteMeta(pattern)
	escaped = strings.ReplaceAll(escaped, `\*`, `[^.]+`)
	// QuoteMeta leaves '>' unescaped, so any '>' left is the original wildcard.
	escaped = strings.ReplaceAll(escaped, ">", `.+`)
	escaped = "^" + escaped + "$"

	regex, err := regexp.Compile(escaped)
	if err != nil {
		return nil
	}
	return regex
}

// publishToQueue delivers to one subscriber in the queue group (round-robin).
func (b *MemoryEventBus) publishToQueue(queueKey, subject string, event *Event) {
	qg, ok := b.queues[queueKey]
	if !ok {
		return
	}

	qg.mu.Lock()
	defer qg.mu.Unlock()

	if len(qg.subscribers) == 0 {
		return
	}

	startIndex := qg.nextIndex
	for i := 0; i < len(qg.subscribers); i++ {
		idx := (startIndex + i) % len(qg.subscribers)
		sub := qg.subscribers[idx]

		sub.mu.Lock()
		active := sub.active
		sub.mu.Unlock()

		if active {
			qg.nextIndex = (idx + 1) % len(qg.subscribers)
			b.deliver(sub, subject, event)
			return
		}
	}
}
