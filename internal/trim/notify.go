package trim

import (
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/heimdex/heimdex-trim/internal/metrics"
	"github.com/heimdex/heimdex-trim/internal/mux"
)

// Kind distinguishes notification variants.
type Kind string

const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindCancelled Kind = "cancelled"
)

// Terminal reports whether k ends a session.
func (k Kind) Terminal() bool {
	return k == KindCompleted || k == KindFailed || k == KindCancelled
}

// Notification is one entry of the export notification stream.
type Notification struct {
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	Time      time.Time   `json:"time"`
	Range     TimeRange   `json:"range"`
	Position  float64     `json:"position,omitempty"`
	Container string      `json:"container,omitempty"` // set on terminal notifications
	Output    *mux.Output `json:"-"`
	Filename  string      `json:"filename,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Err       error       `json:"-"`
}

// Notifier receives notifications on the event loop. Implementations must
// not block.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(n Notification)

// Notify calls f(n).
func (f NotifierFunc) Notify(n Notification) { f(n) }

const (
	DefaultProgressRate  = 10
	subscriptionCapacity = 64
)

// Bus fans notifications out to subscribers. Progress is rate limited and
// dropped for subscribers that fall behind; terminal notifications are
// always queued.
type Bus struct {
	mu       sync.Mutex
	subs     map[*Subscription]struct{}
	progress *rate.Limiter
	logger   *slog.Logger
}

// NewBus creates a bus that forwards at most progressHz progress
// notifications per second.
func NewBus(progressHz float64, logger *slog.Logger) *Bus {
	if progressHz <= 0 {
		progressHz = DefaultProgressRate
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		progress: rate.NewLimiter(rate.Limit(progressHz), 1),
		logger:   logger,
	}
}

// Notify publishes n to every subscriber without blocking.
func (b *Bus) Notify(n Notification) {
	if n.Kind == KindProgress && !b.progress.AllowN(n.Time, 1) {
		return
	}

	b.mu.Lock()
	subs := make([]*Subscription, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		if !s.enqueue(n) {
			metrics.IncNotificationDrop(string(n.Kind))
			if b.logger != nil {
				b.logger.Debug("notification dropped for slow subscriber", "kind", n.Kind, "session_id", n.SessionID)
			}
		}
	}
}

// Subscribe registers a new subscriber. Close it when done.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus:    b,
		signal: make(chan struct{}, 1),
		out:    make(chan Notification),
		done:   make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()

	go s.forward()
	return s
}

// Subscribers returns the number of open subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Subscription delivers notifications in publish order on C.
type Subscription struct {
	bus *Bus

	mu     sync.Mutex
	queue  []Notification
	signal chan struct{}
	out    chan Notification
	done   chan struct{}
	once   sync.Once
}

// C returns the delivery channel. It is closed after Close.
func (s *Subscription) C() <-chan Notification { return s.out }

// Close unsubscribes and stops delivery. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.done)
	})
}

func (s *Subscription) enqueue(n Notification) bool {
	s.mu.Lock()
	if n.Kind == KindProgress && len(s.queue) >= subscriptionCapacity {
		s.mu.Unlock()
		return false
	}
	s.queue = append(s.queue, n)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
	return true
}

func (s *Subscription) forward() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var next *Notification
		if len(s.queue) > 0 {
			n := s.queue[0]
			s.queue = s.queue[1:]
			next = &n
		}
		s.mu.Unlock()

		if next == nil {
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- *next:
		case <-s.done:
			return
		}
	}
}
