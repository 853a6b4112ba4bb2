// Package bus provides the in-process dispatchers that bridge job state
// changes to subscribers: a topic bus keyed by job type and a per-UID
// one-shot callback registry.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"unsafe"

	"github.com/marianmeres/steve/internal/domain"
)

// Wildcard subscribes to events for every job type. It is never treated as a
// literal type.
const Wildcard = "*"

// Callback receives the job row as of the event. Subscribers observe state
// changes by reading job.Status on each invocation.
type Callback func(job *domain.Job)

// callbackKey identifies a callback by its func value's data word, the
// pointer to the closure object. Two closures created from the same literal
// carry distinct captured state and must stay distinct subscriptions; the
// code pointer (reflect.Value.Pointer) would collapse them. The same func
// value passed twice yields the same word.
func callbackKey(fn Callback) uintptr {
	return uintptr(*(*unsafe.Pointer)(unsafe.Pointer(&fn)))
}

type subscription struct {
	fn  Callback
	key uintptr
	id  uint64
}

// Bus is a topic-keyed dispatcher. Callbacks run on the publishing
// goroutine; panics inside callbacks are recovered and logged, never
// propagated back into the worker.
type Bus struct {
	mu     sync.Mutex
	topics map[string][]subscription
	dedup  bool
	nextID uint64
	logger *slog.Logger
}

// New creates a bus. With dedup enabled, subscribing the same function to the
// same topic twice keeps a single active subscription.
func New(dedup bool, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		topics: make(map[string][]subscription),
		dedup:  dedup,
		logger: logger,
	}
}

// Subscribe registers fn for the given topic and returns an unsubscriber.
// Unsubscribing twice is a no-op.
func (b *Bus) Subscribe(topic string, fn Callback) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := callbackKey(fn)
	if b.dedup {
		for _, sub := range b.topics[topic] {
			if sub.key == key {
				id := sub.id
				return func() { b.remove(topic, id) }
			}
		}
	}

	b.nextID++
	id := b.nextID
	b.topics[topic] = append(b.topics[topic], subscription{fn: fn, key: key, id: id})
	return func() { b.remove(topic, id) }
}

func (b *Bus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.topics[topic]
	for i, sub := range subs {
		if sub.id == id {
			b.topics[topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Publish invokes all subscribers of the job's type plus wildcard
// subscribers, in subscription order.
func (b *Bus) Publish(ctx context.Context, job *domain.Job) {
	b.mu.Lock()
	subs := make([]subscription, 0, len(b.topics[job.Type])+len(b.topics[Wildcard]))
	subs = append(subs, b.topics[job.Type]...)
	if job.Type != Wildcard {
		subs = append(subs, b.topics[Wildcard]...)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		b.invoke(ctx, sub.fn, job)
	}
}

// SubscriberCount returns the number of active subscriptions for a topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

func (b *Bus) invoke(ctx context.Context, fn Callback, job *domain.Job) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.ErrorContext(ctx, "subscriber callback panicked",
				"job_uid", job.UID,
				"job_type", job.Type,
				"panic", r)
		}
	}()
	fn(job)
}

// UIDRegistry maps job UIDs to callback sets. Entries are removed when the
// job reaches a terminal done state; jobs that never terminate leak their
// entries (the host crashed mid-execution), which is accepted.
type UIDRegistry struct {
	mu     sync.Mutex
	m      map[string][]subscription
	nextID uint64
	logger *slog.Logger
}

// NewUIDRegistry creates an empty registry.
func NewUIDRegistry(logger *slog.Logger) *UIDRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &UIDRegistry{m: make(map[string][]subscription), logger: logger}
}

// Add registers a callback for the given UID. Registering the same function
// twice for one UID keeps a single entry.
func (r *UIDRegistry) Add(uid string, fn Callback) {
	if fn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := callbackKey(fn)
	for _, sub := range r.m[uid] {
		if sub.key == key {
			return
		}
	}
	r.nextID++
	r.m[uid] = append(r.m[uid], subscription{fn: fn, key: key, id: r.nextID})
}

// Invoke calls all callbacks registered for the UID, keeping them registered.
func (r *UIDRegistry) Invoke(ctx context.Context, job *domain.Job) {
	r.mu.Lock()
	subs := append([]subscription(nil), r.m[job.UID]...)
	r.mu.Unlock()

	for _, sub := range subs {
		r.invoke(ctx, sub.fn, job)
	}
}

// InvokeAndRemove calls all callbacks registered for the UID and clears the
// entry.
func (r *UIDRegistry) InvokeAndRemove(ctx context.Context, job *domain.Job) {
	r.mu.Lock()
	subs := r.m[job.UID]
	delete(r.m, job.UID)
	r.mu.Unlock()

	for _, sub := range subs {
		r.invoke(ctx, sub.fn, job)
	}
}

// Remove clears all callbacks for the UID without invoking them.
func (r *UIDRegistry) Remove(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, uid)
}

// Len returns the number of UIDs with registered callbacks.
func (r *UIDRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

func (r *UIDRegistry) invoke(ctx context.Context, fn Callback, job *domain.Job) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "per-job callback panicked",
				"job_uid", job.UID,
				"panic", rec)
		}
	}()
	fn(job)
}
