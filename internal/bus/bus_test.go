package bus

import (
	"context"
	"testing"

	"github.com/marianmeres/steve/internal/domain"
	"github.com/stretchr/testify/assert"
)

func testJob(typ string) *domain.Job {
	return &domain.Job{UID: "uid-" + typ, Type: typ, Status: domain.StatusRunning}
}

func TestBus_PublishByType(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	var emails, webhooks int
	b.Subscribe("email", func(*domain.Job) { emails++ })
	b.Subscribe("webhook", func(*domain.Job) { webhooks++ })

	b.Publish(ctx, testJob("email"))
	b.Publish(ctx, testJob("email"))
	b.Publish(ctx, testJob("webhook"))

	assert.Equal(t, 2, emails)
	assert.Equal(t, 1, webhooks)
}

func TestBus_WildcardReceivesAllTypes(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	var all []string
	b.Subscribe(Wildcard, func(j *domain.Job) { all = append(all, j.Type) })

	b.Publish(ctx, testJob("a"))
	b.Publish(ctx, testJob("b"))

	assert.Equal(t, []string{"a", "b"}, all)
}

func TestBus_DedupKeepsSingleSubscription(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	calls := 0
	fn := func(*domain.Job) { calls++ }
	b.Subscribe("email", fn)
	b.Subscribe("email", fn)

	assert.Equal(t, 1, b.SubscriberCount("email"))
	b.Publish(ctx, testJob("email"))
	assert.Equal(t, 1, calls)
}

func TestBus_DedupKeepsDistinctClosuresFromOneLiteral(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	// Subscribing in a loop produces closures sharing one code pointer but
	// carrying different captured state; each must get its own subscription.
	counts := make([]int, 2)
	for i := range counts {
		b.Subscribe("email", func(*domain.Job) { counts[i]++ })
	}

	assert.Equal(t, 2, b.SubscriberCount("email"))
	b.Publish(ctx, testJob("email"))
	assert.Equal(t, []int{1, 1}, counts)
}

func TestBus_DedupDisabled(t *testing.T) {
	b := New(false, nil)

	fn := func(*domain.Job) {}
	b.Subscribe("email", fn)
	b.Subscribe("email", fn)

	assert.Equal(t, 2, b.SubscriberCount("email"))
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	calls := 0
	unsub := b.Subscribe("email", func(*domain.Job) { calls++ })

	b.Publish(ctx, testJob("email"))
	unsub()
	unsub() // second call is a no-op
	b.Publish(ctx, testJob("email"))

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.SubscriberCount("email"))
}

func TestBus_PanickingSubscriberDoesNotPropagate(t *testing.T) {
	b := New(true, nil)
	ctx := context.Background()

	after := 0
	b.Subscribe("email", func(*domain.Job) { panic("boom") })
	b.Subscribe("email", func(*domain.Job) { after++ })

	assert.NotPanics(t, func() { b.Publish(ctx, testJob("email")) })
	assert.Equal(t, 1, after)
}

func TestUIDRegistry_InvokeAndRemove(t *testing.T) {
	r := NewUIDRegistry(nil)
	ctx := context.Background()
	job := testJob("email")

	calls := 0
	r.Add(job.UID, func(*domain.Job) { calls++ })
	assert.Equal(t, 1, r.Len())

	r.InvokeAndRemove(ctx, job)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, r.Len())

	// Entry is gone; further invocations are no-ops.
	r.InvokeAndRemove(ctx, job)
	assert.Equal(t, 1, calls)
}

func TestUIDRegistry_InvokeKeepsEntry(t *testing.T) {
	r := NewUIDRegistry(nil)
	ctx := context.Background()
	job := testJob("email")

	calls := 0
	r.Add(job.UID, func(*domain.Job) { calls++ })

	r.Invoke(ctx, job)
	r.Invoke(ctx, job)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, r.Len())
}

func TestUIDRegistry_DedupAndRemove(t *testing.T) {
	r := NewUIDRegistry(nil)

	fn := func(*domain.Job) {}
	r.Add("u1", fn)
	r.Add("u1", fn)
	assert.Equal(t, 1, r.Len())

	r.Remove("u1")
	assert.Equal(t, 0, r.Len())
}

func TestUIDRegistry_KeepsDistinctClosuresFromOneLiteral(t *testing.T) {
	r := NewUIDRegistry(nil)
	ctx := context.Background()
	job := testJob("email")

	counts := make([]int, 2)
	for i := range counts {
		r.Add(job.UID, func(*domain.Job) { counts[i]++ })
	}

	r.InvokeAndRemove(ctx, job)
	assert.Equal(t, []int{1, 1}, counts)
	assert.Equal(t, 0, r.Len())
}

func TestUIDRegistry_PanicRecovered(t *testing.T) {
	r := NewUIDRegistry(nil)
	ctx := context.Background()
	job := testJob("email")

	r.Add(job.UID, func(*domain.Job) { panic("boom") })
	assert.NotPanics(t, func() { r.InvokeAndRemove(ctx, job) })
}
