package steve

import (
	"log/slog"
	"os"

	"github.com/marianmeres/steve/internal/bus"
)

// TopicAll subscribes to events for every job type.
const TopicAll = bus.Wildcard

// JobCallback receives the job row as of the event. Callbacks run on the
// worker goroutine that produced the event; panics are recovered and logged.
type JobCallback func(job *Job)

// OnDone subscribes fn to terminal events (completed or failed) for the given
// job types, or for all types when none are given. The returned function
// unsubscribes; calling it twice is a no-op.
func (m *Manager) OnDone(fn JobCallback, jobTypes ...string) (unsubscribe func()) {
	return subscribeAll(m.doneBus, fn, jobTypes)
}

// OnAttempt subscribes fn to per-attempt events for the given job types, or
// for all types when none are given. Each attempt produces two events: one
// with the row in running state before the handler runs, one with the updated
// row after the attempt settles.
func (m *Manager) OnAttempt(fn JobCallback, jobTypes ...string) (unsubscribe func()) {
	return subscribeAll(m.attemptBus, fn, jobTypes)
}

// OnDoneFor registers a one-shot callback for a single job UID, fired when
// that job reaches a terminal state and discarded afterwards.
func (m *Manager) OnDoneFor(uid string, fn JobCallback) {
	m.uidDone.Add(uid, bus.Callback(fn))
}

// OnAttemptFor registers a callback for every attempt event of a single job
// UID. The registration is discarded when the job reaches a terminal state.
func (m *Manager) OnAttemptFor(uid string, fn JobCallback) {
	m.uidAttempt.Add(uid, bus.Callback(fn))
}

func subscribeAll(b *bus.Bus, fn JobCallback, jobTypes []string) func() {
	if len(jobTypes) == 0 {
		jobTypes = []string{bus.Wildcard}
	}
	unsubs := make([]func(), 0, len(jobTypes))
	for _, jobType := range jobTypes {
		unsubs = append(unsubs, b.Subscribe(jobType, bus.Callback(fn)))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func defaultLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, nil))
}
