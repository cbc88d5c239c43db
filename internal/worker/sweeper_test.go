package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshvale/storesync/internal/sync/queue"
)

func newSweepWorker(jobs *fakeJobs, fi *fakeIdentity, pub *fakePublisher) *Worker {
	return &Worker{
		logger:           slog.New(slog.NewTextHandler(io.Discard, nil)),
		jobs:             jobs,
		identity:         fi,
		publisher:        pub,
		claimTimeout:     5 * time.Minute,
		reservationTTL:   15 * time.Minute,
		webhookRetention: 30 * 24 * time.Hour,
	}
}

func TestSweepQueue_RepublishesWakeHints(t *testing.T) {
	jobs := newFakeJobs()
	jobs.requeueIDs = []string{"job-due-1", "job-due-2"}
	jobs.canceled = 1
	jobs.staleClaimIDs = []string{"job-stale-1"}

	fi := newFakeIdentity()
	fi.staleReservations = 2

	pub := &fakePublisher{}
	w := newSweepWorker(jobs, fi, pub)

	w.sweepQueue(context.Background())

	require.Equal(t, 3, pub.count())
	bodies := ""
	for _, p := range pub.published {
		assert.Equal(t, queue.RoutingKeyJobWake, p.routingKey)
		bodies += p.body
	}
	assert.Contains(t, bodies, "job-due-1")
	assert.Contains(t, bodies, "job-due-2")
	assert.Contains(t, bodies, "job-stale-1")
}

func TestSweepQueue_RepublishesLostWakeups(t *testing.T) {
	jobs := newFakeJobs()
	jobs.dueWakeupIDs = []string{"job-forgotten-1"}

	pub := &fakePublisher{}
	w := newSweepWorker(jobs, newFakeIdentity(), pub)

	w.sweepQueue(context.Background())

	// A pending job nobody claimed gets its hint published again.
	require.Equal(t, 1, pub.count())
	assert.Equal(t, queue.RoutingKeyJobWake, pub.published[0].routingKey)
	assert.Contains(t, pub.published[0].body, "job-forgotten-1")
}

func TestSweepQueue_StepsAreIndependent(t *testing.T) {
	jobs := newFakeJobs()
	jobs.requeueErr = errors.New("deadlock detected")
	jobs.staleClaimIDs = []string{"job-stale-1"}

	pub := &fakePublisher{}
	w := newSweepWorker(jobs, newFakeIdentity(), pub)

	w.sweepQueue(context.Background())

	// The failed requeue step must not stop stale claim recovery.
	require.Equal(t, 1, pub.count())
	assert.Contains(t, pub.published[0].body, "job-stale-1")
}

func TestSweepRetention_PurgesByConfiguredAge(t *testing.T) {
	events := &fakeEvents{purged: 7}
	w := newSweepWorker(newFakeJobs(), newFakeIdentity(), &fakePublisher{})
	w.events = events

	w.sweepRetention(context.Background())

	assert.Equal(t, w.webhookRetention, events.age)
}
