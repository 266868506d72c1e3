package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dalbodeule/hop-call/internal/store"
)

// recordingStore keeps audit records in memory.
type recordingStore struct {
	mu       sync.Mutex
	started  []store.SessionRecord
	finished []store.SessionRecord
}

func (r *recordingStore) SessionStarted(_ context.Context, rec store.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, rec)
	return nil
}

func (r *recordingStore) SessionFinished(_ context.Context, rec store.SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, rec)
	return nil
}

func (r *recordingStore) Close() error { return nil }

func (r *recordingStore) finishedRecords() []store.SessionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]store.SessionRecord(nil), r.finished...)
}

func waitHandle(t *testing.T, h *Handle) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := h.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "session did not finish")
	return err
}

func TestSupervisorRejectsOverCapacity(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &recordingStore{}
	sv := NewSupervisor(ctx, nil, st, 1, time.Minute)

	offerer := withCandidate(t, newSession(t, RoleOfferer, nil))
	answerer := withCandidate(t, newSession(t, RoleAnswerer, nil))
	negotiatePair(t, offerer, answerer)

	h, err := sv.Start(offerer)
	require.NoError(t, err)
	assert.Equal(t, offerer.ID(), h.ID())
	assert.NoError(t, h.Err(), "no result before the session ends")

	_, err = sv.Start(answerer)
	assert.ErrorIs(t, err, ErrTooManySessions)

	cancel()
	assert.NoError(t, waitHandle(t, h))
	sv.Wait()

	recs := st.finishedRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, offerer.ID(), recs[0].ID)
	assert.Equal(t, string(RoleOfferer), recs[0].Role)
	assert.Equal(t, store.ResultDisconnected, recs[0].Result)
	assert.False(t, recs[0].EndedAt.Before(recs[0].StartedAt))
}

func TestSupervisorIsolatesFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	st := &recordingStore{}
	sv := NewSupervisor(ctx, nil, st, 2, time.Minute)

	healthy := withCandidate(t, newSession(t, RoleOfferer, nil))
	peer := withCandidate(t, newSession(t, RoleAnswerer, nil))
	negotiatePair(t, healthy, peer)
	running, err := sv.Start(healthy)
	require.NoError(t, err)

	// an idle session cannot run, so its driver fails right away.
	broken := newSession(t, RoleOfferer, nil)
	failed, err := sv.Start(broken)
	require.NoError(t, err)
	assert.ErrorIs(t, waitHandle(t, failed), ErrInvalidState)
	assert.ErrorIs(t, failed.Err(), ErrInvalidState)

	select {
	case <-running.Done():
		t.Fatal("healthy session stopped because another one failed")
	default:
	}
	assert.Eventually(t, func() bool { return healthy.State() == StateRunning }, 5*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, waitHandle(t, running))
	sv.Wait()

	results := map[string]string{}
	for _, rec := range st.finishedRecords() {
		results[rec.ID] = rec.Result
	}
	assert.Equal(t, store.ResultFailed, results[broken.ID()])
	assert.Equal(t, store.ResultDisconnected, results[healthy.ID()])
}

func TestSupervisorParkAndClaim(t *testing.T) {
	sv := NewSupervisor(context.Background(), nil, nil, 4, time.Minute)
	s := newSession(t, RoleOfferer, nil)

	require.NoError(t, sv.Park(s))
	assert.Equal(t, 1, sv.Parked())

	got, err := sv.Claim(s.ID())
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Zero(t, sv.Parked())

	_, err = sv.Claim(s.ID())
	assert.ErrorIs(t, err, ErrUnknownSession, "a parked offer is claimed once")
	assert.Equal(t, StateIdle, s.State(), "claiming does not close the session")
}

func TestSupervisorParkLimit(t *testing.T) {
	sv := NewSupervisor(context.Background(), nil, nil, 1, time.Minute)
	require.NoError(t, sv.Park(newSession(t, RoleOfferer, nil)))
	assert.ErrorIs(t, sv.Park(newSession(t, RoleOfferer, nil)), ErrTooManySessions)
	sv.Wait()
	assert.Zero(t, sv.Parked())
}

func TestSupervisorExpiresParkedOffer(t *testing.T) {
	sv := NewSupervisor(context.Background(), nil, nil, 4, 20*time.Millisecond)
	s := withCandidate(t, newSession(t, RoleOfferer, nil))
	_, err := s.CreateOffer()
	require.NoError(t, err)

	require.NoError(t, sv.Park(s))
	assert.Eventually(t, func() bool {
		return sv.Parked() == 0 && s.State() == StateClosed
	}, 2*time.Second, 10*time.Millisecond)

	_, err = sv.Claim(s.ID())
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSupervisorWaitClosesParkedSessions(t *testing.T) {
	sv := NewSupervisor(context.Background(), nil, nil, 4, time.Minute)
	s := newSession(t, RoleOfferer, nil)
	require.NoError(t, sv.Park(s))

	sv.Wait()
	assert.Equal(t, StateClosed, s.State())
	assert.Zero(t, sv.Parked())
}
