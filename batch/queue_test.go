package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storyscan-io/storyscan/errors"
	sstest "github.com/storyscan-io/storyscan/internal/testing"
)

// stubRunner lets tests control when a "running" batch yields and how.
// Releasing OutcomeCompleted records every remaining profile first, the way
// a real run only reports completion once each profile is counted.
type stubRunner struct {
	q       *Queue
	started chan string
	release chan RunOutcome
}

func newStubRunner() *stubRunner {
	return &stubRunner{
		started: make(chan string, 8),
		release: make(chan RunOutcome),
	}
}

func (r *stubRunner) run(batchID string, stop <-chan struct{}) RunOutcome {
	r.started <- batchID
	select {
	case out := <-r.release:
		if out == OutcomeCompleted {
			r.recordRemaining(batchID)
		}
		return out
	case <-stop:
		return OutcomeStopped
	}
}

func (r *stubRunner) recordRemaining(batchID string) {
	b, err := r.q.Get(batchID)
	if err != nil {
		return
	}
	for _, pid := range b.ProfileIDs[b.CompletedProfiles:] {
		r.q.RecordCheckSuccess(batchID, pid, false, "")
	}
}

// awaitStart blocks until the runner picks up a batch.
func (r *stubRunner) awaitStart(t *testing.T) string {
	t.Helper()
	select {
	case id := <-r.started:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("runner was not started")
		return ""
	}
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) *Batch {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		b, err := q.Get(id)
		require.NoError(t, err)
		if b.Status == want {
			return b
		}
		time.Sleep(5 * time.Millisecond)
	}
	b, _ := q.Get(id)
	t.Fatalf("batch %s never reached %s (is %s)", id, want, b.Status)
	return nil
}

func newTestQueue(t *testing.T) (*Queue, *stubRunner) {
	t.Helper()
	q := NewQueue(nil, nil, nil)
	runner := newStubRunner()
	runner.q = q
	q.SetRunner(runner.run)
	return q, runner
}

func TestQueue_SubmitAssignsDensePositions(t *testing.T) {
	q, _ := newTestQueue(t)

	b1, err := q.Submit([]string{"a"}, "niche")
	require.NoError(t, err)
	b2, err := q.Submit([]string{"b"}, "niche")
	require.NoError(t, err)
	b3, err := q.Submit([]string{"c"}, "niche")
	require.NoError(t, err)

	assert.Equal(t, 1, *b1.QueuePosition)
	assert.Equal(t, 2, *b2.QueuePosition)
	assert.Equal(t, 3, *b3.QueuePosition)

	_, err = q.Submit(nil, "niche")
	assert.True(t, errors.IsValidationError(err))
}

func TestQueue_StartPromotesToRunning(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	require.NoError(t, q.Start([]string{b1.ID}))
	assert.Equal(t, b1.ID, runner.awaitStart(t))

	running := waitForStatus(t, q, b1.ID, StatusRunning)
	require.NotNil(t, running.QueuePosition)
	assert.Equal(t, 0, *running.QueuePosition)

	// The remaining queued batch was recompacted to position 1
	got2, err := q.Get(b2.ID)
	require.NoError(t, err)
	require.NotNil(t, got2.QueuePosition)
	assert.Equal(t, 1, *got2.QueuePosition)
}

// Only one batch can hold the running slot. The conflict names the holder.
func TestQueue_SingleRunningBatch(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)

	err := q.Start([]string{b2.ID})
	require.Error(t, err)

	var conflict *errors.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{b1.ID}, conflict.RunningBatchIDs)

	// b2 untouched
	got2, _ := q.Get(b2.ID)
	assert.Equal(t, StatusQueued, got2.Status)
}

func TestQueue_StartManyRejected(t *testing.T) {
	q, _ := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	err := q.Start([]string{b1.ID, b2.ID})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err), "multi-start cannot succeed, so it is rejected up front")
	assert.False(t, errors.IsConflictError(err), "nothing is running, so no conflict may be reported")

	// Nothing was mutated
	got1, _ := q.Get(b1.ID)
	got2, _ := q.Get(b2.ID)
	assert.Equal(t, StatusQueued, got1.Status)
	assert.Equal(t, StatusQueued, got2.Status)
}

func TestQueue_StartWrongState(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	runner.release <- OutcomeCompleted
	waitForStatus(t, q, b1.ID, StatusDone)

	err := q.Start([]string{b1.ID})
	assert.True(t, errors.IsValidationError(err), "done batch cannot be started")

	assert.True(t, errors.IsNotFoundError(q.Start([]string{"missing"})))
}

// When the running batch completes, the lowest-position queued batch is
// promoted automatically.
func TestQueue_AutoPromotionOnCompletion(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")
	b3, _ := q.Submit([]string{"c"}, "")

	require.NoError(t, q.Start([]string{b1.ID}))
	assert.Equal(t, b1.ID, runner.awaitStart(t))
	runner.release <- OutcomeCompleted

	assert.Equal(t, b2.ID, runner.awaitStart(t))
	waitForStatus(t, q, b1.ID, StatusDone)
	waitForStatus(t, q, b2.ID, StatusRunning)

	runner.release <- OutcomeCompleted
	assert.Equal(t, b3.ID, runner.awaitStart(t))
	runner.release <- OutcomeCompleted

	waitForStatus(t, q, b3.ID, StatusDone)
}

// A stop yield parks the batch as paused and still frees the slot for the
// next queued batch.
func TestQueue_StopPausesAndPromotes(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)

	require.NoError(t, q.Stop(b1.ID))
	paused := waitForStatus(t, q, b1.ID, StatusPaused)
	assert.Nil(t, paused.QueuePosition)

	assert.Equal(t, b2.ID, runner.awaitStart(t))
	waitForStatus(t, q, b2.ID, StatusRunning)
}

// Stopping a batch that is not running is a no-op, so stop is idempotent.
func TestQueue_StopIdempotent(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	require.NoError(t, q.Stop(b1.ID), "stop on queued batch is a no-op")

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)

	require.NoError(t, q.Stop(b1.ID))
	waitForStatus(t, q, b1.ID, StatusPaused)
	require.NoError(t, q.Stop(b1.ID), "second stop is a no-op")

	assert.True(t, errors.IsNotFoundError(q.Stop("missing")))
}

func TestQueue_ResumeRequiresPaused(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	assert.True(t, errors.IsValidationError(q.Resume([]string{b1.ID})), "queued batch cannot be resumed")

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)
	require.NoError(t, q.Stop(b1.ID))
	waitForStatus(t, q, b1.ID, StatusPaused)

	require.NoError(t, q.Resume([]string{b1.ID}))
	assert.Equal(t, b1.ID, runner.awaitStart(t))
	waitForStatus(t, q, b1.ID, StatusRunning)
}

func TestQueue_ResumeConflictsWithRunning(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	// Pause b1, then start b2 is blocked from promotion? No: stopping b1
	// promotes b2. Park b2 instead by pausing it after promotion.
	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)
	require.NoError(t, q.Stop(b1.ID))
	waitForStatus(t, q, b1.ID, StatusPaused)

	// b2 got promoted and is running now
	runner.awaitStart(t)
	waitForStatus(t, q, b2.ID, StatusRunning)

	err := q.Resume([]string{b1.ID})
	require.Error(t, err)
	var conflict *errors.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, []string{b2.ID}, conflict.RunningBatchIDs)
}

// Resume carries the same all-or-nothing rule as Start: a failing multi-id
// call must leave every target untouched.
func TestQueue_ResumeManyRejected(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	// Park both batches paused with nothing running.
	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	require.NoError(t, q.Stop(b1.ID))
	waitForStatus(t, q, b1.ID, StatusPaused)
	runner.awaitStart(t) // b2 auto-promoted
	require.NoError(t, q.Stop(b2.ID))
	waitForStatus(t, q, b2.ID, StatusPaused)

	err := q.Resume([]string{b1.ID, b2.ID})
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))

	got1, _ := q.Get(b1.ID)
	got2, _ := q.Get(b2.ID)
	assert.Equal(t, StatusPaused, got1.Status, "rejected resume must not promote the first id")
	assert.Equal(t, StatusPaused, got2.Status)
}

// Deleting queued batches keeps the surviving positions dense 1..N.
func TestQueue_DeleteRecompactsPositions(t *testing.T) {
	q, _ := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")
	b3, _ := q.Submit([]string{"c"}, "")
	b4, _ := q.Submit([]string{"d"}, "")

	require.NoError(t, q.Delete([]string{b2.ID}))

	got1, _ := q.Get(b1.ID)
	got3, _ := q.Get(b3.ID)
	got4, _ := q.Get(b4.ID)
	assert.Equal(t, 1, *got1.QueuePosition)
	assert.Equal(t, 2, *got3.QueuePosition)
	assert.Equal(t, 3, *got4.QueuePosition)

	_, err := q.Get(b2.ID)
	assert.True(t, errors.IsNotFoundError(err))

	assert.True(t, errors.IsNotFoundError(q.Delete([]string{"missing"})))
}

// Deleting the running batch stops it first, then removes it and promotes
// the head of the queue.
func TestQueue_DeleteRunningBatch(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)

	require.NoError(t, q.Delete([]string{b1.ID}))

	_, err := q.Get(b1.ID)
	assert.True(t, errors.IsNotFoundError(err))

	assert.Equal(t, b2.ID, runner.awaitStart(t))
	waitForStatus(t, q, b2.ID, StatusRunning)
}

func TestQueue_ListOrder(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a"}, "")
	b2, _ := q.Submit([]string{"b"}, "")
	b3, _ := q.Submit([]string{"c"}, "")

	require.NoError(t, q.Start([]string{b2.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b2.ID, StatusRunning)

	list := q.List()
	require.Len(t, list, 3)
	assert.Equal(t, b2.ID, list[0].ID, "running batch first")
	assert.Equal(t, b1.ID, list[1].ID)
	assert.Equal(t, b3.ID, list[2].ID)
}

func TestQueue_SubscribeReceivesUpdates(t *testing.T) {
	q, runner := newTestQueue(t)

	ch := q.Subscribe()
	defer q.Unsubscribe(ch)

	b1, _ := q.Submit([]string{"a"}, "")

	select {
	case update := <-ch:
		assert.Equal(t, EventSubmitted, update.Event)
		assert.Equal(t, b1.ID, update.Batch.ID)
	case <-time.After(time.Second):
		t.Fatal("no submitted update received")
	}

	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)

	select {
	case update := <-ch:
		assert.Equal(t, EventStarted, update.Event)
	case <-time.After(time.Second):
		t.Fatal("no started update received")
	}
}

// Batches and their event logs survive a reload; a batch left running by a
// crash comes back paused with its progress intact.
func TestQueue_PersistenceAndOrphanRecovery(t *testing.T) {
	database := sstest.CreateTestDB(t)
	store := NewStore(database)
	logStore := NewLogStore(database)

	q := NewQueue(store, logStore, nil)
	runner := newStubRunner()
	runner.q = q
	q.SetRunner(runner.run)

	b1, err := q.Submit([]string{"a", "b", "c"}, "fitness")
	require.NoError(t, err)
	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)
	require.NoError(t, q.RecordCheckSuccess(b1.ID, "a", true, "px1"))

	// Simulate a crash: reload from the same database while still running
	q2 := NewQueue(store, logStore, nil)
	require.NoError(t, q2.LoadFromStore())

	got, err := q2.Get(b1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Equal(t, 1, got.CompletedProfiles)
	assert.Equal(t, []string{"a"}, got.ProfilesWithStories)
	assert.Equal(t, "fitness", got.NicheID)

	logs, err := q2.Logs(b1.ID, LogFilter{})
	require.NoError(t, err)
	var events []string
	for _, e := range logs {
		events = append(events, e.EventType)
	}
	assert.Contains(t, events, EventSubmitted)
	assert.Contains(t, events, EventStarted)
	assert.Contains(t, events, EventProfileSuccess)
}

func TestQueue_DeleteRemovesLogs(t *testing.T) {
	database := sstest.CreateTestDB(t)
	q := NewQueue(NewStore(database), NewLogStore(database), nil)
	runner := newStubRunner()
	runner.q = q
	q.SetRunner(runner.run)

	b1, err := q.Submit([]string{"a"}, "")
	require.NoError(t, err)
	require.NoError(t, q.Delete([]string{b1.ID}))

	var count int
	require.NoError(t, database.QueryRow(
		`SELECT COUNT(*) FROM batch_logs WHERE batch_id = ?`, b1.ID).Scan(&count))
	assert.Equal(t, 0, count)
}

// A run that reports completion without having counted every profile must
// not strand the batch at done: the queue falls back to paused so the
// unchecked profiles can be resumed.
func TestQueue_CompletionRequiresAllProfilesCounted(t *testing.T) {
	q := NewQueue(nil, nil, nil)
	q.SetRunner(func(batchID string, stop <-chan struct{}) RunOutcome {
		return OutcomeCompleted
	})

	b1, err := q.Submit([]string{"a", "b"}, "")
	require.NoError(t, err)
	require.NoError(t, q.Start([]string{b1.ID}))

	got := waitForStatus(t, q, b1.ID, StatusPaused)
	assert.Equal(t, 0, got.CompletedProfiles)
	assert.Nil(t, got.CompletedAt)
}

func TestQueue_RecordOutcomes(t *testing.T) {
	q, runner := newTestQueue(t)

	b1, _ := q.Submit([]string{"a", "b"}, "")
	require.NoError(t, q.Start([]string{b1.ID}))
	runner.awaitStart(t)
	waitForStatus(t, q, b1.ID, StatusRunning)

	require.NoError(t, q.RecordCheckSuccess(b1.ID, "a", true, "px1"))
	require.NoError(t, q.RecordCheckFailure(b1.ID, "b", "px1", errors.New("HTTP 404")))

	got, _ := q.Get(b1.ID)
	assert.Equal(t, 2, got.CompletedProfiles)
	assert.Equal(t, 1, got.SuccessfulChecks)
	assert.Equal(t, 1, got.FailedChecks)
	assert.Equal(t, []string{"a"}, got.ProfilesWithStories)

	assert.True(t, errors.IsNotFoundError(q.RecordCheckSuccess("missing", "a", false, "")))
}
