package batch

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/storyscan-io/storyscan/errors"
)

// RunOutcome is how an executor run ended.
type RunOutcome int

const (
	// OutcomeCompleted means every profile in the batch was checked.
	OutcomeCompleted RunOutcome = iota
	// OutcomeStopped means the run yielded between profiles after a stop
	// signal; remaining profiles stay pending.
	OutcomeStopped
)

// RunFunc drains one running batch. It must return promptly after stop is
// closed, letting the in-flight profile check finish first.
type RunFunc func(batchID string, stop <-chan struct{}) RunOutcome

// Update is pushed to subscribers on every batch state change.
type Update struct {
	Event string `json:"event"`
	Batch *Batch `json:"batch"`
}

// execHandle tracks one live executor run.
type execHandle struct {
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newExecHandle() *execHandle {
	return &execHandle{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

func (h *execHandle) signalStop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Queue is the batch scheduler. It enforces the single-running-batch
// invariant, keeps queued positions dense (1..N), and promotes the head of
// the queue whenever the running slot frees up. All state lives in memory
// under one mutex; sqlite is write-through with the same dirty-retry policy
// the proxy pool uses.
type Queue struct {
	mu          sync.Mutex
	batches     map[string]*Batch
	store       *Store
	logStore    *LogStore
	dirty       map[string]bool // batches whose last persistence write failed
	subscribers []chan Update
	run         RunFunc
	execs       map[string]*execHandle
	logger      *zap.SugaredLogger
}

// NewQueue creates a queue backed by the given stores. Pass nil stores for
// a purely in-memory queue (tests).
func NewQueue(store *Store, logStore *LogStore, logger *zap.SugaredLogger) *Queue {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Queue{
		batches:  make(map[string]*Batch),
		store:    store,
		logStore: logStore,
		dirty:    make(map[string]bool),
		execs:    make(map[string]*execHandle),
		logger:   logger.Named("batch"),
	}
}

// SetRunner installs the executor callback. Must be called before any batch
// is started.
func (q *Queue) SetRunner(run RunFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.run = run
}

// LoadFromStore hydrates the queue from persistence at startup. Batches
// left in the running state by a crash are demoted to paused; their
// completed prefix is intact so a resume picks up where they stopped.
func (q *Queue) LoadFromStore() error {
	if q.store == nil {
		return nil
	}

	batches, err := q.store.ListBatches()
	if err != nil {
		return errors.Wrap(err, "failed to load batches")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range batches {
		if b.Status == StatusRunning {
			q.logger.Warnw("Recovered orphaned running batch, demoting to paused",
				"batch_id", b.ID,
				"completed", b.CompletedProfiles,
				"total", b.TotalProfiles)
			b.markPaused()
			q.persistLocked(b, false)
		}
		q.batches[b.ID] = b
	}

	q.recompactLocked()
	q.logger.Infow("Batch queue loaded", "count", len(q.batches))
	return nil
}

// Submit appends a new batch to the tail of the queue.
func (q *Queue) Submit(profileIDs []string, nicheID string) (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, err := NewBatch(profileIDs, nicheID, q.nextPositionLocked())
	if err != nil {
		return nil, err
	}

	q.batches[b.ID] = b
	if err := q.persistLocked(b, true); err != nil {
		return b.clone(), err
	}

	q.appendLogLocked(LogEntry{
		BatchID:   b.ID,
		EventType: EventSubmitted,
		Message:   "batch submitted",
	})
	q.notifyLocked(EventSubmitted, b)
	return b.clone(), nil
}

// Start moves a queued batch into the running slot. The slot holds at most
// one batch: if any batch is already running the call fails with a conflict
// naming it, and asking for more than one batch at once is a validation
// error. Nothing is mutated on error.
func (q *Queue) Start(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkPromotableLocked(ids, StatusQueued, "started"); err != nil {
		return err
	}

	q.startLocked(q.batches[ids[0]], EventStarted, "batch started")
	return nil
}

// Resume puts a paused batch back into the running slot. Checking continues
// from the first unchecked profile. Same all-or-nothing shape as Start: a
// failing call mutates nothing.
func (q *Queue) Resume(ids []string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.checkPromotableLocked(ids, StatusPaused, "resumed"); err != nil {
		return err
	}

	q.startLocked(q.batches[ids[0]], EventResumed, "batch resumed")
	return nil
}

// checkPromotableLocked validates a promotion request without mutating
// anything: every id must exist and be in the required state, the running
// slot must be free, and only a single id may be promoted per call.
// REQUIRES: q.mu held.
func (q *Queue) checkPromotableLocked(ids []string, required Status, verb string) error {
	if len(ids) == 0 {
		return errors.NewValidationError("no batch ids given")
	}

	for _, id := range ids {
		b, ok := q.batches[id]
		if !ok {
			return errors.NewNotFoundError("batch not found: %s", id)
		}
		if b.Status != required {
			return errors.NewValidationError("batch %s is %s, only %s batches can be %s", id, b.Status, required, verb)
		}
	}

	if running := q.runningIDsLocked(); len(running) > 0 {
		return errors.NewConflictError(running)
	}
	if len(ids) > 1 {
		return errors.NewValidationError("cannot promote %d batches at once, only one batch may run", len(ids))
	}
	return nil
}

// Stop asks a running batch to yield. The in-flight profile check finishes;
// the batch turns paused at the next profile boundary. Stopping a batch
// that is not running is a no-op, so repeated stops are safe.
func (q *Queue) Stop(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[id]
	if !ok {
		return errors.NewNotFoundError("batch not found: %s", id)
	}
	if b.Status != StatusRunning {
		return nil
	}

	if h, ok := q.execs[id]; ok {
		h.signalStop()
	}
	q.appendLogLocked(LogEntry{
		BatchID:   id,
		EventType: EventStopped,
		Message:   "stop requested",
	})
	return nil
}

// Delete removes batches entirely, logs included. A running batch is
// stopped first and its in-flight check allowed to finish. Positions of the
// surviving queued batches are recompacted to stay dense.
func (q *Queue) Delete(ids []string) error {
	q.mu.Lock()
	for _, id := range ids {
		if _, ok := q.batches[id]; !ok {
			q.mu.Unlock()
			return errors.NewNotFoundError("batch not found: %s", id)
		}
	}
	q.mu.Unlock()

	for _, id := range ids {
		q.mu.Lock()
		h, running := q.execs[id]
		if running {
			h.signalStop()
			q.mu.Unlock()
			<-h.done
			q.mu.Lock()
		}

		b, ok := q.batches[id]
		if !ok {
			q.mu.Unlock()
			continue
		}

		delete(q.batches, id)
		delete(q.dirty, id)
		if q.logStore != nil {
			if err := q.logStore.DeleteForBatch(id); err != nil {
				q.logger.Warnw("Failed to delete batch logs", "batch_id", id, "error", err)
			}
		}
		if q.store != nil {
			if err := q.store.DeleteBatch(id); err != nil && !errors.IsNotFoundError(err) {
				q.logger.Warnw("Failed to delete persisted batch", "batch_id", id, "error", err)
			}
		}

		q.recompactLocked()
		q.notifyLocked("deleted", b)
		q.mu.Unlock()
	}
	return nil
}

// Get returns a copy of one batch.
func (q *Queue) Get(id string) (*Batch, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[id]
	if !ok {
		return nil, errors.NewNotFoundError("batch not found: %s", id)
	}
	return b.clone(), nil
}

// List returns copies of all batches: the running batch first, queued
// batches in position order, then the rest newest first.
func (q *Queue) List() []*Batch {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Batch, 0, len(q.batches))
	for _, b := range q.batches {
		out = append(out, b.clone())
	}

	sort.Slice(out, func(i, j int) bool {
		ri, rj := sortRank(out[i]), sortRank(out[j])
		if ri != rj {
			return ri < rj
		}
		if ri == 1 {
			return *out[i].QueuePosition < *out[j].QueuePosition
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func sortRank(b *Batch) int {
	switch b.Status {
	case StatusRunning:
		return 0
	case StatusQueued:
		return 1
	default:
		return 2
	}
}

// Logs returns a batch's event log.
func (q *Queue) Logs(batchID string, filter LogFilter) ([]LogEntry, error) {
	q.mu.Lock()
	_, ok := q.batches[batchID]
	q.mu.Unlock()
	if !ok {
		return nil, errors.NewNotFoundError("batch not found: %s", batchID)
	}
	if q.logStore == nil {
		return nil, nil
	}
	return q.logStore.List(batchID, filter)
}

// RecordCheckSuccess folds one successful profile check into the batch.
// Called by the executor while the batch is running.
func (q *Queue) RecordCheckSuccess(batchID, profileID string, hasStory bool, proxyID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[batchID]
	if !ok {
		return errors.NewNotFoundError("batch not found: %s", batchID)
	}

	b.recordSuccess(profileID, hasStory)
	q.appendLogLocked(LogEntry{
		BatchID:   batchID,
		EventType: EventProfileSuccess,
		Message:   successMessage(hasStory),
		ProfileID: profileID,
		ProxyID:   proxyID,
	})
	q.notifyLocked("progress", b)
	return q.persistLocked(b, false)
}

// RecordCheckFailure folds one terminally failed profile check into the
// batch. The profile counts as completed; it is not retried on resume.
func (q *Queue) RecordCheckFailure(batchID, profileID, proxyID string, checkErr error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	b, ok := q.batches[batchID]
	if !ok {
		return errors.NewNotFoundError("batch not found: %s", batchID)
	}

	b.recordFailure()
	msg := "check failed"
	if checkErr != nil {
		msg = checkErr.Error()
	}
	q.appendLogLocked(LogEntry{
		BatchID:   batchID,
		EventType: EventProfileFailure,
		Message:   msg,
		ProfileID: profileID,
		ProxyID:   proxyID,
	})
	q.notifyLocked("progress", b)
	return q.persistLocked(b, false)
}

// Subscribe returns a channel receiving batch updates. Slow subscribers
// lose updates rather than block the queue.
func (q *Queue) Subscribe() chan Update {
	q.mu.Lock()
	defer q.mu.Unlock()

	ch := make(chan Update, 16)
	q.subscribers = append(q.subscribers, ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (q *Queue) Unsubscribe(ch chan Update) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, sub := range q.subscribers {
		if sub == ch {
			q.subscribers = append(q.subscribers[:i], q.subscribers[i+1:]...)
			close(ch)
			return
		}
	}
}

// startLocked promotes a batch into the running slot and spawns its run.
// REQUIRES: q.mu held, no batch running.
func (q *Queue) startLocked(b *Batch, event, message string) {
	b.markRunning()
	q.recompactLocked()
	q.persistLocked(b, false)

	q.appendLogLocked(LogEntry{
		BatchID:   b.ID,
		EventType: event,
		Message:   message,
	})
	q.notifyLocked(event, b)

	h := newExecHandle()
	q.execs[b.ID] = h
	go q.runBatch(b.ID, h)

	q.logger.Infow("Batch running",
		"batch_id", b.ID,
		"remaining", b.TotalProfiles-b.CompletedProfiles)
}

func (q *Queue) runBatch(batchID string, h *execHandle) {
	defer close(h.done)

	outcome := OutcomeStopped
	if q.run != nil {
		outcome = q.run(batchID, h.stop)
	}
	q.completeRun(batchID, outcome)
}

// completeRun settles a finished executor run and frees the running slot.
func (q *Queue) completeRun(batchID string, outcome RunOutcome) {
	q.mu.Lock()
	defer q.mu.Unlock()

	delete(q.execs, batchID)

	b, ok := q.batches[batchID]
	if !ok {
		q.promoteLocked()
		return
	}

	// The outcome alone does not prove completion: a check canceled at
	// shutdown ends the run without recording its profile. Only a batch
	// whose every profile is counted may become done.
	switch {
	case outcome == OutcomeCompleted && b.finished():
		b.markDone()
		q.appendLogLocked(LogEntry{
			BatchID:   batchID,
			EventType: EventCompleted,
			Message:   "all profiles checked",
		})
		q.notifyLocked(EventCompleted, b)
		q.logger.Infow("Batch completed",
			"batch_id", batchID,
			"successful", b.SuccessfulChecks,
			"failed", b.FailedChecks)
	default:
		b.markPaused()
		q.appendLogLocked(LogEntry{
			BatchID:   batchID,
			EventType: EventPaused,
			Message:   "batch paused, progress saved",
		})
		q.notifyLocked(EventPaused, b)
		q.logger.Infow("Batch paused",
			"batch_id", batchID,
			"completed", b.CompletedProfiles,
			"total", b.TotalProfiles)
	}

	q.persistLocked(b, false)
	q.promoteLocked()
}

// promoteLocked starts the lowest-position queued batch if the running slot
// is free. REQUIRES: q.mu held.
func (q *Queue) promoteLocked() {
	if len(q.runningIDsLocked()) > 0 || len(q.execs) > 0 {
		return
	}

	var head *Batch
	for _, b := range q.batches {
		if b.Status != StatusQueued || b.QueuePosition == nil {
			continue
		}
		if head == nil || *b.QueuePosition < *head.QueuePosition {
			head = b
		}
	}
	if head == nil {
		return
	}
	q.startLocked(head, EventStarted, "batch started from queue")
}

// runningIDsLocked lists batches currently in the running slot.
// REQUIRES: q.mu held.
func (q *Queue) runningIDsLocked() []string {
	var ids []string
	for _, b := range q.batches {
		if b.Status == StatusRunning {
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// nextPositionLocked returns the tail position for a new submission.
// REQUIRES: q.mu held.
func (q *Queue) nextPositionLocked() int {
	max := 0
	for _, b := range q.batches {
		if b.Status == StatusQueued && b.QueuePosition != nil && *b.QueuePosition > max {
			max = *b.QueuePosition
		}
	}
	return max + 1
}

// recompactLocked reassigns queued positions so they stay dense 1..N in the
// existing relative order. REQUIRES: q.mu held.
func (q *Queue) recompactLocked() {
	var queued []*Batch
	for _, b := range q.batches {
		if b.Status == StatusQueued && b.QueuePosition != nil {
			queued = append(queued, b)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		return *queued[i].QueuePosition < *queued[j].QueuePosition
	})

	for i, b := range queued {
		want := i + 1
		if *b.QueuePosition != want {
			pos := want
			b.QueuePosition = &pos
			q.persistLocked(b, false)
		}
	}
}

// persistLocked writes a batch through the store. In-memory state stays
// authoritative: on write failure the batch is marked dirty and re-saved on
// the next successful mutation. REQUIRES: q.mu held.
func (q *Queue) persistLocked(b *Batch, create bool) error {
	if q.store == nil {
		return nil
	}

	var err error
	if create {
		err = q.store.CreateBatch(b)
	} else {
		err = q.store.UpdateBatch(b)
	}
	if err != nil {
		q.dirty[b.ID] = true
		q.logger.Warnw("Batch persistence failed, marked dirty",
			"batch_id", b.ID,
			"error", err)
		return errors.Wrap(errors.ErrInfrastructure, err.Error())
	}

	delete(q.dirty, b.ID)
	q.flushDirtyLocked()
	return nil
}

// flushDirtyLocked retries persistence for previously failed writes.
// REQUIRES: q.mu held.
func (q *Queue) flushDirtyLocked() {
	for id := range q.dirty {
		b, ok := q.batches[id]
		if !ok {
			delete(q.dirty, id)
			continue
		}
		if err := q.store.UpdateBatch(b); err == nil {
			delete(q.dirty, id)
		}
	}
}

// appendLogLocked records a batch event, tolerating log-store failures.
// REQUIRES: q.mu held.
func (q *Queue) appendLogLocked(entry LogEntry) {
	if q.logStore == nil {
		return
	}
	if err := q.logStore.Append(entry); err != nil {
		q.logger.Warnw("Failed to append batch log",
			"batch_id", entry.BatchID,
			"event", entry.EventType,
			"error", err)
	}
}

// notifyLocked fans an update out to subscribers without blocking.
// REQUIRES: q.mu held.
func (q *Queue) notifyLocked(event string, b *Batch) {
	update := Update{Event: event, Batch: b.clone()}
	for _, sub := range q.subscribers {
		select {
		case sub <- update:
		default:
		}
	}
}

func successMessage(hasStory bool) string {
	if hasStory {
		return "story found"
	}
	return "no story"
}
