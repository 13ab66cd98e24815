package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/storyscan-io/storyscan/checker"
	"github.com/storyscan-io/storyscan/errors"
	"github.com/storyscan-io/storyscan/proxypool"
	"github.com/storyscan-io/storyscan/ratelimit"
	"github.com/storyscan-io/storyscan/retry"
)

// Executor drains a running batch: it dispatches profile checks in order
// through the rate limiter, routes each check through the best proxy, and
// retries transient failures. Its Run method is installed on the queue as
// the RunFunc.
type Executor struct {
	queue    *Queue
	pool     *proxypool.Pool
	checker  checker.Checker
	limiter  *ratelimit.Limiter
	policy   retry.Policy
	canceler *retry.Canceler
	logger   *zap.SugaredLogger

	progressInterval time.Duration
}

// NewExecutor wires an executor to its queue and installs it as the runner.
func NewExecutor(queue *Queue, pool *proxypool.Pool, chk checker.Checker, limiter *ratelimit.Limiter, policy retry.Policy, logger *zap.SugaredLogger) *Executor {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	e := &Executor{
		queue:    queue,
		pool:     pool,
		checker:  chk,
		limiter:  limiter,
		policy:   policy,
		canceler: retry.NewCanceler(),
		logger:   logger.Named("executor"),
	}
	queue.SetRunner(e.Run)
	return e
}

// SetProgressInterval enables periodic progress logging while a batch runs.
// Zero disables it.
func (e *Executor) SetProgressInterval(d time.Duration) {
	e.progressInterval = d
}

// Shutdown cancels every in-flight check.
func (e *Executor) Shutdown() {
	e.canceler.CancelAll()
}

// Run checks a batch's unchecked profiles in submission order. Dispatch
// halts at the first profile boundary after stop closes; checks already in
// flight run to completion before Run returns. The limiter gates both the
// per-minute call budget and the number of concurrent checks.
func (e *Executor) Run(batchID string, stop <-chan struct{}) RunOutcome {
	b, err := e.queue.Get(batchID)
	if err != nil {
		e.logger.Errorw("Batch vanished before run", "batch_id", batchID, "error", err)
		return OutcomeStopped
	}

	e.logMemoryPressure()

	if e.progressInterval > 0 {
		stopProgress := e.reportProgress(batchID)
		defer stopProgress()
	}

	// Acquire must abort when stop closes, but in-flight checks keep the
	// background context so they finish cleanly.
	dispatchCtx, cancelDispatch := context.WithCancel(context.Background())
	defer cancelDispatch()
	go func() {
		select {
		case <-stop:
			cancelDispatch()
		case <-dispatchCtx.Done():
		}
	}()

	pending := b.ProfileIDs[b.CompletedProfiles:]
	var wg sync.WaitGroup
	stopped := false

	for i, profileID := range pending {
		select {
		case <-stop:
			stopped = true
		default:
		}
		if stopped {
			break
		}

		if err := e.limiter.Acquire(dispatchCtx); err != nil {
			stopped = true
			break
		}

		wg.Add(1)
		go func(pid string, idx int) {
			defer wg.Done()
			defer e.limiter.Release()
			e.checkProfile(batchID, pid, idx)
		}(profileID, b.CompletedProfiles+i)
	}

	wg.Wait()

	if stopped {
		return OutcomeStopped
	}
	return OutcomeCompleted
}

// checkProfile runs one profile check to a terminal outcome and records it
// on the batch. Every dispatched profile ends up counted as completed, so
// the checked set stays a prefix of the submission order and a resume can
// pick up at the CompletedProfiles index. The canceler key is the profile's
// submission-order index: a profile id may appear more than once in a batch,
// and one dispatch must never supersede another from the same run.
func (e *Executor) checkProfile(batchID, profileID string, idx int) {
	callCtx, release := e.canceler.Bind(context.Background(), fmt.Sprintf("%s/%d", batchID, idx))
	defer release()

	var result checker.Result
	var proxyID string

	err := e.policy.Do(callCtx, func(ctx context.Context) error {
		creds, err := e.pool.Select()
		if err != nil {
			return err
		}
		proxyID = creds.ProxyID

		start := time.Now()
		res, err := e.checker.Check(ctx, profileID, creds)
		latencyMs := time.Since(start).Milliseconds()

		if uerr := e.pool.RecordUsage(creds.ProxyID, err == nil, latencyMs); uerr != nil {
			e.logger.Warnw("Failed to record proxy usage",
				"proxy_id", creds.ProxyID,
				"error", uerr)
		}
		if err != nil {
			return err
		}
		result = res
		return nil
	})

	if err != nil {
		if errors.IsCanceledError(err) {
			// Shutdown or supersession, not a check verdict. The profile
			// stays unchecked.
			e.logger.Debugw("Profile check canceled",
				"batch_id", batchID,
				"profile_id", profileID)
			return
		}
		if rerr := e.queue.RecordCheckFailure(batchID, profileID, proxyID, err); rerr != nil {
			e.logger.Warnw("Failed to record check failure",
				"batch_id", batchID,
				"profile_id", profileID,
				"error", rerr)
		}
		return
	}

	if rerr := e.queue.RecordCheckSuccess(batchID, profileID, result.HasStory, proxyID); rerr != nil {
		e.logger.Warnw("Failed to record check success",
			"batch_id", batchID,
			"profile_id", profileID,
			"error", rerr)
	}
}

// reportProgress logs batch progress on the configured interval until the
// returned stop function is called.
func (e *Executor) reportProgress(batchID string) func() {
	ticker := time.NewTicker(e.progressInterval)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				cur, err := e.queue.Get(batchID)
				if err != nil {
					continue
				}
				e.logger.Infow("Batch progress",
					"batch_id", batchID,
					"completed", cur.CompletedProfiles,
					"total", cur.TotalProfiles,
					"successful", cur.SuccessfulChecks,
					"failed", cur.FailedChecks)
			}
		}
	}()

	return func() {
		ticker.Stop()
		close(done)
	}
}

// logMemoryPressure warns when the host is near memory exhaustion before a
// batch fans out its workers.
func (e *Executor) logMemoryPressure() {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return
	}
	if vm.UsedPercent >= 90 {
		e.logger.Warnw("High memory usage before batch run",
			"used_percent", vm.UsedPercent,
			"available_mb", vm.Available/1024/1024)
	}
}
