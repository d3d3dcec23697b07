// Package dispatcher owns the recurring-payment pipeline: it maintains the
// schedule index, scans it on a fixed cadence, fires due schedules through
// the executor bridge, and writes the post-fire bookkeeping back into the
// owning user shards. It is the only writer of transaction history for
// recurring fires.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/voicepay-hq/voicepay/pkg/circuitbreaker"
	"github.com/voicepay-hq/voicepay/pkg/index"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/metrics"
	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

// Options configures a Dispatcher.
type Options struct {
	// TickInterval is the cadence of the index scan.
	TickInterval time.Duration
	// DispatchTimeout bounds a single executor call.
	DispatchTimeout time.Duration
	// RetryBackoff is how far a failed schedule is pushed into the future.
	RetryBackoff time.Duration
	// WorkerCount is the number of concurrent fires per tick.
	WorkerCount int
	// Token is the settlement token address included in dispatch payloads.
	Token string
}

// Dispatcher scans the schedule index and fires due schedules.
type Dispatcher struct {
	shards  *shard.Manager
	idx     *index.Store
	client  ExecutorCaller
	breaker *circuitbreaker.CircuitBreaker
	opts    Options
	logger  logger.Logger

	cron   *cron.Cron
	cronID cron.EntryID

	// inFlight guards against the same schedule firing twice when a slow
	// tick overlaps the next one.
	mu       sync.Mutex
	inFlight map[uuid.UUID]struct{}

	wg      sync.WaitGroup
	started bool
}

// New creates a dispatcher. Start must be called before it fires anything.
func New(shards *shard.Manager, idx *index.Store, client ExecutorCaller,
	breaker *circuitbreaker.CircuitBreaker, opts Options, log logger.Logger) *Dispatcher {
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Minute
	}
	if opts.DispatchTimeout <= 0 {
		opts.DispatchTimeout = 30 * time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 10 * time.Minute
	}
	if opts.WorkerCount <= 0 {
		opts.WorkerCount = 5
	}
	return &Dispatcher{
		shards:   shards,
		idx:      idx,
		client:   client,
		breaker:  breaker,
		opts:     opts,
		logger:   log,
		inFlight: make(map[uuid.UUID]struct{}),
	}
}

// Start schedules the periodic tick. The context bounds every fire started
// by the ticker; cancelling it stops new work but lets Stop wait for fires
// already running.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.started {
		return fmt.Errorf("dispatcher already started")
	}

	d.cron = cron.New()
	id, err := d.cron.AddFunc(fmt.Sprintf("@every %s", d.opts.TickInterval), func() {
		d.Tick(ctx, time.Now().UTC())
	})
	if err != nil {
		return fmt.Errorf("failed to schedule dispatch tick: %v", err)
	}
	d.cronID = id
	d.cron.Start()
	d.started = true

	d.logger.InfoWith(logger.Dispatch, "Dispatcher started: tick every %s, %d workers, retry backoff %s",
		d.opts.TickInterval, d.opts.WorkerCount, d.opts.RetryBackoff)
	return nil
}

// Stop halts the ticker and waits for in-flight fires to finish.
func (d *Dispatcher) Stop() {
	if !d.started {
		return
	}
	stopCtx := d.cron.Stop()
	<-stopCtx.Done()
	d.wg.Wait()
	d.started = false
	d.logger.InfoWith(logger.Dispatch, "Dispatcher stopped")
}

// Tick scans the index once and fires every due schedule through a bounded
// worker pool. It is safe to call concurrently with itself: schedules a
// previous tick is still executing are skipped.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) {
	start := time.Now()
	defer func() {
		metrics.TickDuration.Observe(time.Since(start).Seconds())
	}()

	if d.breaker.IsOpen() {
		d.logger.NoticeWith(logger.Dispatch, "Circuit breaker open, skipping tick")
		return
	}

	entries, err := d.idx.ListAll()
	if err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Index scan failed: %v", err)
		return
	}

	var due []models.IndexEntry
	for _, entry := range entries {
		if entry.NextRun.After(now) {
			continue
		}
		if !d.tryAcquire(entry.ScheduleID) {
			metrics.SkippedInFlight.Inc()
			d.logger.DebugWith(logger.Dispatch, "Schedule %s still in flight, skipping", entry.ScheduleID)
			continue
		}
		due = append(due, entry)
	}
	metrics.DueSchedules.Set(float64(len(due)))
	if len(due) == 0 {
		return
	}

	d.logger.InfoWith(logger.Dispatch, "Tick: %d of %d schedules due", len(due), len(entries))

	jobs := make(chan models.IndexEntry, len(due))
	var tickWG sync.WaitGroup
	workers := d.opts.WorkerCount
	if workers > len(due) {
		workers = len(due)
	}
	for i := 0; i < workers; i++ {
		tickWG.Add(1)
		d.wg.Add(1)
		go func() {
			defer tickWG.Done()
			defer d.wg.Done()
			for entry := range jobs {
				d.fire(ctx, entry, now)
				d.release(entry.ScheduleID)
			}
		}()
	}
	for _, entry := range due {
		jobs <- entry
	}
	close(jobs)
	tickWG.Wait()
}

func (d *Dispatcher) tryAcquire(id uuid.UUID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, busy := d.inFlight[id]; busy {
		return false
	}
	d.inFlight[id] = struct{}{}
	return true
}

func (d *Dispatcher) release(id uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inFlight, id)
}

// fire dispatches one due schedule to the executor and records the outcome.
func (d *Dispatcher) fire(ctx context.Context, entry models.IndexEntry, now time.Time) {
	req := models.DispatchRequest{
		ScheduleID:  entry.ScheduleID.String(),
		UserAddress: entry.UserAddress,
		Recipient:   entry.Recipient,
		Amount:      entry.Amount.String(),
		Token:       d.opts.Token,
		Timestamp:   now.UnixMilli(),
	}

	callCtx, cancel := context.WithTimeout(ctx, d.opts.DispatchTimeout)
	defer cancel()

	start := time.Now()
	resp, err := d.client.Dispatch(callCtx, req)
	metrics.ExecutorLatency.Observe(time.Since(start).Seconds())

	if err != nil {
		d.breaker.RecordFailure()
		d.recordFailure(entry, now, "transport", err.Error())
		return
	}
	if !resp.OK {
		d.breaker.RecordFailure()
		code := resp.Code
		if code == "" {
			code = "unknown"
		}
		d.recordFailure(entry, now, code, resp.Error)
		return
	}

	d.breaker.RecordSuccess()
	d.recordSuccess(entry, now, resp.TxHash)
}

// recordSuccess appends the completed transaction, decrements the remaining
// count, and either advances or retires the schedule. The shard is updated
// even when the index write fails; the index is rebuildable and allowed to
// lag.
func (d *Dispatcher) recordSuccess(entry models.IndexEntry, now time.Time, txHash string) {
	sh, err := d.shards.Shard(entry.UserAddress)
	if err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Cannot open shard for %s after fire: %v", entry.UserAddress, err)
		return
	}

	scheduleID := entry.ScheduleID
	if _, err := sh.AppendTransaction(models.Transaction{
		Type:       models.TransactionRecurring,
		Name:       entry.Name,
		Address:    entry.Recipient,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		Status:     models.StatusCompleted,
		TxHash:     txHash,
		ScheduleID: &scheduleID,
		Note:       entry.Note,
		Timestamp:  now,
	}); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to append transaction for schedule %s: %v", scheduleID, err)
	}

	next := advanceNextRun(entry.NextRun, entry.Interval, entry.IntervalMs)

	var remaining *int
	if entry.TimesRemaining != nil {
		r := *entry.TimesRemaining - 1
		if r < 0 {
			r = 0
		}
		remaining = &r
	}

	if remaining != nil && *remaining == 0 {
		// Final fire: retire the schedule.
		if err := d.idx.Delete(scheduleID); err != nil {
			d.logger.ErrorWith(logger.Dispatch, "Failed to retire schedule %s from index: %v", scheduleID, err)
		}
		inactive := false
		if _, err := sh.UpdateSchedule(scheduleID, models.SchedulePatch{
			NextRun:        &next,
			TimesRemaining: remaining,
			Active:         &inactive,
		}); err != nil {
			d.logger.ErrorWith(logger.Dispatch, "Failed to retire schedule %s in shard: %v", scheduleID, err)
		}
		metrics.SchedulesRetired.Inc()
		metrics.SchedulesFired.WithLabelValues("success").Inc()
		d.logger.InfoWith(logger.Dispatch, "Schedule %s completed its final payment (%s)", scheduleID, txHash)
		return
	}

	entry.NextRun = next
	entry.TimesRemaining = remaining
	if err := d.idx.Put(entry); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to advance schedule %s in index: %v", scheduleID, err)
	}
	if _, err := sh.UpdateSchedule(scheduleID, models.SchedulePatch{
		NextRun:        &next,
		TimesRemaining: remaining,
	}); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to advance schedule %s in shard: %v", scheduleID, err)
	}

	metrics.SchedulesFired.WithLabelValues("success").Inc()
	d.logger.InfoWith(logger.Dispatch, "Schedule %s fired (%s), next run %s",
		scheduleID, txHash, next.Format(time.RFC3339))
}

// recordFailure appends a failed transaction and pushes the schedule out by
// the retry backoff. The remaining count is not decremented: a failed fire
// does not consume an occurrence.
func (d *Dispatcher) recordFailure(entry models.IndexEntry, now time.Time, code, detail string) {
	metrics.SchedulesFired.WithLabelValues("failed").Inc()
	metrics.FireErrors.WithLabelValues(code).Inc()

	sh, err := d.shards.Shard(entry.UserAddress)
	if err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Cannot open shard for %s after failed fire: %v", entry.UserAddress, err)
		return
	}

	scheduleID := entry.ScheduleID
	note := fmt.Sprintf("dispatch failed (%s): %s", code, detail)
	if _, err := sh.AppendTransaction(models.Transaction{
		Type:       models.TransactionRecurring,
		Name:       entry.Name,
		Address:    entry.Recipient,
		Amount:     entry.Amount,
		Currency:   entry.Currency,
		Status:     models.StatusFailed,
		ScheduleID: &scheduleID,
		Note:       note,
		Timestamp:  now,
	}); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to append failed transaction for schedule %s: %v", scheduleID, err)
	}

	next := now.Add(d.opts.RetryBackoff)
	entry.NextRun = next
	if err := d.idx.Put(entry); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to reschedule %s in index: %v", scheduleID, err)
	}
	if _, err := sh.UpdateSchedule(scheduleID, models.SchedulePatch{NextRun: &next}); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Failed to reschedule %s in shard: %v", scheduleID, err)
	}

	metrics.RetriesScheduled.Inc()
	d.logger.NoticeWith(logger.Dispatch, "Schedule %s failed (%s), retry at %s: %s",
		scheduleID, code, next.Format(time.RFC3339), detail)
}

// Breaker exposes the circuit breaker for status reporting.
func (d *Dispatcher) Breaker() *circuitbreaker.CircuitBreaker {
	return d.breaker
}
