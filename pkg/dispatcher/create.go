package dispatcher

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/metrics"
	"github.com/voicepay-hq/voicepay/pkg/models"
)

var (
	// ErrIndexWrite indicates the schedule was persisted in the user's shard
	// but could not be mirrored into the dispatch index. The shard record is
	// authoritative and the create can be retried.
	ErrIndexWrite = errors.New("index write failed")
	// ErrInvalidSchedule indicates the intent cannot describe a recurring
	// schedule. A caller mistake, not a storage failure.
	ErrInvalidSchedule = errors.New("invalid schedule request")
)

// CreateSchedule validates a recurring intent, persists the schedule in the
// user's shard and mirrors it into the dispatch index. The shard write
// always happens first: the index must never hold a schedule the shard has
// not acknowledged.
func (d *Dispatcher) CreateSchedule(userAddress string, intent models.ParsedIntent) (models.Schedule, error) {
	if intent.Intent != models.IntentRecurring {
		return models.Schedule{}, fmt.Errorf("%w: intent %q is not a recurring payment", ErrInvalidSchedule, intent.Intent)
	}
	if err := intent.Validate(); err != nil {
		return models.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if intent.StartDate == "" {
		return models.Schedule{}, fmt.Errorf("%w: start_date is required", ErrInvalidSchedule)
	}

	interval := intent.Interval
	if interval == "" {
		interval = models.IntervalDaily
	}
	if !interval.IsValid() {
		return models.Schedule{}, fmt.Errorf("%w: invalid interval %q", ErrInvalidSchedule, intent.Interval)
	}

	nextRun, err := combineStartDate(intent.StartDate, intent.TimeOfDay)
	if err != nil {
		return models.Schedule{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}

	sched := models.Schedule{
		ID:         uuid.New(),
		Name:       intent.Name,
		Recipient:  models.NormalizeAddress(intent.Address),
		Amount:     intent.Amount,
		Currency:   models.CurrencyUSDC,
		Interval:   interval,
		IntervalMs: intent.IntervalMs,
		StartDate:  intent.StartDate,
		TimeOfDay:  intent.TimeOfDay,
		Note:       intent.Note,
		NextRun:    nextRun,
		CreatedAt:  time.Now().UTC(),
		Active:     true,
	}
	if intent.Times != nil {
		total := *intent.Times
		remaining := *intent.Times
		sched.TimesTotal = &total
		sched.TimesRemaining = &remaining
	}

	sh, err := d.shards.Shard(userAddress)
	if err != nil {
		return models.Schedule{}, err
	}
	sched, err = sh.AppendSchedule(sched)
	if err != nil {
		return models.Schedule{}, err
	}

	if err := d.idx.Put(models.EntryFromSchedule(userAddress, sched)); err != nil {
		d.logger.ErrorWith(logger.Dispatch, "Schedule %s stored but index write failed: %v", sched.ID, err)
		return sched, fmt.Errorf("%w: %v", ErrIndexWrite, err)
	}

	metrics.SchedulesCreated.Inc()
	d.logger.InfoWith(logger.Dispatch, "Created schedule %s for user %s: %s %s to %s every %s, first run %s",
		sched.ID, sh.Address(), sched.Amount, sched.Currency, sched.Recipient,
		sched.Interval, sched.NextRun.Format(time.RFC3339))
	return sched, nil
}

// DeleteSchedule removes a schedule from the index and the user's shard.
// The index entry goes first so an interleaved tick cannot fire a schedule
// the shard no longer has.
func (d *Dispatcher) DeleteSchedule(userAddress string, id uuid.UUID) error {
	sh, err := d.shards.Shard(userAddress)
	if err != nil {
		return err
	}
	if err := d.idx.Delete(id); err != nil {
		return err
	}
	return sh.DeleteSchedule(id)
}
