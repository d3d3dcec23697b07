package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicepay-hq/voicepay/pkg/circuitbreaker"
	"github.com/voicepay-hq/voicepay/pkg/index"
	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

const (
	testUser      = "0x1111111111111111111111111111111111111111"
	testRecipient = "0x2222222222222222222222222222222222222222"
	testToken     = "0x9999999999999999999999999999999999999999"
)

// fakeExecutor is a test double for the executor bridge client.
type fakeExecutor struct {
	mu       sync.Mutex
	requests []models.DispatchRequest
	respond  func(req models.DispatchRequest) (*models.DispatchResponse, error)
}

func (f *fakeExecutor) Dispatch(_ context.Context, req models.DispatchRequest) (*models.DispatchResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	respond := f.respond
	f.mu.Unlock()
	if respond != nil {
		return respond(req)
	}
	return &models.DispatchResponse{OK: true, TxHash: "0xfire"}, nil
}

func (f *fakeExecutor) calls() []models.DispatchRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.DispatchRequest(nil), f.requests...)
}

type fixture struct {
	shards   *shard.Manager
	idx      *index.Store
	executor *fakeExecutor
	disp     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	shards, err := shard.Open(dir, time.Second, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = shards.Close() })

	idx, err := index.Open(dir, time.Second, &logger.EmptyLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	exec := &fakeExecutor{}
	breaker := circuitbreaker.New(true, 5, 5*time.Minute, 15*time.Minute)
	disp := New(shards, idx, exec, breaker, Options{
		TickInterval:    time.Minute,
		DispatchTimeout: 5 * time.Second,
		RetryBackoff:    600 * time.Second,
		WorkerCount:     2,
		Token:           testToken,
	}, &logger.EmptyLogger{})

	return &fixture{shards: shards, idx: idx, executor: exec, disp: disp}
}

func (f *fixture) createSchedule(t *testing.T, times *int) models.Schedule {
	t.Helper()
	sched, err := f.disp.CreateSchedule(testUser, models.ParsedIntent{
		Intent:    models.IntentRecurring,
		Address:   testRecipient,
		Amount:    decimal.NewFromInt(5),
		Currency:  models.CurrencyUSDC,
		Interval:  models.IntervalDaily,
		StartDate: "2025-01-01",
		TimeOfDay: "09:00",
		Times:     times,
	})
	require.NoError(t, err)
	return sched
}

func TestCreateSchedule(t *testing.T) {
	f := newFixture(t)
	times := 3
	sched := f.createSchedule(t, &times)

	assert.Equal(t, time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC), sched.NextRun.UTC())
	require.NotNil(t, sched.TimesRemaining)
	assert.Equal(t, 3, *sched.TimesRemaining)
	assert.True(t, sched.Active)

	t.Run("mirrored into index", func(t *testing.T) {
		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, sched.ID, entries[0].ScheduleID)
		assert.Equal(t, testUser, entries[0].UserAddress)
	})

	t.Run("stored in shard", func(t *testing.T) {
		sh, err := f.shards.Shard(testUser)
		require.NoError(t, err)
		got, err := sh.Schedule(sched.ID)
		require.NoError(t, err)
		assert.Equal(t, models.IntervalDaily, got.Interval)
	})

	t.Run("rejects send-once intent", func(t *testing.T) {
		_, err := f.disp.CreateSchedule(testUser, models.ParsedIntent{
			Intent:  models.IntentSendOnce,
			Address: testRecipient,
			Amount:  decimal.NewFromInt(1),
		})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})

	t.Run("rejects bad interval", func(t *testing.T) {
		_, err := f.disp.CreateSchedule(testUser, models.ParsedIntent{
			Intent:    models.IntentRecurring,
			Address:   testRecipient,
			Amount:    decimal.NewFromInt(1),
			Interval:  "fortnightly",
			StartDate: "2025-01-01",
		})
		assert.ErrorIs(t, err, ErrInvalidSchedule)
	})
}

func TestTickFiresDueSchedule(t *testing.T) {
	f := newFixture(t)
	times := 3
	sched := f.createSchedule(t, &times)

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.disp.Tick(context.Background(), now)

	calls := f.executor.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, sched.ID.String(), calls[0].ScheduleID)
	assert.Equal(t, testUser, calls[0].UserAddress)
	assert.Equal(t, testRecipient, calls[0].Recipient)
	assert.Equal(t, "5", calls[0].Amount)
	assert.Equal(t, testToken, calls[0].Token)

	t.Run("completed transaction with tx hash", func(t *testing.T) {
		sh, err := f.shards.Shard(testUser)
		require.NoError(t, err)
		history, err := sh.Transactions()
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.StatusCompleted, history[0].Status)
		assert.Equal(t, "0xfire", history[0].TxHash)
		require.NotNil(t, history[0].ScheduleID)
		assert.Equal(t, sched.ID, *history[0].ScheduleID)
	})

	t.Run("advanced in index and shard", func(t *testing.T) {
		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].NextRun.Equal(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)))
		require.NotNil(t, entries[0].TimesRemaining)
		assert.Equal(t, 2, *entries[0].TimesRemaining)

		sh, err := f.shards.Shard(testUser)
		require.NoError(t, err)
		got, err := sh.Schedule(sched.ID)
		require.NoError(t, err)
		assert.True(t, got.NextRun.Equal(time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)))
		require.NotNil(t, got.TimesRemaining)
		assert.Equal(t, 2, *got.TimesRemaining)
	})

	t.Run("not due again before next run", func(t *testing.T) {
		f.disp.Tick(context.Background(), now.Add(time.Minute))
		assert.Len(t, f.executor.calls(), 1)
	})
}

func TestScheduleRetiresAtZeroRemaining(t *testing.T) {
	f := newFixture(t)
	times := 3
	sched := f.createSchedule(t, &times)

	// One fire per tick; missed occurrences advance once per tick until
	// caught up.
	start := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.disp.Tick(context.Background(), start)
	f.disp.Tick(context.Background(), time.Date(2025, 1, 3, 9, 5, 0, 0, time.UTC))
	f.disp.Tick(context.Background(), time.Date(2025, 1, 3, 9, 6, 0, 0, time.UTC))

	require.Len(t, f.executor.calls(), 3)

	sh, err := f.shards.Shard(testUser)
	require.NoError(t, err)
	got, err := sh.Schedule(sched.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	require.NotNil(t, got.TimesRemaining)
	assert.Equal(t, 0, *got.TimesRemaining)
	assert.True(t, got.NextRun.Equal(time.Date(2025, 1, 4, 9, 0, 0, 0, time.UTC)))

	t.Run("index entry removed", func(t *testing.T) {
		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("no further fires", func(t *testing.T) {
		f.disp.Tick(context.Background(), time.Date(2025, 2, 1, 9, 0, 0, 0, time.UTC))
		assert.Len(t, f.executor.calls(), 3)
	})

	t.Run("next runs strictly increasing", func(t *testing.T) {
		history, err := sh.Transactions()
		require.NoError(t, err)
		require.Len(t, history, 3)
		for i := 0; i+1 < len(history); i++ {
			// Newest first.
			assert.True(t, history[i+1].Timestamp.Before(history[i].Timestamp) ||
				history[i+1].Timestamp.Equal(history[i].Timestamp))
		}
	})
}

func TestFailedFireSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	times := 3
	sched := f.createSchedule(t, &times)

	f.executor.respond = func(models.DispatchRequest) (*models.DispatchResponse, error) {
		return &models.DispatchResponse{OK: false, Error: "boom", Code: "rpc_unavailable"}, nil
	}

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	f.disp.Tick(context.Background(), now)

	sh, err := f.shards.Shard(testUser)
	require.NoError(t, err)

	t.Run("failed transaction appended with diagnostic note", func(t *testing.T) {
		history, err := sh.Transactions()
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, models.StatusFailed, history[0].Status)
		assert.Empty(t, history[0].TxHash)
		assert.Contains(t, history[0].Note, "rpc_unavailable")
	})

	t.Run("next run pushed by backoff, remaining unchanged", func(t *testing.T) {
		got, err := sh.Schedule(sched.ID)
		require.NoError(t, err)
		assert.True(t, got.NextRun.Equal(now.Add(600*time.Second)))
		require.NotNil(t, got.TimesRemaining)
		assert.Equal(t, 3, *got.TimesRemaining)
		assert.True(t, got.Active)

		entries, err := f.idx.ListAll()
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.True(t, entries[0].NextRun.Equal(now.Add(600*time.Second)))
	})

	t.Run("transport error handled the same way", func(t *testing.T) {
		f.executor.respond = func(models.DispatchRequest) (*models.DispatchResponse, error) {
			return nil, errors.New("connection refused")
		}
		retryAt := now.Add(600 * time.Second)
		f.disp.Tick(context.Background(), retryAt)

		history, err := sh.Transactions()
		require.NoError(t, err)
		assert.Len(t, history, 2)

		got, err := sh.Schedule(sched.ID)
		require.NoError(t, err)
		assert.True(t, got.NextRun.Equal(retryAt.Add(600*time.Second)))
	})
}

func TestInFlightSuppression(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, nil)

	started := make(chan struct{})
	releaseCh := make(chan struct{})
	f.executor.respond = func(models.DispatchRequest) (*models.DispatchResponse, error) {
		close(started)
		<-releaseCh
		return &models.DispatchResponse{OK: true, TxHash: "0xslow"}, nil
	}

	now := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	done := make(chan struct{})
	go func() {
		f.disp.Tick(context.Background(), now)
		close(done)
	}()
	<-started

	// The overlapping tick must skip the schedule still being fired.
	secondCalls := len(f.executor.calls())
	f.disp.Tick(context.Background(), now)
	assert.Equal(t, secondCalls, len(f.executor.calls()))

	close(releaseCh)
	<-done
}

func TestTickSkipsWhenBreakerOpen(t *testing.T) {
	f := newFixture(t)
	f.createSchedule(t, nil)

	for i := 0; i < 5; i++ {
		f.disp.breaker.RecordFailure()
	}
	require.True(t, f.disp.breaker.IsOpen())

	f.disp.Tick(context.Background(), time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC))
	assert.Empty(t, f.executor.calls())
}

func TestDeleteSchedule(t *testing.T) {
	f := newFixture(t)
	sched := f.createSchedule(t, nil)

	require.NoError(t, f.disp.DeleteSchedule(testUser, sched.ID))

	entries, err := f.idx.ListAll()
	require.NoError(t, err)
	assert.Empty(t, entries)

	sh, err := f.shards.Shard(testUser)
	require.NoError(t, err)
	_, err = sh.Schedule(sched.ID)
	assert.ErrorIs(t, err, shard.ErrNotFound)

	t.Run("unknown schedule", func(t *testing.T) {
		err := f.disp.DeleteSchedule(testUser, uuid.New())
		assert.ErrorIs(t, err, shard.ErrNotFound)
	})
}
