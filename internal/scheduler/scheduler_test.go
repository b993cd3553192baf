package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mlm_service/internal/bonus"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

type fakeRunner struct {
	mu      sync.Mutex
	days    []time.Time
	months  []string
	err     error
	summary *bonus.Summary
}

func (f *fakeRunner) RunDaily(_ context.Context, date time.Time) (*bonus.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.days = append(f.days, date)
	return f.summary, f.err
}

func (f *fakeRunner) RunMonthly(_ context.Context, month time.Month, year int) (*bonus.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.months = append(f.months, time.Date(year, month, 1, 0, 0, 0, 0, time.UTC).Format(bonus.MonthlyLayout))
	return f.summary, f.err
}

func (f *fakeRunner) dailyCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.days)
}

func completed() *bonus.Summary {
	return &bonus.Summary{RunID: "run-1", Status: bonus.RunCompleted, Total: decimal.NewFromInt(10)}
}

func TestRunPreviousDayUsesBusinessTimezone(t *testing.T) {
	jakarta, err := time.LoadLocation("Asia/Jakarta")
	require.NoError(t, err)
	runner := &fakeRunner{summary: completed()}
	// 18:30 UTC on the 9th is already the 10th in Jakarta
	now := time.Date(2026, 3, 9, 18, 30, 0, 0, time.UTC)
	s := New(runner, jakarta, zap.NewNop(), WithClock(func() time.Time { return now }))

	require.NoError(t, s.RunPreviousDay(context.Background()))
	require.Len(t, runner.days, 1)
	assert.Equal(t, "2026-03-09", runner.days[0].Format(bonus.DailyLayout))
}

func TestRunPreviousMonthCrossesYear(t *testing.T) {
	runner := &fakeRunner{summary: completed()}
	now := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	s := New(runner, time.UTC, zap.NewNop(), WithClock(func() time.Time { return now }))

	require.NoError(t, s.RunPreviousMonth(context.Background()))
	assert.Equal(t, []string{"2025-12"}, runner.months)
}

func TestReportOutcomes(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	runner := &fakeRunner{err: bonus.ErrAlreadyRun}
	s := New(runner, time.UTC, zap.New(core))

	require.NoError(t, s.RunPreviousDay(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("period already completed").Len())

	runner.err = bonus.ErrRunInProgress
	require.NoError(t, s.RunPreviousDay(context.Background()))
	assert.Equal(t, 1, logs.FilterMessage("period run in progress elsewhere").Len())

	boom := errors.New("db down")
	runner.err = boom
	assert.ErrorIs(t, s.RunPreviousMonth(context.Background()), boom)
	assert.Equal(t, 1, logs.FilterMessage("scheduled run failed").Len())

	runner.err = nil
	runner.summary = &bonus.Summary{RunID: "run-2", Status: bonus.RunFailed, ErrorCount: 3}
	require.NoError(t, s.RunPreviousDay(context.Background()))
	entries := logs.FilterMessage("scheduled run finished with member errors").All()
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].ContextMap()["error_count"])
}

func TestScheduleRejectsInvalidSpec(t *testing.T) {
	s := New(&fakeRunner{}, time.UTC, zap.NewNop())
	assert.Error(t, s.Schedule("not a spec", ""))
	assert.Error(t, s.Schedule("", "* * *"))
	assert.NoError(t, s.Schedule("", ""))
}

func TestStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	runner := &fakeRunner{summary: completed()}
	s := New(runner, time.UTC, zap.NewNop())
	require.NoError(t, s.Schedule("* * * * * *", ""))
	s.Start()
	require.Eventually(t, func() bool { return runner.dailyCalls() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()
}

func TestScheduledFailureIsLoggedOnce(t *testing.T) {
	defer goleak.VerifyNone(t)

	core, logs := observer.New(zap.InfoLevel)
	runner := &fakeRunner{err: errors.New("db down")}
	s := New(runner, time.UTC, zap.New(core))
	require.NoError(t, s.Schedule("* * * * * *", ""))
	s.Start()
	require.Eventually(t, func() bool { return runner.dailyCalls() > 0 }, 3*time.Second, 50*time.Millisecond)
	s.Stop()

	calls := runner.dailyCalls()
	failures := logs.FilterMessage("scheduled run failed").All()
	require.Len(t, failures, calls)
	assert.Equal(t, "daily", failures[0].ContextMap()["job"])
	assert.Equal(t, "db down", failures[0].ContextMap()["error"])
}
