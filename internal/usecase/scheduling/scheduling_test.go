package scheduling

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slack-ircd/internal/infra/logger"
)

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(logger.Discard())

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()), "second Start is a no-op")
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "second Stop is a no-op")
}

func TestSchedulerStopWithoutStart(t *testing.T) {
	s := NewScheduler(logger.Discard())
	assert.NoError(t, s.Stop())
}

func TestSchedulerActionFires(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "50ms", Action: ActionUserRefresh}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return count.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestSchedulerActionErrorKeepsRunning(t *testing.T) {
	var count atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error {
		count.Add(1)
		return errors.New("slack unavailable")
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "30ms", Action: ActionUserRefresh}))

	require.NoError(t, s.Start(context.Background()))
	assert.Eventually(t, func() bool { return count.Load() >= 2 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, s.Stop())
}

func TestSchedulerStopCancelsRunningTask(t *testing.T) {
	started := make(chan struct{})
	var sawCancel atomic.Bool

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		sawCancel.Store(true)
		return ctx.Err()
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "20ms", Action: ActionUserRefresh}))
	require.NoError(t, s.Start(context.Background()))

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("task never started")
	}
	require.NoError(t, s.Stop())
	assert.True(t, sawCancel.Load())
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	var running, maxRunning atomic.Int32

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		for {
			old := maxRunning.Load()
			if n <= old || maxRunning.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(80 * time.Millisecond)
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "10ms", Action: ActionUserRefresh}))

	require.NoError(t, s.Start(context.Background()))
	time.Sleep(250 * time.Millisecond)
	require.NoError(t, s.Stop())

	assert.Equal(t, int32(1), maxRunning.Load())
}

func TestSchedulerTaskTimeout(t *testing.T) {
	deadlines := make(chan time.Duration, 1)

	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error {
		dl, ok := ctx.Deadline()
		if ok {
			select {
			case deadlines <- time.Until(dl):
			default:
			}
		}
		return nil
	})
	require.NoError(t, s.AddTask(ScheduledTask{
		Name: "users", Schedule: "20ms", Action: ActionUserRefresh, Timeout: time.Second,
	}))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	select {
	case d := <-deadlines:
		assert.LessOrEqual(t, d, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestSchedulerAddTaskErrors(t *testing.T) {
	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error { return nil })

	assert.Error(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "1m", Action: "does_not_exist"}))
	assert.Error(t, s.AddTask(ScheduledTask{Name: "x", Schedule: "not a schedule", Action: ActionUserRefresh}))

	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "@hourly", Action: ActionUserRefresh}))
	assert.Error(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "@daily", Action: ActionUserRefresh}))
}

func TestSchedulerNextRun(t *testing.T) {
	s := NewScheduler(logger.Discard())
	s.RegisterAction(ActionUserRefresh, func(ctx context.Context) error { return nil })
	require.NoError(t, s.AddTask(ScheduledTask{Name: "users", Schedule: "1h", Action: ActionUserRefresh}))

	_, ok := s.NextRun("users")
	assert.False(t, ok, "entries have no next run before Start")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	next, ok := s.NextRun("users")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), next, 5*time.Second)

	_, ok = s.NextRun("missing")
	assert.False(t, ok)
}

func TestParseSchedule(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		schedule string
		want     time.Time
	}{
		{"cron", "*/30 * * * *", base.Add(30 * time.Minute)},
		{"descriptor", "@hourly", base.Add(time.Hour)},
		{"duration", "15m", base.Add(15 * time.Minute)},
		{"sub-second duration", "250ms", base.Add(250 * time.Millisecond)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := ParseSchedule(tt.schedule)
			require.NoError(t, err)
			assert.Equal(t, tt.want, sched.Next(base))
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	for _, s := range []string{"", "banana", "-5m", "0s"} {
		_, err := ParseSchedule(s)
		assert.Error(t, err, "schedule %q", s)
	}
}
