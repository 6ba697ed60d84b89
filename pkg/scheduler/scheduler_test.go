package scheduler

import (
	"context"
	"errors"
	"log"
	"testing"
	"time"

	"github.com/function61/gokit/assert"
)

var t0 = time.Date(2020, 1, 1, 12, 0, 0, 0, time.UTC)

func TestParseSchedule(t *testing.T) {
	schedule, err := ParseSchedule("*/15 * * * *")
	assert.Ok(t, err)
	assert.EqualString(t, schedule.Next(t0.Add(time.Minute)).Format(time.RFC3339), "2020-01-01T12:15:00Z")

	schedule, err = ParseSchedule("@hourly")
	assert.Ok(t, err)
	assert.EqualString(t, schedule.Next(t0).Format(time.RFC3339), "2020-01-01T13:00:00Z")

	_, err = ParseSchedule("every now and then")
	assert.Assert(t, err != nil)
}

func TestTriggerDoesNotOverlap(t *testing.T) {
	started := make(chan struct{}, 10)
	release := make(chan struct{})

	job, err := NewJob("auto", "@yearly", func(ctx context.Context, _ *log.Logger) error {
		started <- struct{}{}
		<-release
		return errors.New("zfs went away")
	}, time.Now())
	assert.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	controller := New([]*Job{job}, nil)

	stopped := make(chan error, 1)
	go func() {
		stopped <- controller.Run(ctx)
	}()

	assert.Ok(t, controller.Trigger(ctx, "auto"))
	<-started

	assert.Ok(t, controller.Trigger(ctx, "auto")) // skipped, previous still running

	status, err := controller.Status(ctx)
	assert.Ok(t, err)
	assert.Assert(t, len(status) == 1)
	assert.Assert(t, status[0].Running)
	assert.Assert(t, status[0].Runs == 1)

	close(release)

	// wait for the finish to be recorded
	for {
		status, err := controller.Status(ctx)
		assert.Ok(t, err)

		if !status[0].Running {
			assert.EqualString(t, status[0].LastRun.Error, "zfs went away")
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	assert.Ok(t, <-stopped)

	assert.Assert(t, len(started) == 0)
}

func TestScheduledRun(t *testing.T) {
	ran := make(chan struct{}, 1)

	job, err := NewJob("auto", "@every 1s", func(ctx context.Context, _ *log.Logger) error {
		select {
		case ran <- struct{}{}:
		default:
		}
		return nil
	}, time.Now())
	assert.Ok(t, err)

	ctx, cancel := context.WithCancel(context.Background())

	controller := New([]*Job{job}, nil)

	stopped := make(chan error, 1)
	go func() {
		stopped <- controller.Run(ctx)
	}()

	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("job never ran")
	}

	cancel()
	assert.Ok(t, <-stopped)
}

func TestTriggerWithoutRunningController(t *testing.T) {
	job, err := NewJob("auto", "@yearly", func(ctx context.Context, _ *log.Logger) error {
		return nil
	}, time.Now())
	assert.Ok(t, err)

	controller := New([]*Job{job}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.Assert(t, errors.Is(controller.Trigger(ctx, "auto"), context.DeadlineExceeded))

	_, err = controller.Status(ctx)
	assert.Assert(t, errors.Is(err, context.DeadlineExceeded))
}
