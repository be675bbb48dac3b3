package directory

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/require"

	"github.com/charlesng35/collabd/internal/eventloop"
	"github.com/charlesng35/collabd/internal/session"
)

func runLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	go loop.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func TestReaperRunOnce(t *testing.T) {
	loop := runLoop(t)
	dir, clock := newTestDirectory()
	reaper := NewReaper(dir, loop, WithIdleTTL(time.Minute))
	require.Equal(t, time.Minute, reaper.TTL())

	err := loop.Call(context.Background(), func() error {
		if _, err := dir.Open("stale"); err != nil {
			return err
		}
		_, err := dir.JoinLocal("busy", session.NewUserFields("bot"))
		return err
	})
	require.NoError(t, err)

	released, err := reaper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Empty(t, released)

	clock.Advance(2 * time.Minute)
	released, err = reaper.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"stale"}, released)

	var open int
	require.NoError(t, loop.Call(context.Background(), func() error {
		open = dir.Len()
		return nil
	}))
	require.Equal(t, 1, open)
}

func TestReaperRunOnceStoppedLoop(t *testing.T) {
	loop := eventloop.New(0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	loop.Run(ctx)

	dir, _ := newTestDirectory()
	_, err := NewReaper(dir, loop).RunOnce(context.Background())
	require.ErrorIs(t, err, eventloop.ErrStopped)
}

func TestReaperStartRejectsInvalidSchedule(t *testing.T) {
	dir, _ := newTestDirectory()
	reaper := NewReaper(dir, runLoop(t), WithSchedule("not a schedule"))

	require.Error(t, reaper.Start())
}

func TestReaperStartRequiresDependencies(t *testing.T) {
	require.Error(t, NewReaper(nil, nil).Start())
}

func TestReaperStartAndStop(t *testing.T) {
	dir, _ := newTestDirectory()
	c := cron.New(cron.WithLogger(cron.DiscardLogger))
	reaper := NewReaper(dir, runLoop(t), WithCron(c), WithSchedule("@every 1h"))

	require.NoError(t, reaper.Start())
	require.Len(t, c.Entries(), 1)

	select {
	case <-reaper.Stop().Done():
	case <-time.After(time.Second):
		t.Fatal("reaper did not stop")
	}
}
