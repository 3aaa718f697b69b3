package game_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/game"
	"github.com/quizroom/quizroom/internal/store"
)

type fakeTicker struct{ ch chan time.Time }

func (f fakeTicker) C() <-chan time.Time { return f.ch }
func (f fakeTicker) Stop()               {}

func makeWatcher(h *harness) (*game.Watcher, chan time.Time) {
	ticks := make(chan time.Time, 1)
	w := game.NewWatcher(game.WatcherConfig{
		Store: h.st,
		Game:  h.game,
		NewTicker: func(time.Duration) game.Ticker {
			return fakeTicker{ch: ticks}
		},
	})
	return w, ticks
}

func TestWatcher_RevealsWhenTimeRunsOut(t *testing.T) {
	h := makeHarness(t)
	ctx := context.Background()

	code5, err := h.rooms.Create(ctx, "host", "Ana")
	require.NoError(t, err)
	require.NoError(t, h.game.Start(ctx, "host", code5, "geo", 50, nil))

	w, ticks := makeWatcher(h)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "host", code5) }()

	// Once the 50ms countdown has elapsed, a tick should flip the room.
	require.Eventually(t, func() bool {
		select {
		case ticks <- time.Now():
		default:
		}
		r, err := h.rooms.Get(ctx, code5)
		return err == nil && r.Stage == domain.StageReveal
	}, 3*time.Second, 20*time.Millisecond)

	// Further ticks must not disturb the later stages.
	require.NoError(t, h.game.Results(ctx, "host", code5))
	ticks <- time.Now()
	require.Equal(t, domain.StageResults, h.readRoom(t, code5).Stage)

	// Deleting the room ends the run.
	require.NoError(t, h.st.Remove(ctx, store.RoomPath(code5)))
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop after room deletion")
	}
}

func TestWatcher_IgnoresRoomsOfOtherHosts(t *testing.T) {
	h := makeHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	code5, err := h.rooms.Create(ctx, "host", "Ana")
	require.NoError(t, err)
	require.NoError(t, h.game.Start(ctx, "host", code5, "geo", 50, nil))

	w, ticks := makeWatcher(h)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "guest", code5) }()

	deadline := time.After(300 * time.Millisecond)
	for keep := true; keep; {
		select {
		case ticks <- time.Now():
		case <-deadline:
			keep = false
		}
	}
	require.Equal(t, domain.StageQuestion, h.readRoom(t, code5).Stage,
		"a non-host watcher must never reveal")

	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop on cancel")
	}
}

func TestSupervisor_OneWatcherPerRoom(t *testing.T) {
	h := makeHarness(t)
	ctx := context.Background()

	code5, err := h.rooms.Create(ctx, "host", "Ana")
	require.NoError(t, err)
	require.NoError(t, h.game.Start(ctx, "host", code5, "geo", 50, nil))

	ticks := make(chan time.Time, 1)
	var started atomic.Int32
	sup := game.NewSupervisor(game.WatcherConfig{
		Store: h.st,
		Game:  h.game,
		NewTicker: func(time.Duration) game.Ticker {
			started.Add(1)
			return fakeTicker{ch: ticks}
		},
	})
	defer sup.Stop()

	sup.Ensure("host", code5)
	sup.Ensure("host", code5)

	require.Eventually(t, func() bool {
		select {
		case ticks <- time.Now():
		default:
		}
		r, err := h.rooms.Get(ctx, code5)
		return err == nil && r.Stage == domain.StageReveal
	}, 3*time.Second, 20*time.Millisecond)

	require.EqualValues(t, 1, started.Load(), "repeat Ensure must not spawn a second watcher")
}

func TestWatcher_StopsWhenGameFinishes(t *testing.T) {
	h := makeHarness(t)
	ctx := context.Background()

	h.writeRoom(t, domain.Room{
		Code:    "WFIN1",
		Host:    "host",
		Stage:   domain.StageResults,
		Players: map[string]domain.Player{"host": {}},
	})

	w, _ := makeWatcher(h)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx, "host", "WFIN1") }()

	require.NoError(t, h.game.Finish(ctx, "host", "WFIN1"))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("watcher did not stop after finish")
	}
}
