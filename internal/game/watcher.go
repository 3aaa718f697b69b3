package game

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
)

const defaultTickInterval = 250 * time.Millisecond

// Ticker abstracts time.Ticker so the countdown can be driven manually in
// tests.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realTicker struct{ t *time.Ticker }

func (r realTicker) C() <-chan time.Time { return r.t.C }
func (r realTicker) Stop()               { r.t.Stop() }

type WatcherConfig struct {
	Store store.Store
	Game  *Service

	// Interval between countdown checks.
	Interval time.Duration

	// NewTicker overrides ticker construction, for tests.
	NewTicker func(d time.Duration) Ticker
}

// Watcher is the host-side countdown driver. Clients render the countdown
// locally from roundTimer and the server clock offset; the host's watcher is
// the single place that detects the zero-crossing and flips the room to
// reveal. The call is edge-triggered: once per round, on the transition from
// time remaining to none, never on every tick.
type Watcher struct {
	st        store.Store
	game      *Service
	interval  time.Duration
	newTicker func(d time.Duration) Ticker
}

func NewWatcher(c WatcherConfig) *Watcher {
	w := &Watcher{
		st:        c.Store,
		game:      c.Game,
		interval:  c.Interval,
		newTicker: c.NewTicker,
	}
	if w.interval <= 0 {
		w.interval = defaultTickInterval
	}
	if w.newTicker == nil {
		w.newTicker = func(d time.Duration) Ticker { return realTicker{time.NewTicker(d)} }
	}
	return w
}

// Supervisor runs at most one countdown watcher per room. Watchers exit on
// their own when the room is deleted or the game finishes, so the active set
// shrinks without bookkeeping beyond the dedup map.
type Supervisor struct {
	w      *Watcher
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
}

func NewSupervisor(c WatcherConfig) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		w:      NewWatcher(c),
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]struct{}),
	}
}

// Ensure starts a watcher for the room on behalf of uid unless one is
// already running.
func (s *Supervisor) Ensure(uid, code string) {
	code = room.NormalizeCode(code)

	s.mu.Lock()
	if _, ok := s.active[code]; ok {
		s.mu.Unlock()
		return
	}
	s.active[code] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.active, code)
			s.mu.Unlock()
		}()

		if err := s.w.Run(s.ctx, uid, code); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("game: room watcher stopped", "code", code, "error", err)
		}
	}()
}

// Stop cancels every running watcher and waits for them to exit.
func (s *Supervisor) Stop() {
	s.cancel()
	s.wg.Wait()
}

// Run watches the room until ctx is done, the room disappears, or the game
// finishes. It only does anything while uid is the room's host.
func (w *Watcher) Run(ctx context.Context, uid, code string) error {
	code = room.NormalizeCode(code)
	snaps, stop := w.st.Subscribe(ctx, store.RoomPath(code))
	defer stop()

	ticker := w.newTicker(w.interval)
	defer ticker.Stop()

	var (
		current       *domain.Room
		armed         bool // true while the active round still has time left
		revealedRound int
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if snap.Value == nil {
				return nil // room deleted
			}
			r := new(domain.Room)
			if err := json.Unmarshal(snap.Value, r); err != nil {
				slog.ErrorContext(ctx, "game: watcher decode room failed", "code", code, "error", err)
				continue
			}
			if r.Stage == domain.StageFinished {
				return nil
			}
			// Arm once per round; the revealedRound guard below keeps the
			// reveal call single-shot even if snapshots repeat.
			if r.Stage == domain.StageQuestion && r.CurrentRound != revealedRound {
				armed = true
			}
			current = r

		case now := <-ticker.C():
			if current == nil || current.Host != uid {
				continue
			}
			if current.Stage != domain.StageQuestion || current.RoundTimer == nil {
				armed = false
				continue
			}
			remaining := current.RoundTimer.Deadline() - domain.Millis(now.Add(w.st.ServerClockOffset()))
			switch {
			case remaining > 0:
				armed = true
			case armed && current.CurrentRound != revealedRound:
				armed = false
				revealedRound = current.CurrentRound
				if err := w.game.Reveal(ctx, uid, code); err != nil {
					slog.ErrorContext(ctx, "game: auto reveal failed", "code", code, "error", err)
				}
			}
		}
	}
}
