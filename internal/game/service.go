// Package game drives a room through its round state machine:
//
//	lobby -> question -> reveal -> results -> (question | finished)
//
// Stages only move forward. Every transition is a conditional transaction on
// the room document, so a failed or raced transition never leaves a partial
// stage flip behind.
package game

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"strconv"

	"github.com/quizroom/quizroom/internal/domain"
	"github.com/quizroom/quizroom/internal/errors"
	"github.com/quizroom/quizroom/internal/event"
	"github.com/quizroom/quizroom/internal/question"
	"github.com/quizroom/quizroom/internal/room"
	"github.com/quizroom/quizroom/internal/store"
)

const (
	// DefaultRoundMs is the question countdown used when the caller does
	// not pick one.
	DefaultRoundMs int64 = 15000

	// DefaultSpinMs is the category spin animation length.
	DefaultSpinMs int64 = 1800

	// pickAttempts bounds re-selection when a concurrently started round
	// consumed the question we picked.
	pickAttempts = 3
)

var (
	errNotHost = errors.New(errors.CodePermissionDenied,
		errors.WithMessagef("only the host may do this"))

	errNoUser = errors.New(errors.CodeUnauthenticated,
		errors.WithMessagef("no authenticated user"))
)

func errBadStage(got domain.Stage, want ...domain.Stage) error {
	return errors.New(errors.CodeFailedPrecondition,
		errors.WithMessagef("stage is %q, expected one of %v", got, want))
}

type Config struct {
	Store     store.Store
	Questions *question.Service
	EventBus  *event.Bus

	// NewSeed overrides spin seed generation, for tests.
	NewSeed func() int64
}

type Service struct {
	st      store.Store
	qs      *question.Service
	eb      *event.Bus
	newSeed func() int64
}

func NewService(c Config) *Service {
	s := &Service{
		st:      c.Store,
		qs:      c.Questions,
		eb:      c.EventBus,
		newSeed: c.NewSeed,
	}
	if s.newSeed == nil {
		s.newSeed = func() int64 { return rand.Int63n(1_000_000_000) }
	}
	return s
}

// Start begins round 1: scores reset, a question of the category is drawn
// (preferring a matching prefetch), its id is marked used, and the round
// timer starts against the server clock. Host only, from the lobby.
func (s *Service) Start(ctx context.Context, uid, code, category string, durationMs int64, prefetched *domain.Question) error {
	return s.placeRound(ctx, uid, code, category, durationMs, prefetched, domain.StageLobby)
}

// Next advances from results to the following round, or straight to finished
// when the configured round cap is reached. Host only.
func (s *Service) Next(ctx context.Context, uid, code, category string, durationMs int64) error {
	r, err := s.get(ctx, code)
	if err != nil {
		return err
	}
	if err := hostGate(r, uid); err != nil {
		return err
	}

	if cap := r.Settings.RoundCap(); cap > 0 && currentRound(r)+1 > cap {
		return s.finishStage(ctx, uid, code, domain.StageResults)
	}

	return s.placeRound(ctx, uid, code, category, durationMs, nil, domain.StageResults)
}

// placeRound draws an unused question and commits the round write in one
// transaction. A race on the used list aborts the commit and re-draws.
func (s *Service) placeRound(ctx context.Context, uid, code, category string, durationMs int64, prefetched *domain.Question, from domain.Stage) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)
	if durationMs <= 0 {
		durationMs = DefaultRoundMs
	}

	for attempt := 0; attempt < pickAttempts; attempt++ {
		r, err := s.get(ctx, code)
		if err != nil {
			return err
		}
		if err := hostGate(r, uid); err != nil {
			return err
		}
		if r.Stage != from {
			return errBadStage(r.Stage, from)
		}

		q := prefetched
		if q == nil || q.Category != category || contains(r.Used, q.ID) {
			picked, err := s.qs.RandomQuestion(ctx, category, r.Used)
			if err != nil {
				return err
			}
			q = &picked
		}

		var usedRace bool
		committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
			usedRace = false
			if cur == nil {
				return nil, store.ErrTxAbort
			}
			var r domain.Room
			if err := json.Unmarshal(cur, &r); err != nil {
				return nil, err
			}
			if r.Host != uid || r.Stage != from {
				return nil, store.ErrTxAbort
			}
			if contains(r.Used, q.ID) {
				usedRace = true
				return nil, store.ErrTxAbort
			}

			next := currentRound(&r) + 1
			if from == domain.StageLobby {
				next = 1
				r.Scores = nil
				r.Rounds = nil
			}

			now := domain.Millis(s.st.Now())
			if r.Rounds == nil {
				r.Rounds = make(map[string]domain.Round)
			}
			r.Used = append(r.Used, q.ID)
			r.Rounds[strconv.Itoa(next)] = domain.Round{
				Question:   *q,
				Category:   q.Category,
				QuestionID: q.ID,
				CreatedAt:  now,
			}
			r.RoundTimer = &domain.RoundTimer{StartAt: now, DurationMs: durationMs}
			r.CurrentRound = next
			r.Stage = domain.StageQuestion
			return json.Marshal(r)
		})
		if err != nil {
			return fmt.Errorf("game: start round: %w", err)
		}
		if committed {
			return nil
		}
		if usedRace {
			prefetched = nil
			continue
		}
		// Stage or host changed underneath us; re-read for the real error.
	}

	r, err := s.get(ctx, code)
	if err != nil {
		return err
	}
	if err := hostGate(r, uid); err != nil {
		return err
	}
	if r.Stage != from {
		return errBadStage(r.Stage, from)
	}
	return fmt.Errorf("game: start round: %w", store.ErrTxConflict)
}

// SubmitAnswer records the caller's option for the active round. The first
// submission wins; a re-submission is accepted silently but changes nothing.
func (s *Service) SubmitAnswer(ctx context.Context, uid, code string, optionIndex int) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)

	var wrongStage domain.Stage
	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		wrongStage = ""
		if cur == nil {
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if r.Stage != domain.StageQuestion {
			wrongStage = r.Stage
			return nil, store.ErrTxAbort
		}

		key := strconv.Itoa(currentRound(&r))
		rnd := r.Rounds[key]
		if _, answered := rnd.Answers[uid]; answered {
			return nil, store.ErrTxAbort // first answer wins
		}
		if rnd.Answers == nil {
			rnd.Answers = make(map[string]domain.Answer)
		}
		rnd.Answers[uid] = domain.Answer{
			OptionIndex: optionIndex,
			At:          domain.Millis(s.st.Now()),
		}
		r.Rounds[key] = rnd
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("game: submit answer: %w", err)
	}
	if !committed && wrongStage != "" {
		return errBadStage(wrongStage, domain.StageQuestion)
	}
	if !committed {
		// Missing room, or an answer already on record.
		if _, err := s.get(ctx, code); err != nil {
			return err
		}
	}
	return nil
}

// Reveal flips question -> reveal. Host only. Calling it when the room is
// already revealing is a no-op, so a manual tap racing the countdown watcher
// is harmless.
func (s *Service) Reveal(ctx context.Context, uid, code string) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)

	var blocked error
	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		blocked = nil
		if cur == nil {
			blocked = room.ErrNotFound
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if err := hostGate(&r, uid); err != nil {
			blocked = err
			return nil, store.ErrTxAbort
		}
		if r.Stage == domain.StageReveal {
			return nil, store.ErrTxAbort // already there
		}
		if r.Stage != domain.StageQuestion {
			blocked = errBadStage(r.Stage, domain.StageQuestion)
			return nil, store.ErrTxAbort
		}
		r.Stage = domain.StageReveal
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("game: reveal: %w", err)
	}
	if !committed && blocked != nil {
		return blocked
	}
	return nil
}

// Results scores the revealed round and flips reveal -> results. A correct
// answer earns 500 base points plus up to 500 speed bonus, linear in the
// remaining-time fraction when it was submitted. The per-round breakdown is
// kept on the round for the reveal screen; cumulative scores only ever grow.
func (s *Service) Results(ctx context.Context, uid, code string) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)

	var blocked error
	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		blocked = nil
		if cur == nil {
			blocked = room.ErrNotFound
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if err := hostGate(&r, uid); err != nil {
			blocked = err
			return nil, store.ErrTxAbort
		}
		if r.Stage != domain.StageReveal {
			blocked = errBadStage(r.Stage, domain.StageReveal)
			return nil, store.ErrTxAbort
		}

		key := strconv.Itoa(currentRound(&r))
		rnd := r.Rounds[key]
		rnd.Points = scoreRound(rnd, r.RoundTimer)

		if r.Scores == nil {
			r.Scores = make(map[string]int)
		}
		for player, pts := range rnd.Points {
			r.Scores[player] += pts
		}

		r.Rounds[key] = rnd
		r.Stage = domain.StageResults
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("game: results: %w", err)
	}
	if !committed {
		if blocked != nil {
			return blocked
		}
		return fmt.Errorf("game: results: %w", store.ErrTxConflict)
	}
	return nil
}

// scoreRound computes each answering player's points for the round. An
// answer without a timestamp is treated as arriving exactly at the deadline.
func scoreRound(rnd domain.Round, timer *domain.RoundTimer) map[string]int {
	correct := rnd.Question.CorrectIndex()

	var startAt, durationMs int64 = 0, DefaultRoundMs
	if timer != nil {
		startAt, durationMs = timer.StartAt, timer.DurationMs
	}

	points := make(map[string]int, len(rnd.Answers))
	for uid, a := range rnd.Answers {
		points[uid] = 0
		if a.OptionIndex != correct || correct < 0 {
			continue
		}
		answeredAt := a.At
		if answeredAt == 0 {
			answeredAt = startAt + durationMs
		}
		ratio := float64(startAt+durationMs-answeredAt) / float64(durationMs)
		ratio = math.Max(0, math.Min(1, ratio))
		points[uid] = int(math.Round(500 + 500*ratio))
	}
	return points
}

// Finish ends the game from the results stage. Host only. An emptied room is
// deleted outright, mirroring Leave's cleanup.
func (s *Service) Finish(ctx context.Context, uid, code string) error {
	return s.finishStage(ctx, uid, code, domain.StageResults)
}

func (s *Service) finishStage(ctx context.Context, uid, code string, from domain.Stage) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)

	var (
		blocked error
		scores  map[string]int
	)
	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		blocked, scores = nil, nil
		if cur == nil {
			blocked = room.ErrNotFound
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		if err := hostGate(&r, uid); err != nil {
			blocked = err
			return nil, store.ErrTxAbort
		}
		if r.Stage != from {
			blocked = errBadStage(r.Stage, from)
			return nil, store.ErrTxAbort
		}
		scores = r.Scores
		if len(r.Players) == 0 {
			return nil, nil // nobody left, reclaim the room
		}
		r.Stage = domain.StageFinished
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("game: finish: %w", err)
	}
	if !committed {
		if blocked != nil {
			return blocked
		}
		return fmt.Errorf("game: finish: %w", store.ErrTxConflict)
	}

	if s.eb != nil {
		s.eb.Publish(ctx, domain.EventGameFinished{Code: code, Scores: scores})
	}
	return nil
}

// Prefetch draws the next unused question for a category and caches it on
// the room, hiding the bank lookup latency from the next round start.
func (s *Service) Prefetch(ctx context.Context, uid, code, category string) error {
	if uid == "" {
		return errNoUser
	}
	code = room.NormalizeCode(code)

	r, err := s.get(ctx, code)
	if err != nil {
		return err
	}
	q, err := s.qs.RandomQuestion(ctx, category, r.Used)
	if err != nil {
		return err
	}

	committed, _, err := s.st.Transact(ctx, store.RoomPath(code), func(cur []byte) ([]byte, error) {
		if cur == nil {
			return nil, store.ErrTxAbort
		}
		var r domain.Room
		if err := json.Unmarshal(cur, &r); err != nil {
			return nil, err
		}
		r.Prefetch = &domain.Prefetch{
			Category: category,
			Question: q,
			At:       domain.Millis(s.st.Now()),
		}
		return json.Marshal(r)
	})
	if err != nil {
		return fmt.Errorf("game: prefetch: %w", err)
	}
	if !committed {
		return room.ErrNotFound
	}
	return nil
}

func (s *Service) get(ctx context.Context, code string) (*domain.Room, error) {
	b, err := s.st.Get(ctx, store.RoomPath(code))
	if err != nil {
		return nil, fmt.Errorf("game: get room: %w", err)
	}
	if b == nil {
		return nil, room.ErrNotFound
	}
	var r domain.Room
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, fmt.Errorf("game: decode room: %w", err)
	}
	return &r, nil
}

func hostGate(r *domain.Room, uid string) error {
	if r.Host != uid {
		return errNotHost
	}
	return nil
}

func currentRound(r *domain.Room) int {
	if r.CurrentRound < 1 {
		return 1
	}
	return r.CurrentRound
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
