package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quizroom/quizroom/internal/domain"
)

func TestSpinState_Deterministic(t *testing.T) {
	cats := []string{"geo", "music", "movies", "science"}

	tests := map[string]struct {
		seed         int64
		wantCategory string
		wantTurns    int
	}{
		"zero":       {seed: 0, wantCategory: "geo", wantTurns: 4},
		"small":      {seed: 5, wantCategory: "music", wantTurns: 5},
		"large":      {seed: 987_654_321, wantCategory: "music", wantTurns: 5},
		"negative":   {seed: -7, wantCategory: "science", wantTurns: 7},
		"full cycle": {seed: 8, wantCategory: "geo", wantTurns: 4},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := domain.SpinState{Seed: tc.seed}
			assert.Equal(t, tc.wantCategory, s.Category(cats))
			assert.Equal(t, tc.wantTurns, s.Turns())

			// The whole point: any client with the same seed agrees.
			assert.Equal(t, s.Category(cats), domain.SpinState{Seed: tc.seed}.Category(cats))
		})
	}

	assert.Empty(t, domain.SpinState{Seed: 42}.Category(nil))
}

func TestSettings_RoundCap(t *testing.T) {
	var unset *domain.Settings
	assert.Equal(t, 0, unset.RoundCap())
	assert.Equal(t, 0, (&domain.Settings{}).RoundCap())
	assert.Equal(t, 3, (&domain.Settings{MaxRounds: 3}).RoundCap())
	assert.Equal(t, 5, (&domain.Settings{RoundsLimit: 5}).RoundCap())
	assert.Equal(t, 3, (&domain.Settings{MaxRounds: 3, RoundsLimit: 5}).RoundCap(),
		"maxRounds wins over the legacy field")
}

func TestQuestion_CorrectIndex(t *testing.T) {
	q := domain.Question{Options: []domain.Option{{Text: "a"}, {Text: "b", Correct: true}}}
	assert.Equal(t, 1, q.CorrectIndex())
	assert.Equal(t, -1, domain.Question{}.CorrectIndex())
}

func TestBankQuestion_Playable(t *testing.T) {
	b := domain.BankQuestion{
		Question:    "Longest river?",
		Options:     []string{"Nile", "Amazon"},
		AnswerIndex: 1,
	}

	q := b.Playable("q2", "geo")
	assert.Equal(t, "q2", q.ID)
	assert.Equal(t, "geo", q.Category)
	assert.Equal(t, "Longest river?", q.Prompt)
	assert.Equal(t, 1, q.CorrectIndex())
	assert.False(t, q.Options[0].Correct)
}

func TestRoundTimer_Deadline(t *testing.T) {
	assert.Equal(t, int64(16000), domain.RoundTimer{StartAt: 1000, DurationMs: 15000}.Deadline())
}

func TestStage_Valid(t *testing.T) {
	for _, s := range []domain.Stage{
		domain.StageLobby, domain.StageQuestion, domain.StageReveal,
		domain.StageResults, domain.StageFinished,
	} {
		assert.True(t, s.Valid(), s)
	}
	assert.False(t, domain.Stage("paused").Valid())
}
