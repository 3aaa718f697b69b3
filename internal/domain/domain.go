package domain

import "time"

// Stage is the coarse position of a room in its state machine. It only ever
// advances forward: lobby -> question -> reveal -> results -> (question | finished).
type Stage string

const (
	StageLobby    Stage = "lobby"
	StageQuestion Stage = "question"
	StageReveal   Stage = "reveal"
	StageResults  Stage = "results"
	StageFinished Stage = "finished"
)

// Valid reports whether s is one of the known stages.
func (s Stage) Valid() bool {
	switch s {
	case StageLobby, StageQuestion, StageReveal, StageResults, StageFinished:
		return true
	}
	return false
}

// Room is the shared entity for one game session, stored as a single document
// under rooms/{code}.
type Room struct {
	Code         string            `json:"code"`
	Host         string            `json:"host"`
	CreatedAt    int64             `json:"createdAt"`
	Stage        Stage             `json:"stage"`
	Players      map[string]Player `json:"players,omitempty"`
	CurrentRound int               `json:"currentRound,omitempty"`
	Rounds       map[string]Round  `json:"rounds,omitempty"`
	RoundTimer   *RoundTimer       `json:"roundTimer,omitempty"`
	Used         []string          `json:"used,omitempty"`
	Scores       map[string]int    `json:"scores,omitempty"`
	Spin         *SpinState        `json:"spin,omitempty"`
	Prefetch     *Prefetch         `json:"prefetch,omitempty"`
	Settings     *Settings         `json:"settings,omitempty"`
}

// Player is one member of a room's players mapping, keyed by user id.
type Player struct {
	Alias    string `json:"alias"`
	JoinedAt int64  `json:"joinedAt"`
}

// Round is one question-answer-score cycle. Keys of Answers and Points are
// user ids. Rounds are keyed by the 1-based round number, stringified because
// the document is JSON.
type Round struct {
	Question   Question          `json:"question"`
	Category   string            `json:"category"`
	QuestionID string            `json:"questionId"`
	CreatedAt  int64             `json:"createdAt"`
	Answers    map[string]Answer `json:"answers,omitempty"`
	Points     map[string]int    `json:"points,omitempty"`
}

// Answer is a single player's submission for a round.
type Answer struct {
	OptionIndex int   `json:"optionIndex"`
	At          int64 `json:"at,omitempty"`
}

// RoundTimer anchors the active question's deadline to the server clock.
type RoundTimer struct {
	StartAt    int64 `json:"startAt"`
	DurationMs int64 `json:"durationMs"`
}

// Deadline is the instant the question stage ends, in server epoch millis.
func (t RoundTimer) Deadline() int64 { return t.StartAt + t.DurationMs }

// SpinState describes an in-flight category spin. Every client derives the
// same outcome from the shared seed, so one small write synchronizes the
// whole animation without a second round-trip.
type SpinState struct {
	Seed       int64  `json:"seed"`
	StartedAt  int64  `json:"startedAt"`
	DurationMs int64  `json:"durationMs"`
	Result     string `json:"result,omitempty"`
}

// Category returns the category the spin lands on.
func (s SpinState) Category(categories []string) string {
	if len(categories) == 0 {
		return ""
	}
	return categories[abs(s.Seed)%int64(len(categories))]
}

// Turns returns how many full visual rotations the wheel makes, 4 to 7.
func (s SpinState) Turns() int {
	return int(4 + abs(s.Seed)%4)
}

func abs(n int64) int64 {
	if n < 0 {
		return -n
	}
	return n
}

// Settings holds optional per-room configuration. RoundsLimit is a legacy
// alias for MaxRounds kept for documents written by older clients.
type Settings struct {
	MaxRounds   int `json:"maxRounds,omitempty"`
	RoundsLimit int `json:"roundsLimit,omitempty"`
}

// RoundCap returns the configured round limit, 0 meaning unlimited.
func (s *Settings) RoundCap() int {
	if s == nil {
		return 0
	}
	if s.MaxRounds > 0 {
		return s.MaxRounds
	}
	return s.RoundsLimit
}

// Prefetch caches the next question for a category so the host can start the
// round without waiting on a bank lookup.
type Prefetch struct {
	Category string   `json:"category"`
	Question Question `json:"question"`
	At       int64    `json:"at"`
}

// Presence is the advisory online marker under presence/{code}/{uid}. It is
// not authoritative for game logic.
type Presence struct {
	Online bool   `json:"online"`
	At     int64  `json:"at"`
	Alias  string `json:"alias,omitempty"`
}

// WaitingEntry is the single-slot matchmaking queue cell.
type WaitingEntry struct {
	UID string `json:"uid"`
	At  int64  `json:"at"`
}

// MatchNotice is the ephemeral notification delivered to each member of a
// just-formed pair under queue/classic/matched/{uid}.
type MatchNotice struct {
	Code string `json:"code"`
	At   int64  `json:"at"`
	A    string `json:"a"`
	B    string `json:"b"`
}

// Question is a playable trivia question. Options carry the correct flag so a
// round document is self-contained at reveal time.
type Question struct {
	ID       string   `json:"id"`
	Category string   `json:"category"`
	Prompt   string   `json:"prompt"`
	Options  []Option `json:"options"`
}

// CorrectIndex returns the index of the correct option, or -1.
func (q Question) CorrectIndex() int {
	for i, o := range q.Options {
		if o.Correct {
			return i
		}
	}
	return -1
}

type Option struct {
	Text    string `json:"text"`
	Correct bool   `json:"correct,omitempty"`
}

// BankQuestion is the storage shape of a question under
// questions/{category}/{id}.
type BankQuestion struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	AnswerIndex int      `json:"answerIndex"`
	Type        string   `json:"type,omitempty"`
	Is18Plus    bool     `json:"is18Plus,omitempty"`
	Explanation string   `json:"explanation,omitempty"`
}

// Playable converts a bank entry into a Question.
func (b BankQuestion) Playable(id, category string) Question {
	q := Question{
		ID:       id,
		Category: category,
		Prompt:   b.Question,
		Options:  make([]Option, 0, len(b.Options)),
	}
	for i, t := range b.Options {
		q.Options = append(q.Options, Option{Text: t, Correct: i == b.AnswerIndex})
	}
	return q
}

// Millis converts a time to the epoch-millisecond representation used in
// stored documents.
func Millis(t time.Time) int64 { return t.UnixMilli() }
