package domain

const (
	EventNameRoomCreated  = "room.created"
	EventNameMatchFound   = "match.found"
	EventNameGameFinished = "game.finished"
)

type EventRoomCreated struct {
	Code string
	Host string
}

func (EventRoomCreated) Name() string { return EventNameRoomCreated }

type EventMatchFound struct {
	Code string
	A    string
	B    string
}

func (EventMatchFound) Name() string { return EventNameMatchFound }

type EventGameFinished struct {
	Code   string
	Scores map[string]int
}

func (EventGameFinished) Name() string { return EventNameGameFinished }
