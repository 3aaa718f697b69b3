package store

// Logical paths shared between services. The shape of this keyspace is part
// of the protocol: every client process addresses the same paths.

func RoomPath(code string) string { return "rooms/" + code }

func PresencePath(code, uid string) string { return "presence/" + code + "/" + uid }

func PresencePrefix(code string) string { return "presence/" + code + "/" }

const (
	WaitingPath  = "queue/classic/waiting"
	CreatingPath = "queue/classic/creating"
)

func MatchedPath(uid string) string { return "queue/classic/matched/" + uid }

func QuestionPath(category, id string) string { return "questions/" + category + "/" + id }

func QuestionPrefix(category string) string { return "questions/" + category + "/" }

const QuestionsRoot = "questions/"
