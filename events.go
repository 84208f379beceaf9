package rexd

// Everything a Session wants its supervisor to know travels as a
// sessionEvent down the Server's one event channel.
//
type eventType int

const (
	sessionOpened eventType = iota
	sessionClosing
	sessionClosed
	sessionTimedOut
)

func (t eventType) String() string {
	switch t {
	case sessionOpened:
		return "open"
	case sessionClosing:
		return "closing"
	case sessionClosed:
		return "closed"
	case sessionTimedOut:
		return "timeout"
	}
	return "unknown"
}

type sessionEvent struct {
	kind    eventType
	session *Session
}
