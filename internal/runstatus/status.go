// Package runstatus names the lifecycle states of one stream session.
package runstatus

import "strings"

type State int

const (
	Connecting State = iota
	HandshakeSent
	Subscribed
	Streaming
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "Connecting"
	case HandshakeSent:
		return "HandshakeSent"
	case Subscribed:
		return "Subscribed"
	case Streaming:
		return "Streaming"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Key is the lower-case form used in log fields.
func (s State) Key() string {
	return strings.ToLower(s.String())
}

