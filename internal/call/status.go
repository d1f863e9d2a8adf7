package call

// Status is the lifecycle state of a call session as seen by one
// coordinator. Idle is the coordinator's resting state between sessions;
// the remaining values are session statuses.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusCalling    Status = "calling"    // outgoing, waiting for the remote side
	StatusRinging    Status = "ringing"    // incoming, waiting for a local decision
	StatusConnecting Status = "connecting" // answered, media handshake in flight
	StatusConnected  Status = "connected"

	StatusEnded    Status = "ended"
	StatusMissed   Status = "missed"
	StatusDeclined Status = "declined"
	StatusFailed   Status = "failed"
)

func (s Status) String() string { return string(s) }

// IsTerminal reports whether no further transitions are accepted.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusDeclined, StatusFailed:
		return true
	}
	return false
}

// validTransitions is the exhaustive transition table. Terminal states have
// no entries: once terminal, every transition attempt is rejected.
var validTransitions = map[Status][]Status{
	StatusIdle:       {StatusCalling, StatusRinging},
	StatusCalling:    {StatusConnecting, StatusEnded, StatusMissed, StatusDeclined, StatusFailed},
	StatusRinging:    {StatusConnecting, StatusEnded, StatusMissed, StatusDeclined, StatusFailed},
	StatusConnecting: {StatusConnected, StatusEnded, StatusFailed},
	StatusConnected:  {StatusEnded, StatusFailed},
}

// canTransition reports whether moving from s to next is allowed.
func (s Status) canTransition(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
