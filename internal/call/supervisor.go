package call

import "time"

// RingSupervisor enforces the maximum wait for an unanswered call. One
// supervisor exists per non-terminal calling/ringing session; its fire is
// delivered as an event into the coordinator's queue and is subject to the
// same state guard as any inbound event, so a fire racing an answer is
// simply dropped.
type RingSupervisor struct {
	sessionID string
	timer     *time.Timer
}

// StartRingSupervisor arms a timer that invokes fire with the session id
// after d. fire runs on the timer goroutine; callers re-enter it into their
// own serialized queue.
func StartRingSupervisor(sessionID string, d time.Duration, fire func(sessionID string)) *RingSupervisor {
	return &RingSupervisor{
		sessionID: sessionID,
		timer:     time.AfterFunc(d, func() { fire(sessionID) }),
	}
}

// Cancel stops the timer. Cancelling an already-fired or already-cancelled
// supervisor is a no-op.
func (rs *RingSupervisor) Cancel() {
	if rs == nil {
		return
	}
	rs.timer.Stop()
}
