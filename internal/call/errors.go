package call

import (
	"errors"
	"fmt"
)

// ErrNotParticipant is returned when a user opens a call they are not part
// of. The session fails closed: no media is acquired and the record is not
// touched.
var ErrNotParticipant = errors.New("call: user is not a participant of this call")

// ErrInvalidParameters is returned for missing or malformed call identifiers,
// before any resource is acquired.
var ErrInvalidParameters = errors.New("call: invalid call parameters")

// ErrEnded is returned for user actions against a session that has already
// reached its terminal state.
var ErrEnded = errors.New("call: session already ended")

// ErrNoSession is returned when a verified participant has no live session
// on this node yet. A ringing receiver resolves it by accepting; anything
// else means the call is over on this side.
var ErrNoSession = errors.New("call: no active session for this call")

// MediaError wraps a failure to acquire local camera/microphone. Fatal to
// call start; never retried.
type MediaError struct {
	Err error
}

func (e *MediaError) Error() string { return "call: media acquisition: " + e.Err.Error() }
func (e *MediaError) Unwrap() error { return e.Err }

// NegotiationError reports a description applied out of order. The state
// machine's guards should make it unreachable; if it surfaces anyway it is
// fatal to the call.
type NegotiationError struct {
	Op     string
	Reason string
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("call: negotiation: %s: %s", e.Op, e.Reason)
}
