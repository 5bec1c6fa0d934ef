package signal

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a call record. Transitions are monotone:
// pending → accepted → ended, or pending → ended. There is no transition out
// of ended.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusEnded    Status = "ended"
)

// after reports whether s is a later lifecycle state than prev.
func (s Status) after(prev Status) bool {
	rank := map[Status]int{StatusPending: 0, StatusAccepted: 1, StatusEnded: 2}
	return rank[s] > rank[prev]
}

// Side selects one of the two disjoint candidate streams of a call.
// The caller writes offer-side candidates and consumes answer-side ones;
// the receiver does the opposite.
type Side string

const (
	SideOffer  Side = "offer"
	SideAnswer Side = "answer"
)

// Description is one half of the SDP exchange ("offer" or "answer").
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one serialized ICE candidate as gathered by a peer.
// Field shapes mirror the browser's RTCIceCandidateInit so the same JSON
// travels end to end.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Key returns a stable identity for deduplicating candidates delivered more
// than once by an at-least-once change feed.
func (c Candidate) Key() string {
	mid := ""
	if c.SDPMid != nil {
		mid = *c.SDPMid
	}
	idx := -1
	if c.SDPMLineIndex != nil {
		idx = int(*c.SDPMLineIndex)
	}
	return fmt.Sprintf("%s|%s|%d", c.Candidate, mid, idx)
}

// CallRecord is the shared signaling document for one call attempt.
// Offer is set at most once by the caller; Answer at most once by the
// receiver, only after Offer exists and only while the status is pending.
type CallRecord struct {
	ID         string       `json:"id"`
	CallerID   string       `json:"callerId"`
	ReceiverID string       `json:"receiverId"`
	Status     Status       `json:"status"`
	Offer      *Description `json:"offer,omitempty"`
	Answer     *Description `json:"answer,omitempty"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// ErrNotPending marks an offer or answer write against a record that has left
// the pending state. Descriptions are only exchanged while a call is pending;
// a rejected or hung-up call never accepts a late one.
var ErrNotPending = errors.New("signal: call is not pending")

// ErrNotFound marks reads/writes against a call record that does not exist
// (never created, or already deleted by a concurrent hang-up). Writers treat
// it as orphaned-write noise, not a failure.
var ErrNotFound = errors.New("signal: call not found")

// ChannelError wraps a transport-level failure of the signaling store.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return "signal: " + e.Op + ": " + e.Err.Error() }
func (e *ChannelError) Unwrap() error { return e.Err }
