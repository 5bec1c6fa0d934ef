package signal

import "context"

// Channel is the signaling transport between the two ends of a call: a keyed
// mutable record plus two append-only candidate streams, with push-based
// change notification. Implementations: Memory (below) and the SQLite-backed
// store in internal/storage.
//
// Delivery contract:
//   - SubscribeCall pushes the current record immediately, then every later
//     change. At-least-once; duplicate notifications are possible and callers
//     must guard against re-applying the same description.
//   - SubscribeCandidates replays all candidates already appended, then pushes
//     each new one in append order. Order is FIFO within a stream only.
//   - All subscription callbacks run on a dispatch goroutine owned by the
//     channel; callbacks must not block for long.
type Channel interface {
	// CreateCall allocates a new record with status pending and no offer/answer.
	CreateCall(ctx context.Context, callerID, receiverID string) (CallRecord, error)

	// GetCall returns the current record, or ErrNotFound.
	GetCall(ctx context.Context, id string) (CallRecord, error)

	// SetOffer and SetAnswer are partial (merge) updates: they must not clobber
	// a status already advanced by the other side in a race. Each description
	// is written at most once (duplicates are silently ignored) and only while
	// the call is pending; a write racing a hang-up fails with ErrNotPending.
	SetOffer(ctx context.Context, id string, offer Description) error
	SetAnswer(ctx context.Context, id string, answer Description) error

	// SetStatus advances the record status. Monotone: a write that would move
	// the status backwards (or out of ended) is ignored.
	SetStatus(ctx context.Context, id string, status Status) error

	// AppendCandidate appends one candidate to the given stream.
	AppendCandidate(ctx context.Context, id string, side Side, cand Candidate) error

	// SubscribeCall registers fn for record changes until the returned cancel
	// func is called.
	SubscribeCall(id string, fn func(CallRecord)) (cancel func(), err error)

	// SubscribeCandidates registers fn for one candidate stream, replaying
	// existing candidates first.
	SubscribeCandidates(id string, side Side, fn func(Candidate)) (cancel func(), err error)

	// SubscribeIncoming registers fn for every new pending call addressed to
	// receiverID. Drives the incoming-call notification in the UI.
	SubscribeIncoming(receiverID string, fn func(CallRecord)) (cancel func(), err error)

	// DeleteCall removes the record and both candidate streams. Idempotent:
	// deleting an already-deleted call is a no-op, so racing hang-ups from
	// both sides are safe.
	DeleteCall(ctx context.Context, id string) error
}
