package call

import (
	"context"
	"errors"
	"sync"

	"github.com/ringlet-chat/ringlet/internal/signal"
)

// Role is which end of the call this node plays. Frozen when the session is
// created; a session never switches sides mid-call.
type Role string

const (
	RoleCaller   Role = "caller"
	RoleReceiver Role = "receiver"
)

// State is the negotiation lifecycle of one session.
type State string

const (
	// StateDialing: caller has published its offer and waits for an answer.
	StateDialing State = "dialing"
	// StateRinging: receiver sees the pending call and has not accepted yet.
	StateRinging State = "ringing"
	// StateConnecting: both descriptions exchanged, ICE in progress.
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
)

// Session drives one call through the signaling channel. All negotiation
// steps run on a single goroutine fed by an event queue, so record updates,
// candidate arrivals and user actions can never interleave mid-step.
type Session struct {
	CallID string
	Role   Role
	SelfID string
	PeerID string

	ch   signal.Channel
	peer Peer

	events chan func()
	done   chan struct{}

	mu        sync.Mutex
	state     State
	endErr    error
	stateSubs map[chan State]struct{}

	// closed exactly once when the session reaches StateEnded, whatever the
	// cause. Lets HTTP handlers block on "call over".
	hangup     chan struct{}
	hangupOnce sync.Once

	// run-goroutine state, never touched from outside the queue
	answerApplied   bool
	cancelRecord    func()
	cancelCands     func()
	terminated      bool
	pendingOutbound []signal.Candidate // gathered before the record write, flushed after
	published       bool
}

func newSession(ch signal.Channel, peer Peer, rec signal.CallRecord, role Role) *Session {
	selfID, peerID := rec.CallerID, rec.ReceiverID
	if role == RoleReceiver {
		selfID, peerID = rec.ReceiverID, rec.CallerID
	}
	initial := StateDialing
	if role == RoleReceiver {
		initial = StateRinging
	}
	s := &Session{
		CallID:    rec.ID,
		Role:      role,
		SelfID:    selfID,
		PeerID:    peerID,
		ch:        ch,
		peer:      peer,
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
		state:     initial,
		stateSubs: make(map[chan State]struct{}),
		hangup:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.events:
			fn()
		case <-s.done:
			return
		}
	}
}

// post enqueues fn for the run goroutine. Returns false once the session has
// ended; late events are dropped rather than applied to a closed peer.
func (s *Session) post(fn func()) bool {
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}

// call runs fn on the run goroutine and waits for its result.
func (s *Session) call(fn func() error) error {
	reply := make(chan error, 1)
	if !s.post(func() { reply <- fn() }) {
		return ErrEnded
	}
	select {
	case err := <-reply:
		return err
	case <-s.done:
		// fn may have run and then ended the session; prefer its result.
		select {
		case err := <-reply:
			return err
		default:
			return ErrEnded
		}
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns why the session ended, nil for a normal hang-up or while the
// call is still live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endErr
}

// Done is closed when the session reaches StateEnded.
func (s *Session) Done() <-chan struct{} { return s.hangup }

// Media subscribes to the live WebM stream of the remote tracks, if the
// underlying peer produces one. ok is false for media-less peers.
func (s *Session) Media() (frames <-chan []byte, cancel func(), ok bool) {
	src, can := s.peer.(interface {
		SubscribeMedia() (<-chan []byte, func())
	})
	if !can {
		return nil, nil, false
	}
	frames, cancel = src.SubscribeMedia()
	return frames, cancel, true
}

// SubscribeState delivers every state transition, starting with the current
// state. Slow consumers lose intermediate transitions, never the latest one.
func (s *Session) SubscribeState() (<-chan State, func()) {
	ch := make(chan State, 8)
	s.mu.Lock()
	ch <- s.state
	s.stateSubs[ch] = struct{}{}
	s.mu.Unlock()
	return ch, func() {
		s.mu.Lock()
		if _, ok := s.stateSubs[ch]; ok {
			delete(s.stateSubs, ch)
			close(ch)
		}
		s.mu.Unlock()
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if s.state == StateEnded {
		s.mu.Unlock()
		return
	}
	s.state = st
	for ch := range s.stateSubs {
		select {
		case ch <- st:
		default:
			// replace the stale pending value so the consumer always ends
			// up on the newest state
			select {
			case <-ch:
			default:
			}
			ch <- st
		}
	}
	s.mu.Unlock()
}

// start wires the peer callbacks and (per role) begins negotiation. Runs the
// first steps on the caller's goroutine so constructor errors surface
// synchronously.
func (s *Session) start(ctx context.Context) error {
	s.peer.OnLocalCandidate(func(c signal.Candidate) {
		s.post(func() { s.publishCandidate(c) })
	})
	s.peer.OnConnectionStateChange(func(st ConnState) {
		s.post(func() { s.onConnState(st) })
	})

	var err error
	if s.Role == RoleCaller {
		err = s.call(func() error { return s.startCaller(ctx) })
	} else {
		err = s.call(func() error { return s.startReceiver(ctx) })
	}
	if err != nil {
		s.call(func() error { s.terminate(true, err); return nil })
		return err
	}
	return nil
}

// startCaller publishes the offer and watches for the receiver's answer.
func (s *Session) startCaller(ctx context.Context) error {
	offer, err := s.peer.CreateOffer()
	if err != nil {
		return &NegotiationError{Op: "create offer", Reason: err.Error()}
	}
	if err := s.peer.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Op: "set local offer", Reason: err.Error()}
	}
	if err := s.ch.SetOffer(ctx, s.CallID, offer); err != nil {
		return err
	}
	s.published = true
	s.flushOutbound()

	if err := s.subscribe(signal.SideAnswer); err != nil {
		return err
	}
	log.Infow("dialing", "call", s.CallID, "receiver", s.PeerID)
	return nil
}

// startReceiver applies the caller's offer, publishes the answer and flips
// the record to accepted. The record is re-fetched here rather than trusting
// a snapshot taken when the call first rang: the caller may have hung up in
// between.
func (s *Session) startReceiver(ctx context.Context) error {
	rec, err := s.ch.GetCall(ctx, s.CallID)
	if err != nil {
		return err
	}
	if rec.Status == signal.StatusEnded {
		return ErrEnded
	}
	if rec.Offer == nil {
		return &NegotiationError{Op: "accept", Reason: "call record has no offer"}
	}

	if err := s.peer.SetRemoteDescription(*rec.Offer); err != nil {
		return &NegotiationError{Op: "set remote offer", Reason: err.Error()}
	}

	answer, err := s.peer.CreateAnswer()
	if err != nil {
		return &NegotiationError{Op: "create answer", Reason: err.Error()}
	}
	if err := s.peer.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Op: "set local answer", Reason: err.Error()}
	}
	if err := s.ch.SetAnswer(ctx, s.CallID, answer); err != nil {
		return err
	}
	if err := s.ch.SetStatus(ctx, s.CallID, signal.StatusAccepted); err != nil {
		return err
	}
	s.published = true
	s.flushOutbound()

	if err := s.subscribe(signal.SideOffer); err != nil {
		return err
	}
	s.setState(StateConnecting)
	log.Infow("accepted", "call", s.CallID, "caller", s.PeerID)
	return nil
}

// subscribe attaches the record watcher plus the remote candidate stream.
// Run-goroutine only.
func (s *Session) subscribe(remoteSide signal.Side) error {
	cancelRec, err := s.ch.SubscribeCall(s.CallID, func(rec signal.CallRecord) {
		s.post(func() { s.onRecord(rec) })
	})
	if err != nil {
		return err
	}
	s.cancelRecord = cancelRec

	cancelCands, err := s.ch.SubscribeCandidates(s.CallID, remoteSide, func(c signal.Candidate) {
		s.post(func() { s.onRemoteCandidate(c) })
	})
	if err != nil {
		cancelRec()
		s.cancelRecord = nil
		return err
	}
	s.cancelCands = cancelCands
	return nil
}

// onRecord reacts to a change of the shared call record. Run-goroutine only.
func (s *Session) onRecord(rec signal.CallRecord) {
	if s.terminated {
		return
	}
	if rec.Status == signal.StatusEnded {
		// The other side ended the call. It owns record cleanup.
		log.Infow("remote ended call", "call", s.CallID)
		s.terminate(false, nil)
		return
	}
	if s.Role == RoleCaller && rec.Status == signal.StatusAccepted && rec.Answer != nil && !s.answerApplied {
		if err := s.peer.SetRemoteDescription(*rec.Answer); err != nil {
			log.Errorw("applying answer failed", "call", s.CallID, "err", err)
			s.terminate(true, &NegotiationError{Op: "set remote answer", Reason: err.Error()})
			return
		}
		s.answerApplied = true
		s.setState(StateConnecting)
	}
	// Duplicate notifications of an already-applied record fall through
	// here without effect.
}

// onRemoteCandidate applies one candidate from the remote stream.
// Run-goroutine only.
func (s *Session) onRemoteCandidate(c signal.Candidate) {
	if s.terminated {
		return
	}
	if err := s.peer.AddRemoteCandidate(c); err != nil {
		// A malformed candidate is not fatal; ICE continues with the rest.
		log.Warnw("dropping remote candidate", "call", s.CallID, "err", err)
	}
}

// publishCandidate appends one locally gathered candidate to our own side's
// stream. Candidates gathered before the offer/answer write are buffered so
// the stream never references a call record the other side cannot see yet.
// Run-goroutine only.
func (s *Session) publishCandidate(c signal.Candidate) {
	if s.terminated {
		return
	}
	if !s.published {
		s.pendingOutbound = append(s.pendingOutbound, c)
		return
	}
	side := signal.SideOffer
	if s.Role == RoleReceiver {
		side = signal.SideAnswer
	}
	err := s.ch.AppendCandidate(context.Background(), s.CallID, side, c)
	if err != nil && !errors.Is(err, signal.ErrNotFound) {
		log.Warnw("appending candidate failed", "call", s.CallID, "err", err)
	}
}

func (s *Session) flushOutbound() {
	queued := s.pendingOutbound
	s.pendingOutbound = nil
	for _, c := range queued {
		s.publishCandidate(c)
	}
}

// onConnState reacts to native connection state changes. Run-goroutine only.
func (s *Session) onConnState(st ConnState) {
	if s.terminated {
		return
	}
	switch st {
	case ConnConnected:
		s.setState(StateConnected)
	case ConnDisconnected, ConnFailed:
		log.Infow("connection lost", "call", s.CallID, "state", string(st))
		s.terminate(true, nil)
	case ConnClosed:
		s.terminate(false, nil)
	}
}

// Hangup ends the call from this side: the record is flipped to ended so the
// peer observes the hang-up, then deleted.
func (s *Session) Hangup(ctx context.Context) error {
	return s.call(func() error {
		s.terminate(true, nil)
		return nil
	})
}

// Abandon tears the session down without touching the shared record. Used
// when the remote side already ended the call, or when only the local
// process is going away.
func (s *Session) Abandon() {
	s.call(func() error {
		s.terminate(false, nil)
		return nil
	})
}

// terminate tears the session down exactly once. cleanupRecord selects the
// local-hangup path (mark ended, then delete the shared record); a teardown
// triggered by observing the remote side's ended status leaves cleanup to
// the side that initiated it. Run-goroutine only.
func (s *Session) terminate(cleanupRecord bool, cause error) {
	if s.terminated {
		return
	}
	s.terminated = true

	if s.cancelRecord != nil {
		s.cancelRecord()
		s.cancelRecord = nil
	}
	if s.cancelCands != nil {
		s.cancelCands()
		s.cancelCands = nil
	}

	if err := s.peer.Close(); err != nil {
		log.Debugw("peer close", "call", s.CallID, "err", err)
	}

	if cleanupRecord {
		ctx := context.Background()
		if err := s.ch.SetStatus(ctx, s.CallID, signal.StatusEnded); err != nil && !errors.Is(err, signal.ErrNotFound) {
			log.Warnw("marking call ended failed", "call", s.CallID, "err", err)
		}
		if err := s.ch.DeleteCall(ctx, s.CallID); err != nil && !errors.Is(err, signal.ErrNotFound) {
			log.Warnw("deleting call record failed", "call", s.CallID, "err", err)
		}
	}

	s.mu.Lock()
	s.endErr = cause
	s.state = StateEnded
	for ch := range s.stateSubs {
		select {
		case ch <- StateEnded:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- StateEnded
		}
	}
	s.mu.Unlock()

	s.hangupOnce.Do(func() { close(s.hangup) })
	close(s.done)
	log.Infow("session ended", "call", s.CallID, "role", string(s.Role))
}
