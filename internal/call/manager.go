package call

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/ringlet-chat/ringlet/internal/signal"
)

// PeerFactory builds the peer connection for one call. The default factory
// acquires real devices; tests substitute fakes.
type PeerFactory func(callID string) (Peer, error)

type sessionKey struct {
	callID string
	userID string
}

// Manager owns the active call sessions of this node, keyed by call and
// local user so both ends of a loopback call can live in one process.
type Manager struct {
	ch      signal.Channel
	newPeer PeerFactory

	mu       sync.Mutex
	sessions map[sessionKey]*Session
	closed   bool
}

// NewManager builds a manager whose sessions capture local devices. The ICE
// server list is read from the provider at each session start, so a config
// reload reaches the next call without a restart.
func NewManager(ch signal.Channel, ice func() []webrtc.ICEServer, opts MediaOptions) *Manager {
	return NewManagerWithFactory(ch, func(callID string) (Peer, error) {
		return NewPeerSession(callID, ice(), opts)
	})
}

// NewManagerWithFactory builds a manager with a custom peer factory.
func NewManagerWithFactory(ch signal.Channel, factory PeerFactory) *Manager {
	return &Manager{
		ch:       ch,
		newPeer:  factory,
		sessions: make(map[sessionKey]*Session),
	}
}

// StartCall creates the call record and begins dialing receiverID. The
// returned session is already publishing its offer.
func (m *Manager) StartCall(ctx context.Context, callerID, receiverID string) (*Session, error) {
	if callerID == "" || receiverID == "" || callerID == receiverID {
		return nil, ErrInvalidParameters
	}

	rec, err := m.ch.CreateCall(ctx, callerID, receiverID)
	if err != nil {
		return nil, err
	}

	peer, err := m.newPeer(rec.ID)
	if err != nil {
		// Unwind the record so the receiver never rings for a call that
		// cannot produce media.
		_ = m.ch.DeleteCall(ctx, rec.ID)
		return nil, err
	}

	sess := newSession(m.ch, peer, rec, RoleCaller)
	if err := m.register(sess); err != nil {
		sess.Hangup(ctx)
		return nil, err
	}
	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// AcceptCall answers a ringing call as userID. Fail-closed: only the
// recorded receiver may accept, and the record is re-read at accept time so
// a caller-side hang-up that raced the accept is observed, not overwritten.
func (m *Manager) AcceptCall(ctx context.Context, callID, userID string) (*Session, error) {
	rec, err := m.ch.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.ReceiverID != userID {
		return nil, ErrNotParticipant
	}
	if rec.Status == signal.StatusEnded {
		return nil, ErrEnded
	}

	if sess := m.Session(callID, userID); sess != nil {
		return sess, nil
	}

	peer, err := m.newPeer(rec.ID)
	if err != nil {
		return nil, err
	}

	sess := newSession(m.ch, peer, rec, RoleReceiver)
	if err := m.register(sess); err != nil {
		sess.Abandon()
		return nil, err
	}
	if err := sess.start(ctx); err != nil {
		return nil, err
	}
	return sess, nil
}

// RejectCall declines a ringing call without building a peer connection.
func (m *Manager) RejectCall(ctx context.Context, callID, userID string) error {
	rec, err := m.ch.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if rec.ReceiverID != userID {
		return ErrNotParticipant
	}
	if err := m.ch.SetStatus(ctx, callID, signal.StatusEnded); err != nil {
		return err
	}
	return m.ch.DeleteCall(ctx, callID)
}

// Session returns the live session for (callID, userID), or nil.
func (m *Manager) Session(callID, userID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[sessionKey{callID, userID}]
}

// OpenCall resolves an existing session for userID, verifying participation
// against the shared record when no local session exists yet.
func (m *Manager) OpenCall(ctx context.Context, callID, userID string) (*Session, error) {
	if sess := m.Session(callID, userID); sess != nil {
		return sess, nil
	}
	rec, err := m.ch.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if rec.CallerID != userID && rec.ReceiverID != userID {
		return nil, ErrNotParticipant
	}
	return nil, ErrNoSession
}

// WatchIncoming notifies fn of every new call ringing for userID.
func (m *Manager) WatchIncoming(userID string, fn func(signal.CallRecord)) (func(), error) {
	return m.ch.SubscribeIncoming(userID, fn)
}

// HangupCall ends the given user's session. With no local session it still
// ends the shared record when the user is a participant, so a receiver who
// closes the ringing window stops the caller's dial.
func (m *Manager) HangupCall(ctx context.Context, callID, userID string) error {
	if sess := m.Session(callID, userID); sess != nil {
		return sess.Hangup(ctx)
	}
	rec, err := m.ch.GetCall(ctx, callID)
	if err != nil {
		if errors.Is(err, signal.ErrNotFound) {
			return nil
		}
		return err
	}
	if rec.CallerID != userID && rec.ReceiverID != userID {
		return ErrNotParticipant
	}
	if err := m.ch.SetStatus(ctx, callID, signal.StatusEnded); err != nil && !errors.Is(err, signal.ErrNotFound) {
		return err
	}
	if err := m.ch.DeleteCall(ctx, callID); err != nil && !errors.Is(err, signal.ErrNotFound) {
		return err
	}
	return nil
}

func (m *Manager) register(sess *Session) error {
	key := sessionKey{sess.CallID, sess.SelfID}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrEnded
	}
	m.sessions[key] = sess
	m.mu.Unlock()

	go func() {
		<-sess.Done()
		m.mu.Lock()
		if m.sessions[key] == sess {
			delete(m.sessions, key)
		}
		m.mu.Unlock()
	}()
	return nil
}

// Close hangs up every live session.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	ctx := context.Background()
	for _, s := range open {
		if err := s.Hangup(ctx); err != nil {
			log.Debugw("hangup on shutdown", "call", s.CallID, "err", err)
		}
	}
}
