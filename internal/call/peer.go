// Package call implements the peer-to-peer call subsystem: a wrapper around
// one Pion PeerConnection, the offer/answer negotiation state machine that
// drives it through a shared signaling channel, and the manager that owns
// active sessions. Coupling to the rest of the node is via the
// signal.Channel interface only.
package call

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"
	"github.com/pion/webrtc/v4"

	"github.com/ringlet-chat/ringlet/internal/signal"
)

var log = logging.Logger("call")

// ConnState is the subset of native connection states the state machine
// reacts to.
type ConnState string

const (
	ConnNew          ConnState = "new"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnDisconnected ConnState = "disconnected"
	ConnFailed       ConnState = "failed"
	ConnClosed       ConnState = "closed"
)

// Peer is the capability surface the negotiation state machine needs from a
// peer connection. The concrete implementation is PeerSession; tests drive
// the state machine with fakes.
type Peer interface {
	CreateOffer() (signal.Description, error)
	CreateAnswer() (signal.Description, error)
	SetLocalDescription(signal.Description) error
	SetRemoteDescription(signal.Description) error
	AddRemoteCandidate(signal.Candidate) error
	OnLocalCandidate(func(signal.Candidate))
	OnConnectionStateChange(func(ConnState))
	Close() error
}

// PeerSession wraps one Pion PeerConnection bound to the local media
// capture. It enforces the negotiation ordering rules and makes remote
// candidate application idempotent, so at-least-once delivery from the
// signaling feed cannot corrupt the session.
type PeerSession struct {
	pc         *webrtc.PeerConnection
	closeMedia func()

	mu        sync.Mutex
	localSet  bool
	remoteSet bool
	applied   map[string]struct{} // candidate keys already added
	pending   []signal.Candidate  // arrived before the remote description

	onLocalCand func(signal.Candidate)
	onConnState func(ConnState)

	closeOnce sync.Once

	media *mediaFanout
}

// NewPeerSession acquires local media (camera/microphone where the platform
// supports it, receive-only otherwise) and builds the peer connection for
// one call.
func NewPeerSession(callID string, iceServers []webrtc.ICEServer, opts MediaOptions) (*PeerSession, error) {
	pc, closeMedia, err := buildPeerConnection(callID, iceServers, opts)
	if err != nil {
		return nil, &MediaError{Err: err}
	}
	return newPeerSession(callID, pc, closeMedia), nil
}

func newPeerSession(callID string, pc *webrtc.PeerConnection, closeMedia func()) *PeerSession {
	p := &PeerSession{
		pc:         pc,
		closeMedia: closeMedia,
		applied:    make(map[string]struct{}),
		media:      newMediaFanout(),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return // gathering complete
		}
		p.mu.Lock()
		fn := p.onLocalCand
		p.mu.Unlock()
		if fn != nil {
			fn(fromICEInit(c.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		log.Infof("session %s: connection state %s", callID, st)
		p.mu.Lock()
		fn := p.onConnState
		p.mu.Unlock()
		if fn != nil {
			fn(ConnState(st.String()))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, recv *webrtc.RTPReceiver) {
		go p.forwardRemoteTrack(callID, track)
	})

	return p
}

// CreateOffer produces the local offer. Valid only before any local
// description has been set.
func (p *PeerSession) CreateOffer() (signal.Description, error) {
	p.mu.Lock()
	if p.localSet {
		p.mu.Unlock()
		return signal.Description{}, &NegotiationError{Op: "create offer", Reason: "local description already set"}
	}
	p.mu.Unlock()

	sd, err := p.pc.CreateOffer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

// CreateAnswer produces the local answer. Valid only after a remote offer
// has been applied.
func (p *PeerSession) CreateAnswer() (signal.Description, error) {
	p.mu.Lock()
	if !p.remoteSet {
		p.mu.Unlock()
		return signal.Description{}, &NegotiationError{Op: "create answer", Reason: "no remote offer applied"}
	}
	p.mu.Unlock()

	sd, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return signal.Description{}, err
	}
	return signal.Description{Type: sd.Type.String(), SDP: sd.SDP}, nil
}

// SetLocalDescription applies a locally created offer/answer and starts
// candidate gathering.
func (p *PeerSession) SetLocalDescription(desc signal.Description) error {
	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	if err := p.pc.SetLocalDescription(sd); err != nil {
		return err
	}
	p.mu.Lock()
	p.localSet = true
	p.mu.Unlock()
	return nil
}

// SetRemoteDescription applies the remote offer/answer. A duplicate apply is
// a no-op (the signaling feed is at-least-once); a remote answer without a
// local offer is a NegotiationError. Candidates buffered before this call
// are flushed afterwards so none is dropped.
func (p *PeerSession) SetRemoteDescription(desc signal.Description) error {
	p.mu.Lock()
	if p.remoteSet {
		p.mu.Unlock()
		return nil
	}
	if desc.Type == "answer" && !p.localSet {
		p.mu.Unlock()
		return &NegotiationError{Op: "set remote description", Reason: "remote answer before local offer"}
	}
	p.mu.Unlock()

	sd, err := toSessionDescription(desc)
	if err != nil {
		return err
	}
	if err := p.pc.SetRemoteDescription(sd); err != nil {
		return err
	}

	p.mu.Lock()
	p.remoteSet = true
	flush := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, cand := range flush {
		if err := p.AddRemoteCandidate(cand); err != nil {
			log.Warnf("flush buffered candidate: %v", err)
		}
	}
	return nil
}

// AddRemoteCandidate applies one remote candidate. Duplicates are ignored;
// candidates arriving before the remote description are buffered and flushed
// by SetRemoteDescription.
func (p *PeerSession) AddRemoteCandidate(cand signal.Candidate) error {
	p.mu.Lock()
	if !p.remoteSet {
		p.pending = append(p.pending, cand)
		p.mu.Unlock()
		return nil
	}
	key := cand.Key()
	if _, dup := p.applied[key]; dup {
		p.mu.Unlock()
		return nil
	}
	p.applied[key] = struct{}{}
	p.mu.Unlock()

	return p.pc.AddICECandidate(toICEInit(cand))
}

// OnLocalCandidate registers the callback for locally gathered candidates.
func (p *PeerSession) OnLocalCandidate(fn func(signal.Candidate)) {
	p.mu.Lock()
	p.onLocalCand = fn
	p.mu.Unlock()
}

// OnConnectionStateChange registers the callback for native state changes.
func (p *PeerSession) OnConnectionStateChange(fn func(ConnState)) {
	p.mu.Lock()
	p.onConnState = fn
	p.mu.Unlock()
}

// SubscribeMedia returns a channel of live WebM segments remuxed from the
// remote tracks, for browser playback over MSE.
func (p *PeerSession) SubscribeMedia() (<-chan []byte, func()) {
	return p.media.subscribe()
}

// Close releases the peer connection and the local media capture. Idempotent.
func (p *PeerSession) Close() error {
	var err error
	p.closeOnce.Do(func() {
		err = p.pc.Close()
		if p.closeMedia != nil {
			p.closeMedia()
		}
		p.media.close()
	})
	return err
}

func toSessionDescription(desc signal.Description) (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch desc.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, &NegotiationError{Op: "parse description", Reason: "unknown type " + desc.Type}
	}
	return webrtc.SessionDescription{Type: t, SDP: desc.SDP}, nil
}

func toICEInit(c signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromICEInit(c webrtc.ICECandidateInit) signal.Candidate {
	return signal.Candidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
