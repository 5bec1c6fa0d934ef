package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/ringlet-chat/ringlet/internal/signal"
)

// fakePeer stands in for a real peer connection so the negotiation logic can
// be driven deterministically, without devices or a network.
type fakePeer struct {
	mu          sync.Mutex
	localDesc   *signal.Description
	remoteDesc  *signal.Description
	remoteCands []signal.Candidate
	closed      bool
	closeCount  int

	onCand  func(signal.Candidate)
	onState func(ConnState)

	failCreateOffer bool
}

func (f *fakePeer) CreateOffer() (signal.Description, error) {
	if f.failCreateOffer {
		return signal.Description{}, errors.New("boom")
	}
	return signal.Description{Type: "offer", SDP: "v=0 fake-offer"}, nil
}

func (f *fakePeer) CreateAnswer() (signal.Description, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc == nil {
		return signal.Description{}, errors.New("no remote description")
	}
	return signal.Description{Type: "answer", SDP: "v=0 fake-answer"}, nil
}

func (f *fakePeer) SetLocalDescription(d signal.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.localDesc = &d
	return nil
}

func (f *fakePeer) SetRemoteDescription(d signal.Description) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remoteDesc != nil && *f.remoteDesc == d {
		return nil
	}
	f.remoteDesc = &d
	return nil
}

func (f *fakePeer) AddRemoteCandidate(c signal.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteCands = append(f.remoteCands, c)
	return nil
}

func (f *fakePeer) OnLocalCandidate(fn func(signal.Candidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakePeer) OnConnectionStateChange(fn func(ConnState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakePeer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closeCount++
	return nil
}

func (f *fakePeer) gather(c signal.Candidate) {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakePeer) connState(st ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (f *fakePeer) remote() *signal.Description {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.remoteDesc
}

func (f *fakePeer) candidates() []signal.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]signal.Candidate, len(f.remoteCands))
	copy(out, f.remoteCands)
	return out
}

func (f *fakePeer) closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCount
}

func cand(n int) signal.Candidate {
	mid := "0"
	idx := uint16(0)
	return signal.Candidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2122260223 192.0.2.%d 5000 typ host", n, n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	}
}

// twoManagers wires a caller node and a receiver node to one shared channel.
func twoManagers(t *testing.T) (*signal.Memory, *Manager, *Manager, *fakePeer, *fakePeer) {
	t.Helper()
	ch := signal.NewMemory()
	t.Cleanup(ch.Close)

	callerPeer := &fakePeer{}
	receiverPeer := &fakePeer{}
	callerMgr := NewManagerWithFactory(ch, func(string) (Peer, error) { return callerPeer, nil })
	receiverMgr := NewManagerWithFactory(ch, func(string) (Peer, error) { return receiverPeer, nil })
	t.Cleanup(callerMgr.Close)
	t.Cleanup(receiverMgr.Close)
	return ch, callerMgr, receiverMgr, callerPeer, receiverPeer
}

func waitState(t *testing.T, s *Session, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s.State() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("session %s never reached %s (now %s)", s.CallID, want, s.State())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("session %s never ended", s.CallID)
	}
}

func waitCandidates(t *testing.T, p *fakePeer, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(p.candidates()) >= n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("peer has %d candidates, want %d", len(p.candidates()), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHappyPathNegotiation(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, callerPeer, receiverPeer := twoManagers(t)

	incoming := make(chan signal.CallRecord, 1)
	cancelWatch, err := receiverMgr.WatchIncoming("bob", func(rec signal.CallRecord) {
		select {
		case incoming <- rec:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancelWatch()

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if caller.State() != StateDialing {
		t.Fatalf("caller state = %s, want %s", caller.State(), StateDialing)
	}

	var ringing signal.CallRecord
	select {
	case ringing = <-incoming:
	case <-time.After(2 * time.Second):
		t.Fatal("receiver never saw the incoming call")
	}
	if ringing.CallerID != "alice" || ringing.Status != signal.StatusPending {
		t.Fatalf("unexpected incoming record: %+v", ringing)
	}

	// Candidates gathered before the answer exists must still reach the
	// other side via replay.
	callerPeer.gather(cand(1))
	callerPeer.gather(cand(2))

	receiver, err := receiverMgr.AcceptCall(ctx, ringing.ID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, receiver, StateConnecting)
	waitState(t, caller, StateConnecting)

	if rd := receiverPeer.remote(); rd == nil || rd.Type != "offer" {
		t.Fatalf("receiver remote description = %+v, want the offer", rd)
	}
	if rd := callerPeer.remote(); rd == nil || rd.Type != "answer" {
		t.Fatalf("caller remote description = %+v, want the answer", rd)
	}

	receiverPeer.gather(cand(3))
	waitCandidates(t, receiverPeer, 2) // pre-answer caller candidates replayed
	waitCandidates(t, callerPeer, 1)

	callerPeer.connState(ConnConnected)
	receiverPeer.connState(ConnConnected)
	waitState(t, caller, StateConnected)
	waitState(t, receiver, StateConnected)

	rec, err := ch.GetCall(ctx, ringing.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signal.StatusAccepted || rec.Offer == nil || rec.Answer == nil {
		t.Fatalf("record after accept: %+v", rec)
	}
}

func TestCallerHangupReachesReceiver(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, _, receiverPeer := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := receiverMgr.AcceptCall(ctx, caller.CallID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, caller, StateConnecting)

	if err := caller.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	waitDone(t, caller)
	waitDone(t, receiver)

	if receiverPeer.closes() != 1 {
		t.Fatalf("receiver peer closed %d times, want 1", receiverPeer.closes())
	}
	if _, err := ch.GetCall(ctx, caller.CallID); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("record still present after hangup: err=%v", err)
	}
	if callerMgr.Session(caller.CallID, "alice") != nil {
		t.Fatal("caller session still registered after hangup")
	}
}

func TestRejectEndsPendingCall(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, callerPeer, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := receiverMgr.RejectCall(ctx, caller.CallID, "bob"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, caller)
	if callerPeer.closes() != 1 {
		t.Fatalf("caller peer closed %d times, want 1", callerPeer.closes())
	}
	if _, err := ch.GetCall(ctx, caller.CallID); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("record still present after reject: err=%v", err)
	}
}

func TestManagerReadsICEServersPerSession(t *testing.T) {
	ch := signal.NewMemory()
	t.Cleanup(ch.Close)

	reads := 0
	m := NewManager(ch, func() []webrtc.ICEServer {
		reads++
		return nil
	}, MediaOptions{})
	t.Cleanup(m.Close)

	// Each session build re-reads the list, so a reloaded config reaches
	// the next call.
	for i := 0; i < 2; i++ {
		p, err := m.newPeer("call")
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { p.Close() })
	}
	if reads != 2 {
		t.Fatalf("ICE provider read %d times for 2 sessions, want 2", reads)
	}
}

func TestHangupWithoutSessionEndsRingingCall(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, callerPeer, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	// Bob closes the ringing window without ever accepting.
	if err := receiverMgr.HangupCall(ctx, caller.CallID, "bob"); err != nil {
		t.Fatal(err)
	}
	waitDone(t, caller)
	if callerPeer.closes() != 1 {
		t.Fatalf("caller peer closed %d times, want 1", callerPeer.closes())
	}
	if _, err := ch.GetCall(ctx, caller.CallID); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("record still present after hangup: err=%v", err)
	}
	if err := receiverMgr.HangupCall(ctx, caller.CallID, "bob"); err != nil {
		t.Fatalf("repeat hangup: %v", err)
	}
	if err := receiverMgr.HangupCall(ctx, "missing-call", "mallory"); err != nil {
		t.Fatalf("hangup of unknown call: %v", err)
	}
}

func TestBothSidesHangupConcurrently(t *testing.T) {
	ctx := context.Background()
	_, callerMgr, receiverMgr, _, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := receiverMgr.AcceptCall(ctx, caller.CallID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, caller, StateConnecting)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); caller.Hangup(ctx) }()
	go func() { defer wg.Done(); receiver.Hangup(ctx) }()
	wg.Wait()

	waitDone(t, caller)
	waitDone(t, receiver)
}

func TestDuplicateRecordNotificationsAreIdempotent(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, callerPeer, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := receiverMgr.AcceptCall(ctx, caller.CallID, "bob"); err != nil {
		t.Fatal(err)
	}
	waitState(t, caller, StateConnecting)

	// A status rewrite republishes the unchanged record; the answer must not
	// be re-applied.
	before := *callerPeer.remote()
	if err := ch.SetStatus(ctx, caller.CallID, signal.StatusAccepted); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)
	if after := *callerPeer.remote(); after != before {
		t.Fatalf("remote description changed on duplicate notification: %+v -> %+v", before, after)
	}
	if caller.State() != StateConnecting {
		t.Fatalf("caller state = %s, want %s", caller.State(), StateConnecting)
	}
}

func TestConnectionFailureTearsDown(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, callerPeer, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	receiver, err := receiverMgr.AcceptCall(ctx, caller.CallID, "bob")
	if err != nil {
		t.Fatal(err)
	}
	waitState(t, caller, StateConnecting)

	callerPeer.connState(ConnFailed)
	waitDone(t, caller)
	// Failure teardown cleans up the record like a hangup, so the peer ends too.
	waitDone(t, receiver)
	if _, err := ch.GetCall(ctx, caller.CallID); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("record still present after failure: err=%v", err)
	}
}

func TestAcceptEndedCall(t *testing.T) {
	ctx := context.Background()
	_, callerMgr, receiverMgr, _, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	callID := caller.CallID
	if err := caller.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	waitDone(t, caller)

	if _, err := receiverMgr.AcceptCall(ctx, callID, "bob"); !errors.Is(err, signal.ErrNotFound) {
		t.Fatalf("accept after hangup: err=%v, want %v", err, signal.ErrNotFound)
	}
}

func TestStartCallValidation(t *testing.T) {
	_, callerMgr, _, _, _ := twoManagers(t)
	ctx := context.Background()

	cases := [][2]string{{"", "bob"}, {"alice", ""}, {"alice", "alice"}}
	for _, c := range cases {
		if _, err := callerMgr.StartCall(ctx, c[0], c[1]); !errors.Is(err, ErrInvalidParameters) {
			t.Fatalf("StartCall(%q, %q): err=%v, want %v", c[0], c[1], err, ErrInvalidParameters)
		}
	}
}

func TestNonParticipantFailsClosed(t *testing.T) {
	ctx := context.Background()
	ch, callerMgr, receiverMgr, _, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := receiverMgr.AcceptCall(ctx, caller.CallID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("accept as outsider: err=%v, want %v", err, ErrNotParticipant)
	}
	if _, err := receiverMgr.OpenCall(ctx, caller.CallID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("open as outsider: err=%v, want %v", err, ErrNotParticipant)
	}
	// A participant without a local session is distinguishable from an
	// outsider: bob still has to accept, mallory is turned away.
	if _, err := receiverMgr.OpenCall(ctx, caller.CallID, "bob"); !errors.Is(err, ErrNoSession) {
		t.Fatalf("open as ringing receiver: err=%v, want %v", err, ErrNoSession)
	}
	if err := receiverMgr.RejectCall(ctx, caller.CallID, "mallory"); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("reject as outsider: err=%v, want %v", err, ErrNotParticipant)
	}

	// The record must be untouched by the failed attempts.
	rec, err := ch.GetCall(ctx, caller.CallID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != signal.StatusPending {
		t.Fatalf("record status = %s after outsider attempts, want pending", rec.Status)
	}
}

func TestStartCallMediaFailureCleansRecord(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	defer ch.Close()

	mgr := NewManagerWithFactory(ch, func(string) (Peer, error) {
		return nil, &MediaError{Err: errors.New("no camera")}
	})
	defer mgr.Close()

	created := make(chan signal.CallRecord, 1)
	cancel, err := ch.SubscribeIncoming("bob", func(rec signal.CallRecord) {
		select {
		case created <- rec:
		default:
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	var me *MediaError
	if _, err := mgr.StartCall(ctx, "alice", "bob"); !errors.As(err, &me) {
		t.Fatalf("StartCall with broken media: err=%v, want MediaError", err)
	}

	select {
	case rec := <-created:
		if _, err := ch.GetCall(ctx, rec.ID); !errors.Is(err, signal.ErrNotFound) {
			t.Fatalf("record %s survived media failure: err=%v", rec.ID, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("record creation never observed")
	}
}

func TestCallerStartFailureEndsSession(t *testing.T) {
	ctx := context.Background()
	ch := signal.NewMemory()
	defer ch.Close()

	peer := &fakePeer{failCreateOffer: true}
	mgr := NewManagerWithFactory(ch, func(string) (Peer, error) { return peer, nil })
	defer mgr.Close()

	var ne *NegotiationError
	if _, err := mgr.StartCall(ctx, "alice", "bob"); !errors.As(err, &ne) {
		t.Fatalf("err=%v, want NegotiationError", err)
	}
	if peer.closes() != 1 {
		t.Fatalf("peer closed %d times, want 1", peer.closes())
	}
}

func TestSubscribeStateDeliversTransitions(t *testing.T) {
	ctx := context.Background()
	_, callerMgr, receiverMgr, callerPeer, _ := twoManagers(t)

	caller, err := callerMgr.StartCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	states, cancel := caller.SubscribeState()
	defer cancel()

	if st := <-states; st != StateDialing {
		t.Fatalf("initial state = %s, want %s", st, StateDialing)
	}

	if _, err := receiverMgr.AcceptCall(ctx, caller.CallID, "bob"); err != nil {
		t.Fatal(err)
	}
	expect := func(want State) {
		t.Helper()
		select {
		case st := <-states:
			if st != want {
				t.Fatalf("state = %s, want %s", st, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("no %s transition", want)
		}
	}
	expect(StateConnecting)
	callerPeer.connState(ConnConnected)
	expect(StateConnected)
	if err := caller.Hangup(ctx); err != nil {
		t.Fatal(err)
	}
	expect(StateEnded)
}
