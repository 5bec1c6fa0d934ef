package signal

import (
	"context"
	"testing"
	"time"
)

func recvRecord(t *testing.T, ch <-chan CallRecord) CallRecord {
	t.Helper()
	select {
	case rec := <-ch:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for record notification")
		return CallRecord{}
	}
}

func recvCandidate(t *testing.T, ch <-chan Candidate) Candidate {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for candidate")
		return Candidate{}
	}
}

func TestMemoryCreateCall(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, err := m.CreateCall(ctx, "alice", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if rec.ID == "" {
		t.Fatal("expected generated call id")
	}
	if rec.Status != StatusPending {
		t.Fatalf("expected pending, got %s", rec.Status)
	}
	if rec.Offer != nil || rec.Answer != nil {
		t.Fatal("new call must have no offer or answer")
	}

	got, err := m.GetCall(ctx, rec.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CallerID != "alice" || got.ReceiverID != "bob" {
		t.Fatalf("participants not stored: %+v", got)
	}
}

func TestMemoryGetCallNotFound(t *testing.T) {
	m := NewMemory()
	defer m.Close()

	if _, err := m.GetCall(context.Background(), "nope"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryMergeSemantics(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")

	if err := m.SetOffer(ctx, rec.ID, Description{Type: "offer", SDP: "o"}); err != nil {
		t.Fatal(err)
	}
	// A status advance merges with the offer instead of clobbering it.
	if err := m.SetStatus(ctx, rec.ID, StatusAccepted); err != nil {
		t.Fatal(err)
	}

	got, _ := m.GetCall(ctx, rec.ID)
	if got.Status != StatusAccepted {
		t.Fatalf("status = %s, want accepted", got.Status)
	}
	if got.Offer == nil || got.Offer.SDP != "o" {
		t.Fatalf("offer not merged: %+v", got)
	}

	// Second offer write is ignored, not an error.
	if err := m.SetOffer(ctx, rec.ID, Description{Type: "offer", SDP: "other"}); err != nil {
		t.Fatal(err)
	}
	got, _ = m.GetCall(ctx, rec.ID)
	if got.Offer.SDP != "o" {
		t.Fatal("offer must be written at most once")
	}
}

func TestMemoryDescriptionsRequirePending(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	if err := m.SetStatus(ctx, rec.ID, StatusEnded); err != nil {
		t.Fatal(err)
	}
	if err := m.SetOffer(ctx, rec.ID, Description{Type: "offer", SDP: "late"}); err != ErrNotPending {
		t.Fatalf("offer on ended call: err = %v, want ErrNotPending", err)
	}
	if err := m.SetAnswer(ctx, rec.ID, Description{Type: "answer", SDP: "late"}); err != ErrNotPending {
		t.Fatalf("answer on ended call: err = %v, want ErrNotPending", err)
	}
	got, _ := m.GetCall(ctx, rec.ID)
	if got.Offer != nil || got.Answer != nil {
		t.Fatal("description landed on an ended call")
	}
}

func TestMemoryAnswerRequiresOffer(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	if err := m.SetAnswer(ctx, rec.ID, Description{Type: "answer", SDP: "a"}); err == nil {
		t.Fatal("expected error setting answer before offer")
	}
}

func TestMemoryStatusMonotone(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	m.SetStatus(ctx, rec.ID, StatusEnded)
	m.SetStatus(ctx, rec.ID, StatusAccepted) // stale transition, must be ignored

	got, _ := m.GetCall(ctx, rec.ID)
	if got.Status != StatusEnded {
		t.Fatalf("status moved out of ended: %s", got.Status)
	}
}

func TestMemorySubscribeCallInitialAndChanges(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	updates := make(chan CallRecord, 8)
	cancel, err := m.SubscribeCall(rec.ID, func(r CallRecord) { updates <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	if first := recvRecord(t, updates); first.Status != StatusPending {
		t.Fatalf("initial value not delivered: %+v", first)
	}

	m.SetStatus(ctx, rec.ID, StatusAccepted)
	if next := recvRecord(t, updates); next.Status != StatusAccepted {
		t.Fatalf("change not delivered: %+v", next)
	}
}

func TestMemoryCandidateReplay(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	for _, c := range []string{"c1", "c2", "c3"} {
		if err := m.AppendCandidate(ctx, rec.ID, SideOffer, Candidate{Candidate: c}); err != nil {
			t.Fatal(err)
		}
	}

	// Subscriber attaching after the appends must still see every candidate,
	// in append order.
	got := make(chan Candidate, 8)
	cancel, err := m.SubscribeCandidates(rec.ID, SideOffer, func(c Candidate) { got <- c })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	for _, want := range []string{"c1", "c2", "c3"} {
		if c := recvCandidate(t, got); c.Candidate != want {
			t.Fatalf("replay out of order: got %q want %q", c.Candidate, want)
		}
	}

	// New appends keep flowing after the replay.
	m.AppendCandidate(ctx, rec.ID, SideOffer, Candidate{Candidate: "c4"})
	if c := recvCandidate(t, got); c.Candidate != "c4" {
		t.Fatalf("live append not delivered: %q", c.Candidate)
	}
}

func TestMemoryStreamsAreDisjoint(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	m.AppendCandidate(ctx, rec.ID, SideOffer, Candidate{Candidate: "from-caller"})

	got := make(chan Candidate, 8)
	cancel, _ := m.SubscribeCandidates(rec.ID, SideAnswer, func(c Candidate) { got <- c })
	defer cancel()

	m.AppendCandidate(ctx, rec.ID, SideAnswer, Candidate{Candidate: "from-receiver"})
	if c := recvCandidate(t, got); c.Candidate != "from-receiver" {
		t.Fatalf("answer stream delivered offer candidate: %q", c.Candidate)
	}
}

func TestMemorySubscribeIncoming(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	incoming := make(chan CallRecord, 4)
	cancel, err := m.SubscribeIncoming("bob", func(r CallRecord) { incoming <- r })
	if err != nil {
		t.Fatal(err)
	}
	defer cancel()

	m.CreateCall(ctx, "carol", "dave") // other receiver, must not fire
	rec, _ := m.CreateCall(ctx, "alice", "bob")

	got := recvRecord(t, incoming)
	if got.ID != rec.ID || got.CallerID != "alice" {
		t.Fatalf("wrong incoming call delivered: %+v", got)
	}
	select {
	case extra := <-incoming:
		t.Fatalf("unexpected extra incoming call: %+v", extra)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	m := NewMemory()
	defer m.Close()
	ctx := context.Background()

	rec, _ := m.CreateCall(ctx, "alice", "bob")
	m.AppendCandidate(ctx, rec.ID, SideOffer, Candidate{Candidate: "c1"})

	if err := m.DeleteCall(ctx, rec.ID); err != nil {
		t.Fatal(err)
	}
	// Racing hang-up from the other side.
	if err := m.DeleteCall(ctx, rec.ID); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}

	// Writes that land after deletion are orphaned: ErrNotFound, not a crash.
	if err := m.SetOffer(ctx, rec.ID, Description{Type: "offer", SDP: "late"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for post-delete write, got %v", err)
	}
	if err := m.AppendCandidate(ctx, rec.ID, SideOffer, Candidate{Candidate: "late"}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for post-delete append, got %v", err)
	}
}

func TestCandidateKeyStable(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	a := Candidate{Candidate: "cand", SDPMid: &mid, SDPMLineIndex: &idx}
	b := Candidate{Candidate: "cand", SDPMid: &mid, SDPMLineIndex: &idx}
	if a.Key() != b.Key() {
		t.Fatal("identical candidates must share a key")
	}
	c := Candidate{Candidate: "cand2", SDPMid: &mid, SDPMLineIndex: &idx}
	if a.Key() == c.Key() {
		t.Fatal("distinct candidates must not collide")
	}
}
