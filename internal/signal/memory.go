package signal

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process Channel. It backs the "memory" store backend and
// every state-machine test. All notification callbacks are run on a single
// dispatch goroutine so subscribers observe writes in a consistent order
// without the store ever invoking callbacks under its own lock.
type Memory struct {
	mu      sync.Mutex
	calls   map[string]*memCall
	inSub   map[string]map[int]func(CallRecord) // receiverID -> subscribers
	nextSub int

	dispatch chan func()
	done     chan struct{}
}

type memCall struct {
	rec      CallRecord
	cands    map[Side][]Candidate
	recSubs  map[int]func(CallRecord)
	candSubs map[Side]map[int]func(Candidate)
}

// NewMemory creates an empty in-memory signaling channel.
func NewMemory() *Memory {
	m := &Memory{
		calls:    make(map[string]*memCall),
		inSub:    make(map[string]map[int]func(CallRecord)),
		dispatch: make(chan func(), 256),
		done:     make(chan struct{}),
	}
	go m.run()
	return m
}

func (m *Memory) run() {
	for {
		select {
		case <-m.done:
			return
		case fn := <-m.dispatch:
			fn()
		}
	}
}

// Close stops the dispatch goroutine. Pending notifications are dropped.
func (m *Memory) Close() {
	select {
	case <-m.done:
	default:
		close(m.done)
	}
}

func (m *Memory) post(fn func()) {
	select {
	case m.dispatch <- fn:
	case <-m.done:
	}
}

func (m *Memory) CreateCall(_ context.Context, callerID, receiverID string) (CallRecord, error) {
	rec := CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	m.mu.Lock()
	m.calls[rec.ID] = &memCall{
		rec:      rec,
		cands:    map[Side][]Candidate{SideOffer: nil, SideAnswer: nil},
		recSubs:  make(map[int]func(CallRecord)),
		candSubs: map[Side]map[int]func(Candidate){SideOffer: {}, SideAnswer: {}},
	}
	subs := collectIncoming(m.inSub[receiverID])
	m.mu.Unlock()

	if len(subs) > 0 {
		m.post(func() {
			for _, fn := range subs {
				fn(rec)
			}
		})
	}
	return rec, nil
}

func (m *Memory) GetCall(_ context.Context, id string) (CallRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.calls[id]
	if !ok {
		return CallRecord{}, ErrNotFound
	}
	return c.rec, nil
}

func (m *Memory) SetOffer(_ context.Context, id string, offer Description) error {
	return m.mutate(id, func(c *memCall) error {
		if c.rec.Offer != nil {
			return nil // written at most once; the duplicate is noise
		}
		if c.rec.Status != StatusPending {
			return ErrNotPending
		}
		o := offer
		c.rec.Offer = &o
		return nil
	})
}

func (m *Memory) SetAnswer(_ context.Context, id string, answer Description) error {
	return m.mutate(id, func(c *memCall) error {
		if c.rec.Answer != nil {
			return nil
		}
		if c.rec.Status != StatusPending {
			return ErrNotPending
		}
		if c.rec.Offer == nil {
			return &ChannelError{Op: "set answer", Err: errors.New("no offer on record")}
		}
		a := answer
		c.rec.Answer = &a
		return nil
	})
}

func (m *Memory) SetStatus(_ context.Context, id string, status Status) error {
	return m.mutate(id, func(c *memCall) error {
		if !status.after(c.rec.Status) {
			return nil // monotone: ignore stale or repeated transitions
		}
		c.rec.Status = status
		return nil
	})
}

// mutate applies fn to the record under lock and notifies record subscribers
// with the resulting snapshot.
func (m *Memory) mutate(id string, fn func(*memCall) error) error {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	if err := fn(c); err != nil {
		m.mu.Unlock()
		return err
	}
	rec := c.rec
	subs := make([]func(CallRecord), 0, len(c.recSubs))
	for _, s := range c.recSubs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	m.post(func() {
		for _, s := range subs {
			s(rec)
		}
	})
	return nil
}

func (m *Memory) AppendCandidate(_ context.Context, id string, side Side, cand Candidate) error {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	c.cands[side] = append(c.cands[side], cand)
	subs := make([]func(Candidate), 0, len(c.candSubs[side]))
	for _, s := range c.candSubs[side] {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	m.post(func() {
		for _, s := range subs {
			s(cand)
		}
	})
	return nil
}

func (m *Memory) SubscribeCall(id string, fn func(CallRecord)) (func(), error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.nextSub++
	key := m.nextSub
	c.recSubs[key] = fn
	rec := c.rec
	m.mu.Unlock()

	// Initial value, delivered through the same queue as later changes.
	m.post(func() { fn(rec) })

	return func() {
		m.mu.Lock()
		if c, ok := m.calls[id]; ok {
			delete(c.recSubs, key)
		}
		m.mu.Unlock()
	}, nil
}

func (m *Memory) SubscribeCandidates(id string, side Side, fn func(Candidate)) (func(), error) {
	m.mu.Lock()
	c, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.nextSub++
	key := m.nextSub
	c.candSubs[side][key] = fn
	replay := make([]Candidate, len(c.cands[side]))
	copy(replay, c.cands[side])
	m.mu.Unlock()

	// Replay-from-start. Appends racing with this subscription were snapshotted
	// above and their own dispatch closures do not include fn, so each
	// candidate reaches fn exactly once, in append order.
	m.post(func() {
		for _, cand := range replay {
			fn(cand)
		}
	})

	return func() {
		m.mu.Lock()
		if c, ok := m.calls[id]; ok {
			delete(c.candSubs[side], key)
		}
		m.mu.Unlock()
	}, nil
}

func (m *Memory) SubscribeIncoming(receiverID string, fn func(CallRecord)) (func(), error) {
	m.mu.Lock()
	if m.inSub[receiverID] == nil {
		m.inSub[receiverID] = make(map[int]func(CallRecord))
	}
	m.nextSub++
	key := m.nextSub
	m.inSub[receiverID][key] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.inSub[receiverID], key)
		m.mu.Unlock()
	}, nil
}

func (m *Memory) DeleteCall(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.calls, id) // no-op when already deleted
	m.mu.Unlock()
	return nil
}

func collectIncoming(subs map[int]func(CallRecord)) []func(CallRecord) {
	out := make([]func(CallRecord), 0, len(subs))
	for _, fn := range subs {
		out = append(out, fn)
	}
	return out
}
