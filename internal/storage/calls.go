package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ringlet-chat/ringlet/internal/signal"
)

// CallStore implements signal.Channel on top of the calls and call_candidates
// tables. Change notification is in-process: every write fans out to
// subscribers through a single dispatch goroutine, which also owns the
// subscriber maps — callbacks therefore always run in write order and the
// maps need no locking of their own.
type CallStore struct {
	db *sql.DB

	// writeMu serializes (SQL write, post notification) pairs so the dispatch
	// queue order matches candidate seq order.
	writeMu sync.Mutex

	dispatch chan func()
	done     chan struct{}
	nextSub  atomic.Int64

	// Owned by the dispatch goroutine.
	recSubs  map[string]map[int64]func(signal.CallRecord)
	candSubs map[candKey]map[int64]*candSub
	inSubs   map[string]map[int64]func(signal.CallRecord)
}

type candKey struct {
	id   string
	side signal.Side
}

type candSub struct {
	fn   func(signal.Candidate)
	last int64 // highest seq delivered; dedupes replay vs live append races
}

// NewCallStore wraps d as a signaling channel.
func NewCallStore(d *DB) *CallStore {
	s := &CallStore{
		db:       d.db,
		dispatch: make(chan func(), 256),
		done:     make(chan struct{}),
		recSubs:  make(map[string]map[int64]func(signal.CallRecord)),
		candSubs: make(map[candKey]map[int64]*candSub),
		inSubs:   make(map[string]map[int64]func(signal.CallRecord)),
	}
	go s.run()
	return s
}

func (s *CallStore) run() {
	for {
		select {
		case <-s.done:
			return
		case fn := <-s.dispatch:
			fn()
		}
	}
}

// Close stops the dispatch goroutine. The database stays open; it belongs to DB.
func (s *CallStore) Close() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
}

func (s *CallStore) post(fn func()) {
	select {
	case s.dispatch <- fn:
	case <-s.done:
	}
}

func (s *CallStore) CreateCall(ctx context.Context, callerID, receiverID string) (signal.CallRecord, error) {
	rec := signal.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Status:     signal.StatusPending,
		CreatedAt:  time.Now().UTC(),
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO calls (id, caller_id, receiver_id, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.ReceiverID, rec.Status, rec.CreatedAt)
	if err != nil {
		return signal.CallRecord{}, &signal.ChannelError{Op: "create call", Err: err}
	}

	s.post(func() {
		for _, fn := range s.inSubs[receiverID] {
			fn(rec)
		}
	})
	log.Infof("call %s created: %s -> %s", rec.ID, callerID, receiverID)
	return rec, nil
}

func (s *CallStore) GetCall(ctx context.Context, id string) (signal.CallRecord, error) {
	return s.getCall(ctx, id)
}

func (s *CallStore) getCall(ctx context.Context, id string) (signal.CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, caller_id, receiver_id, status, offer_type, offer_sdp, answer_type, answer_sdp, created_at
		 FROM calls WHERE id = ?`, id)

	var rec signal.CallRecord
	var offerType, offerSDP, answerType, answerSDP sql.NullString
	err := row.Scan(&rec.ID, &rec.CallerID, &rec.ReceiverID, &rec.Status,
		&offerType, &offerSDP, &answerType, &answerSDP, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return signal.CallRecord{}, signal.ErrNotFound
	}
	if err != nil {
		return signal.CallRecord{}, &signal.ChannelError{Op: "get call", Err: err}
	}
	if offerSDP.Valid {
		rec.Offer = &signal.Description{Type: offerType.String, SDP: offerSDP.String}
	}
	if answerSDP.Valid {
		rec.Answer = &signal.Description{Type: answerType.String, SDP: answerSDP.String}
	}
	return rec, nil
}

func (s *CallStore) SetOffer(ctx context.Context, id string, offer signal.Description) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET offer_type = ?, offer_sdp = ?
		 WHERE id = ? AND offer_sdp IS NULL AND status = ?`,
		offer.Type, offer.SDP, id, signal.StatusPending)
	if err != nil {
		return &signal.ChannelError{Op: "set offer", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// Gone (orphaned write), already set (at-most-once) or no longer
		// pending. Distinguish so callers can tell noise from loss.
		rec, err := s.getCall(ctx, id)
		if err != nil {
			return err
		}
		if rec.Offer != nil {
			return nil
		}
		return signal.ErrNotPending
	}
	s.notifyRecord(ctx, id)
	return nil
}

func (s *CallStore) SetAnswer(ctx context.Context, id string, answer signal.Description) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE calls SET answer_type = ?, answer_sdp = ?
		 WHERE id = ? AND answer_sdp IS NULL AND offer_sdp IS NOT NULL AND status = ?`,
		answer.Type, answer.SDP, id, signal.StatusPending)
	if err != nil {
		return &signal.ChannelError{Op: "set answer", Err: err}
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		rec, err := s.getCall(ctx, id)
		if err != nil {
			return err
		}
		if rec.Answer != nil {
			return nil
		}
		if rec.Status != signal.StatusPending {
			return signal.ErrNotPending
		}
		return &signal.ChannelError{Op: "set answer", Err: errors.New("no offer on record")}
	}
	s.notifyRecord(ctx, id)
	return nil
}

func (s *CallStore) SetStatus(ctx context.Context, id string, status signal.Status) error {
	rank := map[signal.Status]int{signal.StatusPending: 0, signal.StatusAccepted: 1, signal.StatusEnded: 2}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	rec, err := s.getCall(ctx, id)
	if err != nil {
		return err
	}
	if rank[status] <= rank[rec.Status] {
		return nil // monotone: ignore stale or repeated transitions
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE calls SET status = ? WHERE id = ?`, status, id); err != nil {
		return &signal.ChannelError{Op: "set status", Err: err}
	}
	s.notifyRecord(ctx, id)
	return nil
}

// notifyRecord reads the post-write snapshot and fans it out. Caller holds writeMu.
func (s *CallStore) notifyRecord(ctx context.Context, id string) {
	rec, err := s.getCall(ctx, id)
	if err != nil {
		return // deleted between write and read; subscribers will see nothing
	}
	s.post(func() {
		for _, fn := range s.recSubs[id] {
			fn(rec)
		}
	})
}

func (s *CallStore) AppendCandidate(ctx context.Context, id string, side signal.Side, cand signal.Candidate) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.getCall(ctx, id); err != nil {
		return err
	}

	var seq int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO call_candidates (call_id, side, candidate, sdp_mid, sdp_mline_index, ufrag)
		 VALUES (?, ?, ?, ?, ?, ?) RETURNING seq`,
		id, side, cand.Candidate, cand.SDPMid, cand.SDPMLineIndex, cand.UsernameFragment).Scan(&seq)
	if err != nil {
		return &signal.ChannelError{Op: "append candidate", Err: err}
	}

	key := candKey{id: id, side: side}
	s.post(func() {
		for _, sub := range s.candSubs[key] {
			sub.deliver(seq, cand)
		}
	})
	return nil
}

func (c *candSub) deliver(seq int64, cand signal.Candidate) {
	if seq <= c.last {
		return
	}
	c.last = seq
	c.fn(cand)
}

func (s *CallStore) SubscribeCall(id string, fn func(signal.CallRecord)) (func(), error) {
	if _, err := s.getCall(context.Background(), id); err != nil {
		return nil, err
	}
	key := s.nextSub.Add(1)

	s.post(func() {
		if s.recSubs[id] == nil {
			s.recSubs[id] = make(map[int64]func(signal.CallRecord))
		}
		s.recSubs[id][key] = fn
		// Initial value. Read here, on the dispatch goroutine, so it cannot
		// arrive after a change notification for a later write.
		if rec, err := s.getCall(context.Background(), id); err == nil {
			fn(rec)
		}
	})

	return func() {
		s.post(func() { delete(s.recSubs[id], key) })
	}, nil
}

func (s *CallStore) SubscribeCandidates(id string, side signal.Side, fn func(signal.Candidate)) (func(), error) {
	if _, err := s.getCall(context.Background(), id); err != nil {
		return nil, err
	}
	key := s.nextSub.Add(1)
	ck := candKey{id: id, side: side}

	s.post(func() {
		sub := &candSub{fn: fn}
		// Replay-from-start before going live. Appends racing with this block
		// re-deliver through sub.deliver, which dedupes on seq.
		rows, err := s.db.Query(
			`SELECT seq, candidate, sdp_mid, sdp_mline_index, ufrag
			 FROM call_candidates WHERE call_id = ? AND side = ? ORDER BY seq`, id, side)
		if err == nil {
			for rows.Next() {
				var seq int64
				var cand signal.Candidate
				if err := rows.Scan(&seq, &cand.Candidate, &cand.SDPMid, &cand.SDPMLineIndex, &cand.UsernameFragment); err != nil {
					log.Warnf("candidate replay scan for call %s: %v", id, err)
					continue
				}
				sub.deliver(seq, cand)
			}
			rows.Close()
		} else {
			log.Warnf("candidate replay for call %s: %v", id, err)
		}
		if s.candSubs[ck] == nil {
			s.candSubs[ck] = make(map[int64]*candSub)
		}
		s.candSubs[ck][key] = sub
	})

	return func() {
		s.post(func() { delete(s.candSubs[ck], key) })
	}, nil
}

func (s *CallStore) SubscribeIncoming(receiverID string, fn func(signal.CallRecord)) (func(), error) {
	key := s.nextSub.Add(1)
	s.post(func() {
		if s.inSubs[receiverID] == nil {
			s.inSubs[receiverID] = make(map[int64]func(signal.CallRecord))
		}
		s.inSubs[receiverID][key] = fn
	})
	return func() {
		s.post(func() { delete(s.inSubs[receiverID], key) })
	}, nil
}

func (s *CallStore) DeleteCall(ctx context.Context, id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &signal.ChannelError{Op: "delete call", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM call_candidates WHERE call_id = ?`, id); err != nil {
		tx.Rollback()
		return &signal.ChannelError{Op: "delete call", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM calls WHERE id = ?`, id); err != nil {
		tx.Rollback()
		return &signal.ChannelError{Op: "delete call", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &signal.ChannelError{Op: "delete call", Err: fmt.Errorf("commit: %w", err)}
	}
	return nil
}
