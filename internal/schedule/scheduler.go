// Package schedule owns the in-memory set of pending expirations: time-mode
// overrides that must revert to AUTO and horse notes that must clear when
// their stored deadline lapses. A single timer is kept armed for the earliest
// deadline; there is no polling.
package schedule

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stallboard/api/internal/store"
)

type Kind string

const (
	KindOverride Kind = "override"
	KindNote     Kind = "note"
)

// Record is one pending expiration. For overrides, ID is the board id; for
// notes it is the horse id. At most one record exists per (ID, Kind).
type Record struct {
	ID        string
	BoardID   string
	Kind      Kind
	ExpiresAt time.Time
}

type BoardStore interface {
	ListActiveOverrides(ctx context.Context) ([]store.Board, error)
	ClearOverride(ctx context.Context, boardID string) error
}

type HorseStore interface {
	ListActiveNoteExpiries(ctx context.Context) ([]store.Horse, error)
	ClearNote(ctx context.Context, horseID string) error
}

type Stats struct {
	Pending    int        `json:"pending"`
	NextExpiry *time.Time `json:"nextExpiry,omitempty"`
}

type Scheduler struct {
	boards   BoardStore
	horses   HorseStore
	onExpiry func(boardID string)
	log      *logrus.Entry

	mu      sync.Mutex
	pending []Record // ascending ExpiresAt
	timer   *time.Timer
	stopped bool
}

func New(boards BoardStore, horses HorseStore, onExpiry func(boardID string)) (*Scheduler, error) {
	if boards == nil || horses == nil {
		return nil, errors.New("schedule: board and horse stores are required")
	}
	if onExpiry == nil {
		return nil, errors.New("schedule: onExpiry callback is required")
	}
	return &Scheduler{
		boards:   boards,
		horses:   horses,
		onExpiry: onExpiry,
		log:      logrus.WithField("component", "schedule"),
	}, nil
}

// Hydrate scans storage for unexpired overrides and notes and schedules each.
// Called once at startup so state survives a process restart.
func (s *Scheduler) Hydrate(ctx context.Context) error {
	boards, err := s.boards.ListActiveOverrides(ctx)
	if err != nil {
		return err
	}
	for _, b := range boards {
		if b.OverrideUntil == nil {
			continue
		}
		s.Schedule(Record{ID: b.ID, BoardID: b.ID, Kind: KindOverride, ExpiresAt: *b.OverrideUntil})
	}

	horses, err := s.horses.ListActiveNoteExpiries(ctx)
	if err != nil {
		return err
	}
	for _, h := range horses {
		if h.NoteExpiry == nil {
			continue
		}
		s.Schedule(Record{ID: h.ID, BoardID: h.BoardID, Kind: KindNote, ExpiresAt: *h.NoteExpiry})
	}
	return nil
}

// Schedule replaces any pending record with the same (ID, Kind) and rearms
// the timer for the new earliest deadline. Returns immediately.
func (s *Scheduler) Schedule(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(rec.ID, rec.Kind)
	i := 0
	for i < len(s.pending) && !s.pending[i].ExpiresAt.After(rec.ExpiresAt) {
		i++
	}
	s.pending = append(s.pending, Record{})
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = rec
	s.rearmLocked()
}

// Cancel removes a pending record. The timer is disarmed if nothing remains.
func (s *Scheduler) Cancel(id string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removeLocked(id, kind) {
		s.rearmLocked()
	}
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{Pending: len(s.pending)}
	if len(s.pending) > 0 {
		next := s.pending[0].ExpiresAt
		st.NextExpiry = &next
	}
	return st
}

// Stop disarms the timer. Pending records are dropped; they are rehydrated
// from storage on the next start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = nil
}

func (s *Scheduler) removeLocked(id string, kind Kind) bool {
	for i, rec := range s.pending {
		if rec.ID == id && rec.Kind == kind {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

// rearmLocked keeps the single outstanding timer in sync with the earliest
// pending deadline. Delay is floored at zero for already-due records.
func (s *Scheduler) rearmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.stopped || len(s.pending) == 0 {
		return
	}
	delay := time.Until(s.pending[0].ExpiresAt)
	if delay < 0 {
		delay = 0
	}
	s.timer = time.AfterFunc(delay, s.fire)
}

func (s *Scheduler) fire() {
	defer func() {
		s.mu.Lock()
		s.rearmLocked()
		s.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.WithField("panic", r).Error("expiry processing panicked")
		}
	}()

	now := time.Now()
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	var due []Record
	for len(s.pending) > 0 && !s.pending[0].ExpiresAt.After(now) {
		due = append(due, s.pending[0])
		s.pending = s.pending[1:]
	}
	s.mu.Unlock()

	ctx := context.Background()
	for _, rec := range due {
		if err := s.apply(ctx, rec); err != nil {
			// No retry: the record stays stale until the next write
			// touches that board or horse.
			s.log.WithError(err).WithFields(logrus.Fields{
				"id":   rec.ID,
				"kind": rec.Kind,
			}).Error("expiry side effect failed")
			continue
		}
		s.onExpiry(rec.BoardID)
	}
}

func (s *Scheduler) apply(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindNote:
		return s.horses.ClearNote(ctx, rec.ID)
	default:
		return s.boards.ClearOverride(ctx, rec.BoardID)
	}
}
