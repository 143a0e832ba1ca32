// Package ranking keeps "most-used feed first" ordering eventually consistent.
// Diet edits arrive in bursts, so recalculation is debounced per board: the
// usage query and rank rewrite run once per settled burst, against state as
// of fire time.
package ranking

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"stallboard/api/internal/store"
)

const DefaultDebounce = 500 * time.Millisecond

type Store interface {
	FeedUsage(ctx context.Context, boardID string) ([]store.FeedUsage, error)
	// UpdateFeedRanks must apply every update in one atomic transaction.
	UpdateFeedRanks(ctx context.Context, boardID string, updates []store.RankUpdate) error
}

type Stats struct {
	PendingBoards int `json:"pendingBoards"`
}

type Recalculator struct {
	store      Store
	onComplete func(boardID string)
	window     time.Duration
	log        *logrus.Entry

	mu      sync.Mutex
	pending map[string]debounce
	gen     uint64
	stopped bool
}

// debounce tags each armed timer with a generation so a fire that lost the
// race against a concurrent Schedule (Stop on an already-fired timer returns
// false) cannot remove the newer timer's entry.
type debounce struct {
	timer *time.Timer
	gen   uint64
}

func New(st Store, window time.Duration, onComplete func(boardID string)) (*Recalculator, error) {
	if st == nil {
		return nil, errors.New("ranking: store is required")
	}
	if onComplete == nil {
		return nil, errors.New("ranking: onComplete callback is required")
	}
	if window <= 0 {
		window = DefaultDebounce
	}
	return &Recalculator{
		store:      st,
		onComplete: onComplete,
		window:     window,
		log:        logrus.WithField("component", "ranking"),
		pending:    make(map[string]debounce),
	}, nil
}

// Schedule arms (or restarts) the board's debounce timer and returns
// immediately. N calls within the window collapse into one recalculation.
func (r *Recalculator) Schedule(boardID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if d, ok := r.pending[boardID]; ok {
		d.timer.Stop()
	}
	r.gen++
	gen := r.gen
	r.pending[boardID] = debounce{
		timer: time.AfterFunc(r.window, func() { r.fire(boardID, gen) }),
		gen:   gen,
	}
}

// RecalculateNow cancels any pending debounce for the board and runs the
// recalculation synchronously, returning the number of feeds ranked.
func (r *Recalculator) RecalculateNow(ctx context.Context, boardID string) (int, error) {
	r.mu.Lock()
	if d, ok := r.pending[boardID]; ok {
		d.timer.Stop()
		delete(r.pending, boardID)
	}
	r.mu.Unlock()

	n, err := r.run(ctx, boardID)
	if err != nil {
		return 0, err
	}
	r.onComplete(boardID)
	return n, nil
}

func (r *Recalculator) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Stats{PendingBoards: len(r.pending)}
}

// Stop drops all pending debounces. In-flight recalculations run to
// completion; a dropped debounce is re-attempted by the next diet edit.
func (r *Recalculator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for boardID, d := range r.pending {
		d.timer.Stop()
		delete(r.pending, boardID)
	}
}

func (r *Recalculator) fire(boardID string, gen uint64) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("panic", rec).Error("rank recalculation panicked")
		}
	}()

	r.mu.Lock()
	d, ok := r.pending[boardID]
	if !ok || d.gen != gen {
		// Superseded while this fire waited for the lock: either a newer
		// Schedule restarted the window (its timer owns the burst now) or
		// RecalculateNow already ran. Either way this fire must not run.
		r.mu.Unlock()
		return
	}
	delete(r.pending, boardID)
	r.mu.Unlock()

	if _, err := r.run(context.Background(), boardID); err != nil {
		// The whole update is one transaction, so a failed cycle leaves
		// ranks untouched; the next Schedule call re-attempts.
		r.log.WithError(err).WithField("board", boardID).Error("rank recalculation failed")
		return
	}
	r.onComplete(boardID)
}

func (r *Recalculator) run(ctx context.Context, boardID string) (int, error) {
	usage, err := r.store.FeedUsage(ctx, boardID)
	if err != nil {
		return 0, err
	}
	if len(usage) == 0 {
		return 0, nil
	}

	// Highest usage first; ties break on name so repeated runs over
	// identical input produce identical ranks.
	sort.SliceStable(usage, func(i, j int) bool {
		if usage[i].UsageCount != usage[j].UsageCount {
			return usage[i].UsageCount > usage[j].UsageCount
		}
		return usage[i].Name < usage[j].Name
	})

	updates := make([]store.RankUpdate, len(usage))
	for i, u := range usage {
		updates[i] = store.RankUpdate{FeedID: u.FeedID, Rank: len(usage) - i}
	}
	if err := r.store.UpdateFeedRanks(ctx, boardID, updates); err != nil {
		return 0, err
	}
	return len(updates), nil
}
