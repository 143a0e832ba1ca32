package schedule

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stallboard/api/internal/store"
)

type fakeBoards struct {
	mu      sync.Mutex
	active  []store.Board
	cleared []string
	failFor map[string]error
}

func (f *fakeBoards) ListActiveOverrides(context.Context) ([]store.Board, error) {
	return f.active, nil
}

func (f *fakeBoards) ClearOverride(_ context.Context, boardID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failFor[boardID]; ok {
		return err
	}
	f.cleared = append(f.cleared, boardID)
	return nil
}

func (f *fakeBoards) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

type fakeHorses struct {
	mu      sync.Mutex
	active  []store.Horse
	cleared []string
}

func (f *fakeHorses) ListActiveNoteExpiries(context.Context) ([]store.Horse, error) {
	return f.active, nil
}

func (f *fakeHorses) ClearNote(_ context.Context, horseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, horseID)
	return nil
}

func (f *fakeHorses) clearedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

func newTestScheduler(t *testing.T, boards *fakeBoards, horses *fakeHorses) (*Scheduler, chan string) {
	t.Helper()
	notified := make(chan string, 32)
	s, err := New(boards, horses, func(boardID string) { notified <- boardID })
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s, notified
}

func waitNotify(t *testing.T, ch chan string) string {
	t.Helper()
	select {
	case id := <-ch:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for expiry callback")
		return ""
	}
}

func TestNewRequiresWiring(t *testing.T) {
	_, err := New(nil, &fakeHorses{}, func(string) {})
	assert.Error(t, err)
	_, err = New(&fakeBoards{}, nil, func(string) {})
	assert.Error(t, err)
	_, err = New(&fakeBoards{}, &fakeHorses{}, nil)
	assert.Error(t, err)
}

func TestScheduleFiresOverride(t *testing.T) {
	boards := &fakeBoards{}
	s, notified := newTestScheduler(t, boards, &fakeHorses{})

	s.Schedule(Record{ID: "brd_1", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: time.Now().Add(20 * time.Millisecond)})

	require.Equal(t, "brd_1", waitNotify(t, notified))
	assert.Equal(t, []string{"brd_1"}, boards.clearedIDs())
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestScheduleNeverFiresEarly(t *testing.T) {
	s, notified := newTestScheduler(t, &fakeBoards{}, &fakeHorses{})

	s.Schedule(Record{ID: "brd_1", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: time.Now().Add(300 * time.Millisecond)})

	select {
	case id := <-notified:
		t.Fatalf("fired early for %s", id)
	case <-time.After(100 * time.Millisecond):
	}
	require.Equal(t, "brd_1", waitNotify(t, notified))
}

func TestRescheduleReplacesPendingEntry(t *testing.T) {
	boards := &fakeBoards{}
	s, notified := newTestScheduler(t, boards, &fakeHorses{})

	s.Schedule(Record{ID: "brd_1", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: time.Now().Add(40 * time.Millisecond)})
	s.Schedule(Record{ID: "brd_1", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: time.Now().Add(90 * time.Millisecond)})
	assert.Equal(t, 1, s.Stats().Pending)

	waitNotify(t, notified)
	select {
	case id := <-notified:
		t.Fatalf("duplicate fire for %s", id)
	case <-time.After(200 * time.Millisecond):
	}
	assert.Equal(t, []string{"brd_1"}, boards.clearedIDs())
}

func TestCancelDisarms(t *testing.T) {
	s, notified := newTestScheduler(t, &fakeBoards{}, &fakeHorses{})

	s.Schedule(Record{ID: "brd_1", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: time.Now().Add(30 * time.Millisecond)})
	s.Cancel("brd_1", KindOverride)

	select {
	case id := <-notified:
		t.Fatalf("fired after cancel for %s", id)
	case <-time.After(150 * time.Millisecond):
	}
	assert.Equal(t, 0, s.Stats().Pending)
	assert.Nil(t, s.Stats().NextExpiry)
}

func TestFiresInAscendingExpiryOrder(t *testing.T) {
	boards := &fakeBoards{}
	s, notified := newTestScheduler(t, boards, &fakeHorses{})

	now := time.Now()
	s.Schedule(Record{ID: "brd_late", BoardID: "brd_late", Kind: KindOverride, ExpiresAt: now.Add(80 * time.Millisecond)})
	s.Schedule(Record{ID: "brd_early", BoardID: "brd_early", Kind: KindOverride, ExpiresAt: now.Add(20 * time.Millisecond)})

	assert.Equal(t, "brd_early", waitNotify(t, notified))
	assert.Equal(t, "brd_late", waitNotify(t, notified))
}

func TestOverrideAndNoteAreIndependentKinds(t *testing.T) {
	boards := &fakeBoards{}
	horses := &fakeHorses{}
	s, notified := newTestScheduler(t, boards, horses)

	// Same id under both kinds must coexist and fire separately.
	now := time.Now()
	s.Schedule(Record{ID: "x", BoardID: "brd_1", Kind: KindOverride, ExpiresAt: now.Add(20 * time.Millisecond)})
	s.Schedule(Record{ID: "x", BoardID: "brd_1", Kind: KindNote, ExpiresAt: now.Add(40 * time.Millisecond)})
	assert.Equal(t, 2, s.Stats().Pending)

	waitNotify(t, notified)
	waitNotify(t, notified)
	assert.Equal(t, []string{"brd_1"}, boards.clearedIDs())
	assert.Equal(t, []string{"x"}, horses.clearedIDs())
}

func TestStorageFailureDoesNotBlockRemainingRecords(t *testing.T) {
	boards := &fakeBoards{failFor: map[string]error{"brd_bad": errors.New("write failed")}}
	s, notified := newTestScheduler(t, boards, &fakeHorses{})

	past := time.Now().Add(-time.Second)
	s.Schedule(Record{ID: "brd_bad", BoardID: "brd_bad", Kind: KindOverride, ExpiresAt: past})
	s.Schedule(Record{ID: "brd_good", BoardID: "brd_good", Kind: KindOverride, ExpiresAt: past.Add(time.Millisecond)})

	// Only the record that persisted its side effect reports completion.
	assert.Equal(t, "brd_good", waitNotify(t, notified))
	assert.Equal(t, []string{"brd_good"}, boards.clearedIDs())
	assert.Equal(t, 0, s.Stats().Pending)
}

func TestHydrateSchedulesStoredState(t *testing.T) {
	until := time.Now().Add(25 * time.Millisecond)
	noteExpiry := time.Now().Add(45 * time.Millisecond)
	boards := &fakeBoards{active: []store.Board{{ID: "brd_1", TimeMode: store.TimeModePM, OverrideUntil: &until}}}
	horses := &fakeHorses{active: []store.Horse{{ID: "hrs_1", BoardID: "brd_1", Note: "no oats", NoteExpiry: &noteExpiry}}}
	s, notified := newTestScheduler(t, boards, horses)

	require.NoError(t, s.Hydrate(context.Background()))
	assert.Equal(t, 2, s.Stats().Pending)

	assert.Equal(t, "brd_1", waitNotify(t, notified))
	assert.Equal(t, "brd_1", waitNotify(t, notified))
	assert.Equal(t, []string{"brd_1"}, boards.clearedIDs())
	assert.Equal(t, []string{"hrs_1"}, horses.clearedIDs())
}
