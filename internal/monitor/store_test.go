package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signal-trading-core/internal/database"
)

type memDurable struct {
	mu      sync.Mutex
	rows    map[string]database.Position
	closed  map[string]database.CloseReason
	failing bool
}

func newMemDurable() *memDurable {
	return &memDurable{
		rows:   make(map[string]database.Position),
		closed: make(map[string]database.CloseReason),
	}
}

func (d *memDurable) Upsert(ctx context.Context, p *database.Position) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failing {
		return errors.New("durable store unavailable")
	}
	d.rows[p.ID] = *p
	return nil
}

func (d *memDurable) MarkClosed(ctx context.Context, positionID string, reason database.CloseReason, closedAt time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed[positionID] = reason
	return nil
}

func (d *memDurable) GetAllOpenPositions(ctx context.Context) ([]*database.Position, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*database.Position
	for _, p := range d.rows {
		if p.Status == database.StatusOpen {
			cp := p
			out = append(out, &cp)
		}
	}
	return out, nil
}

type memMirror struct {
	mu      sync.Mutex
	saves   map[string]int
	removed map[string]bool
}

func newMemMirror() *memMirror {
	return &memMirror{saves: make(map[string]int), removed: make(map[string]bool)}
}

func (m *memMirror) Save(ctx context.Context, p *database.Position) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves[p.ID]++
	return nil
}

func (m *memMirror) Remove(ctx context.Context, userID, positionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed[positionID] = true
	return nil
}

func testPosition(id string) *database.Position {
	return &database.Position{
		ID:               id,
		UserID:           "user-1",
		Symbol:           "BTC/USDT",
		Side:             database.SideLong,
		EntryPrice:       50000,
		Quantity:         0.1,
		OriginalQuantity: 0.1,
		Status:           database.StatusOpen,
		OpenedAt:         time.Now(),
	}
}

func TestStoreAddPersistsImmediately(t *testing.T) {
	durable := newMemDurable()
	mirror := newMemMirror()
	s := NewStore(durable, mirror, nil)

	if err := s.Add(context.Background(), testPosition("p1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if _, ok := durable.rows["p1"]; !ok {
		t.Error("Add should write through to the durable store")
	}
	if mirror.saves["p1"] != 1 {
		t.Error("Add should write through to the mirror")
	}
}

func TestStoreTryLockExclusive(t *testing.T) {
	s := NewStore(nil, nil, nil)
	_ = s.Add(context.Background(), testPosition("p1"))

	release, ok := s.TryLock("p1")
	if !ok {
		t.Fatal("first TryLock should succeed")
	}
	if _, ok := s.TryLock("p1"); ok {
		t.Fatal("second TryLock on a held lock should fail")
	}
	release()
	release2, ok := s.TryLock("p1")
	if !ok {
		t.Fatal("TryLock after release should succeed")
	}
	release2()
}

func TestStoreFlushDirtyOnlyTouchesDirty(t *testing.T) {
	mirror := newMemMirror()
	s := NewStore(nil, mirror, nil)
	ctx := context.Background()
	_ = s.Add(ctx, testPosition("p1"))
	_ = s.Add(ctx, testPosition("p2"))

	s.MarkDirty("p1")
	s.FlushDirty(ctx)

	if mirror.saves["p1"] != 2 { // once on Add, once on flush
		t.Errorf("p1 saves = %d, want 2", mirror.saves["p1"])
	}
	if mirror.saves["p2"] != 1 {
		t.Errorf("p2 saves = %d, want 1", mirror.saves["p2"])
	}

	// Flush clears the dirty set
	s.FlushDirty(ctx)
	if mirror.saves["p1"] != 2 {
		t.Error("second flush should not re-save a clean position")
	}
}

func TestStoreFinalizeCloseIdempotent(t *testing.T) {
	durable := newMemDurable()
	mirror := newMemMirror()
	s := NewStore(durable, mirror, nil)
	ctx := context.Background()
	_ = s.Add(ctx, testPosition("p1"))

	closedAt := time.Now()
	s.FinalizeClose(ctx, "p1", database.CloseTakeProfit, closedAt)
	s.FinalizeClose(ctx, "p1", database.CloseStopLoss, closedAt)

	if s.Get("p1") != nil {
		t.Error("closed position should leave the hot map")
	}
	if durable.closed["p1"] != database.CloseTakeProfit {
		t.Errorf("durable close reason = %s, want the first close to win", durable.closed["p1"])
	}
	if !mirror.removed["p1"] {
		t.Error("close should remove the mirror entry")
	}
	if s.OpenCount("user-1") != 0 {
		t.Error("open count should drop to zero")
	}
}

func TestStoreCheckpointAbortsOnFailure(t *testing.T) {
	durable := newMemDurable()
	s := NewStore(durable, nil, nil)
	ctx := context.Background()
	_ = s.Add(ctx, testPosition("p1"))

	durable.failing = true
	s.Checkpoint(ctx)

	// Memory stays authoritative through a failed checkpoint
	if s.Get("p1") == nil {
		t.Error("failed checkpoint must not disturb in-memory state")
	}
}

func TestStoreLoadFromDurable(t *testing.T) {
	durable := newMemDurable()
	seed := NewStore(durable, nil, nil)
	ctx := context.Background()
	_ = seed.Add(ctx, testPosition("p1"))
	_ = seed.Add(ctx, testPosition("p2"))

	restored := NewStore(durable, nil, nil)
	if err := restored.LoadFromDurable(ctx); err != nil {
		t.Fatalf("LoadFromDurable: %v", err)
	}

	if restored.Get("p1") == nil || restored.Get("p2") == nil {
		t.Error("restart should restore every open position")
	}
	if got := restored.OpenCount("user-1"); got != 2 {
		t.Errorf("open count after restore = %d, want 2", got)
	}
}

func TestStoreApplyWritesBackCopy(t *testing.T) {
	s := NewStore(nil, nil, nil)
	ctx := context.Background()
	_ = s.Add(ctx, testPosition("p1"))

	cp, ok := s.GetCopy("p1")
	if !ok {
		t.Fatal("GetCopy should find the position")
	}
	cp.Quantity = 0.05
	cp.TrailingActive = true
	cp.TrailingStop = 49500

	s.Apply(&cp)

	live := s.Get("p1")
	if live.Quantity != 0.05 || !live.TrailingActive || live.TrailingStop != 49500 {
		t.Errorf("live position = qty %.4f trailing %v/%.2f, want applied copy values",
			live.Quantity, live.TrailingActive, live.TrailingStop)
	}
}

func TestStoreApplySkipsClosedPositions(t *testing.T) {
	s := NewStore(nil, nil, nil)
	ctx := context.Background()
	_ = s.Add(ctx, testPosition("p1"))

	cp, _ := s.GetCopy("p1")
	s.FinalizeClose(ctx, "p1", database.CloseTakeProfit, time.Now())

	// A stale copy must not resurrect a closed position
	cp.Quantity = 0.2
	s.Apply(&cp)

	if s.Get("p1") != nil {
		t.Error("Apply after close must not reinsert the position")
	}
	if s.OpenCount("user-1") != 0 {
		t.Error("open count should stay zero")
	}
}

func TestStoreSnapshotReturnsCopies(t *testing.T) {
	s := NewStore(nil, nil, nil)
	_ = s.Add(context.Background(), testPosition("p1"))

	snaps := s.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("snapshot size = %d, want 1", len(snaps))
	}
	snaps[0].Quantity = 999

	if s.Get("p1").Quantity != 0.1 {
		t.Error("mutating a snapshot must not touch the live position")
	}
}
