package monitor

import (
	"context"
	"log"
	"sync"
	"time"

	"signal-trading-core/internal/database"
	"signal-trading-core/internal/logging"
)

// DurableStore is the slow half of the hybrid persistence layer
// (PostgreSQL in production). Nil is allowed for memory-only runs.
type DurableStore interface {
	Upsert(ctx context.Context, p *database.Position) error
	MarkClosed(ctx context.Context, positionID string, reason database.CloseReason, closedAt time.Time) error
	GetAllOpenPositions(ctx context.Context) ([]*database.Position, error)
}

// FastMirror is the per-tick snapshot layer (Redis in production).
type FastMirror interface {
	Save(ctx context.Context, p *database.Position) error
	Remove(ctx context.Context, userID, positionID string) error
}

// Store is the hybrid position store. The in-memory map is the source
// of truth during steady state; the fast mirror absorbs per-tick dirty
// flushes and the durable store takes a full checkpoint every minute
// plus every close.
type Store struct {
	mu        sync.RWMutex
	positions map[string]*database.Position
	dirty     map[string]bool

	// Per-position locks enforcing at-most-one concurrent close
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	durable DurableStore
	mirror  FastMirror
	logger  *logging.Logger
}

// NewStore creates a hybrid store. durable and mirror may be nil.
func NewStore(durable DurableStore, mirror FastMirror, logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		positions: make(map[string]*database.Position),
		dirty:     make(map[string]bool),
		locks:     make(map[string]*sync.Mutex),
		durable:   durable,
		mirror:    mirror,
		logger:    logger.WithComponent("store"),
	}
}

// Add inserts a newly created position and persists it immediately.
// This is the only write path available to the Auto-Trader.
func (s *Store) Add(ctx context.Context, p *database.Position) error {
	s.mu.Lock()
	s.positions[p.ID] = p
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.Upsert(ctx, p); err != nil {
			return err
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Save(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the live position by ID, or nil
func (s *Store) Get(positionID string) *database.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positions[positionID]
}

// GetCopy returns a copy of the live position by ID. The monitor
// evaluates on the copy and writes results back through Apply.
func (s *Store) GetCopy(positionID string) (database.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.positions[positionID]
	if !ok {
		return database.Position{}, false
	}
	return *p, true
}

// Apply writes an evaluated copy back over the live position. A
// missing or already-closed position is left alone. Every field write
// on a live position goes through the store lock, so Snapshot and the
// other readers never observe a half-written struct.
func (s *Store) Apply(p *database.Position) {
	s.mu.Lock()
	defer s.mu.Unlock()
	live, ok := s.positions[p.ID]
	if !ok || live.Status != database.StatusOpen {
		return
	}
	*live = *p
}

// Snapshot returns copies of all open positions. Snapshots are for
// read-only iteration; mutation goes through Apply under the
// per-position lock.
func (s *Store) Snapshot() []database.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]database.Position, 0, len(s.positions))
	for _, p := range s.positions {
		if p.Status == database.StatusOpen {
			out = append(out, *p)
		}
	}
	return out
}

// OpenCount returns the number of open positions for a user
func (s *Store) OpenCount(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, p := range s.positions {
		if p.UserID == userID && p.Status == database.StatusOpen {
			count++
		}
	}
	return count
}

// FindOpen returns the open position for (user, symbol, side), or nil
func (s *Store) FindOpen(userID, symbol string, side database.Side) *database.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.positions {
		if p.UserID == userID && p.Symbol == symbol && p.Side == side && p.Status == database.StatusOpen {
			return p
		}
	}
	return nil
}

// UserIDs returns the distinct users with open positions
func (s *Store) UserIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var users []string
	for _, p := range s.positions {
		if p.Status == database.StatusOpen && !seen[p.UserID] {
			seen[p.UserID] = true
			users = append(users, p.UserID)
		}
	}
	return users
}

// TryLock acquires the position's close lock without blocking.
// Returns a release func and true, or nil and false when another
// evaluation holds it.
func (s *Store) TryLock(positionID string) (func(), bool) {
	s.locksMu.Lock()
	lock, ok := s.locks[positionID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[positionID] = lock
	}
	s.locksMu.Unlock()

	if !lock.TryLock() {
		return nil, false
	}
	return lock.Unlock, true
}

// MarkDirty flags a position for the next flush
func (s *Store) MarkDirty(positionID string) {
	s.mu.Lock()
	s.dirty[positionID] = true
	s.mu.Unlock()
}

// FlushDirty mirrors every dirty position. Piggybacked on each monitor
// tick.
func (s *Store) FlushDirty(ctx context.Context) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]bool)
	s.mu.Unlock()

	for _, id := range ids {
		s.mu.RLock()
		p, ok := s.positions[id]
		var cp database.Position
		if ok {
			cp = *p
		}
		s.mu.RUnlock()
		if !ok {
			continue
		}

		if s.mirror != nil {
			if err := s.mirror.Save(ctx, &cp); err != nil {
				log.Printf("[STORE] mirror flush failed for %s: %v", id, err)
			}
		}
	}
}

// Checkpoint writes every open position to the durable store.
func (s *Store) Checkpoint(ctx context.Context) {
	if s.durable == nil {
		return
	}
	for _, p := range s.Snapshot() {
		cp := p
		if err := s.durable.Upsert(ctx, &cp); err != nil {
			// Keep in-memory state; the next successful write reconciles.
			log.Printf("[STORE] checkpoint failed for %s: %v", p.ID, err)
			return
		}
	}
}

// FinalizeClose marks a position closed in memory and both persistence
// layers. Idempotent: closing an already-closed position is a no-op.
func (s *Store) FinalizeClose(ctx context.Context, positionID string, reason database.CloseReason, closedAt time.Time) {
	s.mu.Lock()
	p, ok := s.positions[positionID]
	if !ok || p.Status == database.StatusClosed {
		s.mu.Unlock()
		return
	}
	p.Status = database.StatusClosed
	p.CloseReason = reason
	p.Quantity = 0
	p.ClosedAt = &closedAt
	p.UpdatedAt = closedAt
	userID := p.UserID
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.MarkClosed(ctx, positionID, reason, closedAt); err != nil {
			log.Printf("[STORE] durable close failed for %s: %v", positionID, err)
		}
	}
	if s.mirror != nil {
		if err := s.mirror.Remove(ctx, userID, positionID); err != nil {
			log.Printf("[STORE] mirror remove failed for %s: %v", positionID, err)
		}
	}

	// Closed positions are dropped from the hot map; history lives in
	// the trade ledger.
	s.mu.Lock()
	delete(s.positions, positionID)
	delete(s.dirty, positionID)
	s.mu.Unlock()

	s.locksMu.Lock()
	delete(s.locks, positionID)
	s.locksMu.Unlock()
}

// LoadFromDurable rebuilds the in-memory map from the durable store.
// Called once at startup before reconciliation.
func (s *Store) LoadFromDurable(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	rows, err := s.durable.GetAllOpenPositions(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	for _, p := range rows {
		s.positions[p.ID] = p
	}
	count := len(s.positions)
	s.mu.Unlock()

	s.logger.Info("positions restored from durable mirror", "count", count)
	return nil
}
