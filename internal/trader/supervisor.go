package trader

import (
	"context"
	"fmt"
	"sync"

	"signal-trading-core/internal/broker"
	"signal-trading-core/internal/calendar"
	"signal-trading-core/internal/database"
	"signal-trading-core/internal/events"
	"signal-trading-core/internal/logging"
	"signal-trading-core/internal/monitor"
	"signal-trading-core/internal/notification"
	"signal-trading-core/internal/portfolio"
	"signal-trading-core/internal/signals"
)

// BrokerFactory builds the venue broker for one user from their
// settings. Called once when the user's trader starts.
type BrokerFactory func(ctx context.Context, userID string, settings *database.TradingSettings) (broker.Broker, error)

// UserLister enumerates users with auto-trading enabled
type UserLister interface {
	ListEnabledUsers(ctx context.Context) ([]string, error)
}

// SupervisorDeps are the shared collaborators every per-user trader
// composes with its own broker.
type SupervisorDeps struct {
	Monitor   *monitor.Monitor
	Reader    *signals.Reader
	Validator *signals.Validator
	Portfolio *portfolio.Manager
	Calendar  calendar.Provider
	Settings  monitor.SettingsSource
	Stats     StatsSource
	Users     UserLister
	Factory   BrokerFactory
	Bus       *events.EventBus
	Alerts    *notification.Manager
	Audit     *monitor.AuditLogger
	Logger    *logging.Logger
}

// Supervisor owns the lifecycle of all per-user AutoTraders
type Supervisor struct {
	cfg    Config
	deps   SupervisorDeps
	logger *logging.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewSupervisor creates the trader supervisor
func NewSupervisor(cfg Config, deps SupervisorDeps) *Supervisor {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		deps:    deps,
		logger:  logger.WithComponent("supervisor"),
		running: make(map[string]context.CancelFunc),
	}
}

// StartAll starts a trader for every enabled user
func (s *Supervisor) StartAll(ctx context.Context) error {
	users, err := s.deps.Users.ListEnabledUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list enabled users: %w", err)
	}
	for _, userID := range users {
		if err := s.Start(ctx, userID); err != nil {
			s.logger.Error("failed to start trader", "user_id", userID, "error", err)
		}
	}
	s.logger.Info("traders started", "count", len(s.Running()))
	return nil
}

// Start launches the trader for one user. Idempotent while running.
func (s *Supervisor) Start(ctx context.Context, userID string) error {
	s.mu.Lock()
	if _, ok := s.running[userID]; ok {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	settings, err := s.deps.Settings.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to load settings for %s: %w", userID, err)
	}

	b, err := s.deps.Factory(ctx, userID, settings)
	if err != nil {
		return fmt.Errorf("failed to build broker for %s: %w", userID, err)
	}
	s.deps.Monitor.RegisterBroker(userID, b)

	trader := NewAutoTrader(userID, s.cfg, Deps{
		Broker:    b,
		Reader:    s.deps.Reader,
		Validator: s.deps.Validator,
		Portfolio: s.deps.Portfolio,
		Calendar:  s.deps.Calendar,
		Store:     s.deps.Monitor.Store(),
		Budget:    s.deps.Monitor,
		Settings:  s.deps.Settings,
		Stats:     s.deps.Stats,
		Bus:       s.deps.Bus,
		Alerts:    s.deps.Alerts,
		Audit:     s.deps.Audit,
		Logger:    s.deps.Logger,
	})

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if _, ok := s.running[userID]; ok {
		// Lost the race to a concurrent Start for the same user
		s.mu.Unlock()
		cancel()
		return nil
	}
	s.running[userID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		trader.Run(runCtx)
	}()

	s.logger.Info("trader started", "user_id", userID, "mode", settings.TradingMode)
	return nil
}

// Stop halts one user's trader. Open positions remain monitored.
func (s *Supervisor) Stop(userID string) {
	s.mu.Lock()
	cancel, ok := s.running[userID]
	if ok {
		delete(s.running, userID)
	}
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("trader stopped", "user_id", userID)
	}
}

// Running returns the user IDs with an active trader
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := make([]string, 0, len(s.running))
	for id := range s.running {
		users = append(users, id)
	}
	return users
}

// Shutdown stops every trader and waits for their cycles to finish
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	for id, cancel := range s.running {
		cancel()
		delete(s.running, id)
	}
	s.mu.Unlock()

	s.wg.Wait()
	s.logger.Info("all traders stopped")
}
