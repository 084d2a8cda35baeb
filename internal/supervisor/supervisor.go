// Package supervisor owns the set of running relays, at most one per bot.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/notify"
	"github.com/xaenox/botrelay/internal/platform"
	"github.com/xaenox/botrelay/internal/relay"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/internal/throttle"
	"github.com/xaenox/botrelay/pkg/metrics"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var ErrCredentialInvalid = errors.New("bot token rejected by the platform")

type Store interface {
	storage.BotStorage
	relay.Store
}

type Config struct {
	StopTimeout      time.Duration
	EventTimeout     time.Duration
	MaxParallelStops int
}

type Deps struct {
	Client    platform.Client
	Store     Store
	Limiter   throttle.Limiter
	Publisher notify.Publisher
	Logger    *zap.Logger
}

type Supervisor struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex // guards relays and locks
	relays map[int64]*relay.Relay
	locks  map[int64]*sync.Mutex
}

func New(cfg Config, deps Deps) *Supervisor {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.MaxParallelStops <= 0 {
		cfg.MaxParallelStops = 8
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		logger: deps.Logger,
		relays: make(map[int64]*relay.Relay),
		locks:  make(map[int64]*sync.Mutex),
	}
}

// botLock serialises Start and Stop of a single bot.
func (s *Supervisor) botLock(botID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[botID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[botID] = lock
	}
	return lock
}

// Start launches a relay for bot. Starting a bot that is already running is a
// logged no-op. A bot whose token is rejected or whose relay cannot start is
// marked inactive in the store and the error is returned.
func (s *Supervisor) Start(ctx context.Context, bot models.Bot) error {
	lock := s.botLock(bot.ID)
	lock.Lock()
	defer lock.Unlock()

	logger := s.logger.With(zap.Int64("bot_id", bot.ID), zap.String("name", bot.Name))

	if s.IsRunning(bot.ID) {
		logger.Warn("Bot is already running")
		return nil
	}

	if !s.deps.Client.VerifyCredential(ctx, bot.Token) {
		logger.Warn("Bot token rejected, deactivating", zap.String("token", models.MaskToken(bot.Token)))
		s.deactivate(ctx, bot.ID, logger)
		return fmt.Errorf("bot %d: %w", bot.ID, ErrCredentialInvalid)
	}

	r := relay.New(bot, relay.Deps{
		Client:    s.deps.Client,
		Store:     s.deps.Store,
		Limiter:   s.deps.Limiter,
		Publisher: s.deps.Publisher,
		Logger:    s.logger,
	}, relay.Options{EventTimeout: s.cfg.EventTimeout})

	if err := r.Start(ctx); err != nil {
		logger.Error("Failed to start relay, deactivating", zap.Error(err))
		s.deactivate(ctx, bot.ID, logger)
		return fmt.Errorf("bot %d: %w", bot.ID, err)
	}

	s.mu.Lock()
	s.relays[bot.ID] = r
	s.mu.Unlock()
	metrics.RelaysRunning.Inc()

	go s.watch(r)
	return nil
}

// watch drops a relay from the registry when it ends without Stop being called,
// e.g. after the platform revoked its token.
func (s *Supervisor) watch(r *relay.Relay) {
	<-r.Done()

	s.mu.Lock()
	current, ok := s.relays[r.BotID()]
	removed := ok && current == r
	if removed {
		delete(s.relays, r.BotID())
	}
	s.mu.Unlock()

	if removed {
		metrics.RelaysRunning.Dec()
		s.logger.Warn("Relay exited on its own, removed from registry",
			zap.Int64("bot_id", r.BotID()),
			zap.String("run_id", r.RunID()))
	}
}

func (s *Supervisor) deactivate(ctx context.Context, botID int64, logger *zap.Logger) {
	if err := s.deps.Store.SetBotActive(context.WithoutCancel(ctx), botID, false); err != nil {
		logger.Error("Failed to deactivate bot", zap.Error(err))
	}
}

// Stop stops the relay of botID, if any. The wait is bounded by the configured
// stop timeout and by ctx's deadline, whichever comes first.
func (s *Supervisor) Stop(ctx context.Context, botID int64) error {
	lock := s.botLock(botID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	r, ok := s.relays[botID]
	if ok {
		delete(s.relays, botID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Debug("Bot is not running", zap.Int64("bot_id", botID))
		return nil
	}
	metrics.RelaysRunning.Dec()

	if err := r.Stop(s.stopTimeout(ctx)); err != nil {
		return fmt.Errorf("bot %d: %w", botID, err)
	}
	return nil
}

func (s *Supervisor) stopTimeout(ctx context.Context) time.Duration {
	timeout := s.cfg.StopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	if timeout < 0 {
		timeout = 0
	}
	return timeout
}

// StopAll stops every running relay in parallel. Failures do not prevent the
// remaining relays from being stopped; they are joined into the returned error.
func (s *Supervisor) StopAll(ctx context.Context) error {
	ids := s.Running()
	if len(ids) == 0 {
		return nil
	}
	s.logger.Info("Stopping all relays", zap.Int("count", len(ids)))

	var (
		mu   sync.Mutex
		errs []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.MaxParallelStops)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := s.Stop(ctx, id); err != nil {
				s.logger.Error("Failed to stop relay", zap.Int64("bot_id", id), zap.Error(err))
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (s *Supervisor) IsRunning(botID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.relays[botID]
	return ok
}

// Running returns the ids of running bots in ascending order.
func (s *Supervisor) Running() []int64 {
	s.mu.Lock()
	ids := make([]int64, 0, len(s.relays))
	for id := range s.relays {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// RestoreOnStartup starts every bot marked active in the store. One bot failing
// to start does not affect the others. It returns how many relays were started.
func (s *Supervisor) RestoreOnStartup(ctx context.Context) (int, error) {
	bots, err := s.deps.Store.ListActiveBots(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active bots: %w", err)
	}

	started := 0
	for _, bot := range bots {
		if err := s.Start(ctx, *bot); err != nil {
			s.logger.Error("Failed to restore bot",
				zap.Int64("bot_id", bot.ID),
				zap.String("name", bot.Name),
				zap.Error(err))
			continue
		}
		started++
	}
	s.logger.Info("Restored bots", zap.Int("started", started), zap.Int("active", len(bots)))
	return started, nil
}
