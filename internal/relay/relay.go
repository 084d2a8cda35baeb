// Package relay moves messages between one bot's platform session and the store.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/botrelay/internal/autoreply"
	"github.com/xaenox/botrelay/internal/models"
	"github.com/xaenox/botrelay/internal/notify"
	"github.com/xaenox/botrelay/internal/platform"
	"github.com/xaenox/botrelay/internal/storage"
	"github.com/xaenox/botrelay/internal/throttle"
	"github.com/xaenox/botrelay/pkg/metrics"
	"go.uber.org/zap"
)

var (
	ErrAlreadyStarted  = errors.New("relay already started")
	ErrShutdownTimeout = errors.New("relay did not stop within the grace period")
)

type State int32

const (
	Idle State = iota
	Running
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Store is the part of storage.Storage a relay writes to.
type Store interface {
	storage.ChatStorage
	storage.MessageStorage
}

type Deps struct {
	Client    platform.Client
	Store     Store
	Limiter   throttle.Limiter // optional
	Publisher notify.Publisher // optional
	Logger    *zap.Logger
}

type Options struct {
	// EventTimeout bounds the store and send calls made for one event.
	EventTimeout time.Duration
}

type Relay struct {
	bot    models.Bot
	deps   Deps
	opts   Options
	runID  string
	logger *zap.Logger

	mu       sync.Mutex // serialises Start and Stop
	state    atomic.Int32
	cancel   context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func New(bot models.Bot, deps Deps, opts Options) *Relay {
	if deps.Limiter == nil {
		deps.Limiter = throttle.NopLimiter{}
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.NopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.EventTimeout <= 0 {
		opts.EventTimeout = 30 * time.Second
	}

	runID := uuid.NewString()
	return &Relay{
		bot:   bot,
		deps:  deps,
		opts:  opts,
		runID: runID,
		logger: deps.Logger.With(
			zap.Int64("bot_id", bot.ID),
			zap.String("run_id", runID),
			zap.String("personality", bot.Personality.String())),
		done: make(chan struct{}),
	}
}

func (r *Relay) BotID() int64  { return r.bot.ID }
func (r *Relay) RunID() string { return r.runID }

func (r *Relay) State() State {
	return State(r.state.Load())
}

// Done is closed once the relay has reached Stopped.
func (r *Relay) Done() <-chan struct{} {
	return r.done
}

// Start opens the platform session and begins consuming events. The relay
// outlives ctx; only Stop or the end of the platform stream ends it.
func (r *Relay) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.State() != Idle {
		return ErrAlreadyStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	events, err := r.deps.Client.Receive(runCtx, r.bot.ID, r.bot.Token)
	if err != nil {
		cancel()
		r.finish()
		return fmt.Errorf("failed to start relay: %w", err)
	}

	r.cancel = cancel
	r.state.Store(int32(Running))
	r.logger.Info("Relay started")

	go r.run(runCtx, events)
	return nil
}

// Stop cancels the relay and waits up to timeout for the receive loop to exit.
// On timeout the relay is marked Stopped anyway and ErrShutdownTimeout is returned.
func (r *Relay) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if r.State() == Stopped {
		r.mu.Unlock()
		return nil
	}
	if r.state.CompareAndSwap(int32(Idle), int32(Stopped)) {
		r.finish()
		r.mu.Unlock()
		return nil
	}
	if r.state.CompareAndSwap(int32(Running), int32(Stopping)) {
		r.logger.Info("Stopping relay")
		r.cancel()
	}
	r.mu.Unlock()

	// An exited relay is never reported as timed out, even with no budget left.
	if r.exited() {
		return nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.done:
		return nil
	case <-timer.C:
		if r.exited() {
			return nil
		}
		r.state.Store(int32(Stopped))
		metrics.ShutdownTimeouts.Inc()
		r.logger.Error("Relay did not stop in time, abandoning it",
			zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

func (r *Relay) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *Relay) finish() {
	r.state.Store(int32(Stopped))
	r.doneOnce.Do(func() { close(r.done) })
}

func (r *Relay) run(ctx context.Context, events <-chan models.InboundEvent) {
	defer r.finish()
	defer r.cancel()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Relay stopped")
			return
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() == nil {
					r.logger.Warn("Platform stream ended, relay stopped")
				} else {
					r.logger.Info("Relay stopped")
				}
				return
			}
			// Stop may race with a pending receive; drop what arrives after it.
			if ctx.Err() != nil {
				r.logger.Info("Relay stopped")
				return
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Relay) handle(ctx context.Context, ev models.InboundEvent) {
	logger := r.logger.With(zap.Int64("chat_id", ev.ChatID))
	defer func() {
		if p := recover(); p != nil {
			logger.Error("Recovered from panic while handling event", zap.Any("panic", p))
		}
	}()

	// An event being handled when Stop arrives is finished, not cut in half.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.EventTimeout)
	defer cancel()

	incoming := &models.Message{
		ChatID:    ev.ChatID,
		BotID:     r.bot.ID,
		Text:      ev.Text,
		Direction: models.Incoming,
	}
	chat, created, err := r.deps.Store.RecordInbound(ctx, incoming, ev.Title)
	if err != nil {
		metrics.PersistenceFailures.WithLabelValues("record_inbound").Inc()
		logger.Error("Failed to save incoming message, event dropped", zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(models.Incoming), "platform").Inc()
	if created {
		logger.Info("New chat", zap.String("title", chat.Title))
	}
	r.publish(ctx, notify.Event{Kind: notify.KindMessage, BotID: r.bot.ID, ChatID: ev.ChatID, Message: incoming})
	r.publish(ctx, notify.Event{Kind: notify.KindChat, BotID: r.bot.ID, ChatID: ev.ChatID, Chat: chat})

	reply, ok := autoreply.Reply(r.bot.Personality, ev)
	if !ok {
		return
	}
	r.autoReply(ctx, logger, ev.ChatID, reply)
}

func (r *Relay) autoReply(ctx context.Context, logger *zap.Logger, chatID int64, reply string) {
	personality := r.bot.Personality.String()

	allowed, err := r.deps.Limiter.Allow(ctx, r.bot.ID, chatID)
	if err != nil {
		logger.Warn("Auto-reply limiter unavailable", zap.Error(err))
	}
	if !allowed {
		metrics.AutoRepliesTotal.WithLabelValues(personality, "throttled").Inc()
		logger.Debug("Auto-reply throttled")
		return
	}

	outgoing := &models.Message{
		ChatID:    chatID,
		BotID:     r.bot.ID,
		Text:      reply,
		Direction: models.Outgoing,
	}
	if err := r.deps.Store.CreateMessage(ctx, outgoing); err != nil {
		metrics.PersistenceFailures.WithLabelValues("create_message").Inc()
		logger.Error("Failed to save auto-reply, not sending it", zap.Error(err))
		return
	}
	metrics.MessagesTotal.WithLabelValues(string(models.Outgoing), "auto_reply").Inc()
	r.publish(ctx, notify.Event{Kind: notify.KindMessage, BotID: r.bot.ID, ChatID: chatID, Message: outgoing})

	if err := r.deps.Client.SendText(ctx, r.bot.Token, chatID, reply); err != nil {
		metrics.AutoRepliesTotal.WithLabelValues(personality, "send_failed").Inc()
		logger.Error("Failed to send auto-reply",
			zap.Error(err),
			zap.Int64("message_id", outgoing.ID))
		return
	}
	metrics.AutoRepliesTotal.WithLabelValues(personality, "sent").Inc()
}

func (r *Relay) publish(ctx context.Context, ev notify.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if err := r.deps.Publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn("Failed to publish inbox event",
			zap.Error(err),
			zap.String("kind", string(ev.Kind)),
			zap.Int64("chat_id", ev.ChatID))
	}
}
