package chat

import (
	"context"
	"sync/atomic"

	"github.com/RichardoC/llm-relay/internal/llm"
	"github.com/RichardoC/llm-relay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	AskForText = "Please send a text message."
	Apology    = "Sorry, something went wrong while processing your message."
)

type Store interface {
	History(id string) []models.Turn
	Append(id, userText, assistantText string)
	Clear(id string) bool
}

type Sender interface {
	Send(ctx context.Context, convID, userText string, history []models.Turn) llm.Result
}

// Dispatcher runs one inbound message through history, the gateway and back.
// Messages of one conversation are serialized; different conversations run
// in parallel.
type Dispatcher struct {
	store    Store
	gateway  Sender
	locks    *keyedMutex
	logger   *zap.Logger
	requests atomic.Int64
}

func NewDispatcher(store Store, gateway Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:   store,
		gateway: gateway,
		locks:   newKeyedMutex(),
		logger:  logger,
	}
}

// HandleMessage returns the reply for text. It never fails.
func (d *Dispatcher) HandleMessage(ctx context.Context, convID, text string) (reply string) {
	if text == "" {
		return AskForText
	}
	d.requests.Add(1)
	logger := d.logger.With(
		zap.String("chat_id", convID),
		zap.String("request_id", uuid.NewString()))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("Failed to process message",
				zap.Any("panic", r),
				zap.Stack("stack"))
			reply = Apology
		}
	}()

	unlock := d.locks.Lock(convID)
	defer unlock()

	history := d.store.History(convID)
	res := d.gateway.Send(ctx, convID, text, history)
	if !res.OK() {
		// The fallback is stored like any other reply so history stays
		// proportional to the number of messages.
		logger.Warn("Storing fallback reply",
			zap.String("kind", string(res.Failure.Kind)))
	}
	d.store.Append(convID, text, res.Reply)

	logger.Debug("Processed message",
		zap.Int("history_turns", len(history)+2),
		zap.Duration("latency", res.Latency))
	return res.Reply
}

// HandleClear drops the conversation's history and reports whether there was any.
func (d *Dispatcher) HandleClear(_ context.Context, convID string) (wasPresent bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Failed to clear history",
				zap.String("chat_id", convID),
				zap.Any("panic", r))
			wasPresent = false
		}
	}()

	unlock := d.locks.Lock(convID)
	defer unlock()
	return d.store.Clear(convID)
}

// HandleStop ends the session. History is discarded the same way as clear.
func (d *Dispatcher) HandleStop(ctx context.Context, convID string) {
	d.HandleClear(ctx, convID)
}

func (d *Dispatcher) History(convID string) []models.Turn {
	return d.store.History(convID)
}

// Requests is the number of non-empty messages handled so far.
func (d *Dispatcher) Requests() int64 {
	return d.requests.Load()
}
