package telegram

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"unicode/utf16"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Telegram counts the 4096 character limit in UTF-16 code units.
const maxMessageUnits = 4096

const (
	welcomeText = `Hello! I'm an AI assistant for consultations.

We specialise in:
• building chat bots and AI assistants
• integrating LLMs into business processes
• automating tasks with AI
• consulting on AI adoption

Ask me anything about our services!

Commands: /help - help, /clear - clear history, /stop - end the conversation`

	helpText = `Available commands:

/start - start working with the bot
/help - show this help
/clear - clear the conversation history
/stop - end the conversation

Just write a question about our services and I'll answer!`

	clearedText      = "Conversation history cleared! You can start a new conversation."
	alreadyEmptyText = "Conversation history is already empty."
	goodbyeText      = `Thank you for reaching out!

If you have new questions about our AI services, just send /start

Goodbye!`
)

// Dispatcher is what the bot needs from the chat core.
type Dispatcher interface {
	HandleMessage(ctx context.Context, convID, text string) string
	HandleClear(ctx context.Context, convID string) bool
	HandleStop(ctx context.Context, convID string)
}

type botAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Bot struct {
	api            botAPI
	dispatcher     Dispatcher
	logger         *zap.Logger
	workers        int
	pollingTimeout int

	mu sync.Mutex
	// pending holds the not yet handled updates of every chat that currently
	// owns a worker. A chat is present while its drain loop runs.
	pending map[int64][]tgbotapi.Update
}

// New connects to the Bot API with the given token.
func New(token string, dispatcher Dispatcher, workers, pollingTimeout int, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	logger.Info("Authorized on Telegram", zap.String("username", api.Self.UserName))
	return newBot(api, dispatcher, workers, pollingTimeout, logger), nil
}

func newBot(api botAPI, dispatcher Dispatcher, workers, pollingTimeout int, logger *zap.Logger) *Bot {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bot{
		api:            api,
		dispatcher:     dispatcher,
		logger:         logger,
		workers:        workers,
		pollingTimeout: pollingTimeout,
		pending:        make(map[int64][]tgbotapi.Update),
	}
}

// Run polls for updates until ctx is cancelled, then waits for in-flight
// updates to finish. Each chat occupies at most one worker, so a busy chat
// cannot hold back the others.
func (b *Bot) Run(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = b.pollingTimeout
	updates := b.api.GetUpdatesChan(u)

	p := pool.New().WithMaxGoroutines(b.workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.enqueue(ctx, p, update)
		}
	}
}

func (b *Bot) enqueue(ctx context.Context, p *pool.Pool, update tgbotapi.Update) {
	if update.Message == nil || update.Message.Chat == nil {
		return
	}
	chatID := update.Message.Chat.ID

	b.mu.Lock()
	queue, busy := b.pending[chatID]
	b.pending[chatID] = append(queue, update)
	b.mu.Unlock()
	if busy {
		return
	}
	p.Go(func() {
		b.drain(ctx, chatID)
	})
}

// drain handles the chat's updates in arrival order until none are left.
func (b *Bot) drain(ctx context.Context, chatID int64) {
	for {
		b.mu.Lock()
		queue := b.pending[chatID]
		if len(queue) == 0 || ctx.Err() != nil {
			if dropped := len(queue); dropped > 0 {
				b.logger.Warn("Dropping queued updates on shutdown",
					zap.Int64("chat_id", chatID),
					zap.Int("count", dropped))
			}
			delete(b.pending, chatID)
			b.mu.Unlock()
			return
		}
		next := queue[0]
		b.pending[chatID] = queue[1:]
		b.mu.Unlock()

		b.handleUpdate(ctx, next)
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	chatID := msg.Chat.ID
	convID := strconv.FormatInt(chatID, 10)

	var reply string
	if msg.IsCommand() {
		reply = b.handleCommand(ctx, convID, msg)
	} else {
		reply = b.dispatcher.HandleMessage(ctx, convID, msg.Text)
	}
	b.send(chatID, reply)
}

func (b *Bot) handleCommand(ctx context.Context, convID string, msg *tgbotapi.Message) string {
	command := msg.Command()
	username := "unknown"
	if msg.From != nil && msg.From.UserName != "" {
		username = msg.From.UserName
	}
	b.logger.Info("Command",
		zap.String("chat_id", convID),
		zap.String("user", username),
		zap.String("command", "/"+command))

	switch command {
	case "start":
		return welcomeText
	case "help":
		return helpText
	case "clear":
		if b.dispatcher.HandleClear(ctx, convID) {
			return clearedText
		}
		return alreadyEmptyText
	case "stop":
		b.dispatcher.HandleStop(ctx, convID)
		return goodbyeText
	default:
		return b.dispatcher.HandleMessage(ctx, convID, msg.Text)
	}
}

func (b *Bot) send(chatID int64, text string) {
	if strings.TrimSpace(text) == "" {
		text = emptyReplyText
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, truncate(text, maxMessageUnits))); err != nil {
		b.logger.Error("Failed to send reply",
			zap.Int64("chat_id", chatID),
			zap.Error(err))
	}
}

// truncate cuts s to at most maxUnits UTF-16 code units without splitting a
// surrogate pair.
func truncate(s string, maxUnits int) string {
	units := 0
	for i, r := range s {
		n := utf16.RuneLen(r)
		if n < 0 {
			n = 1
		}
		if units+n > maxUnits {
			return s[:i]
		}
		units += n
	}
	return s
}
