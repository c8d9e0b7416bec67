package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/RichardoC/llm-relay/internal/chat"
	"github.com/RichardoC/llm-relay/internal/history"
	"github.com/RichardoC/llm-relay/internal/llm"
	"github.com/RichardoC/llm-relay/internal/models"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type fakeAPI struct {
	mu      sync.Mutex
	updates chan tgbotapi.Update
	sent    []tgbotapi.MessageConfig
	sentAt  []time.Time
	stopped bool
	sendErr error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 16)}
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, c.(tgbotapi.MessageConfig))
	f.sentAt = append(f.sentAt, time.Now())
	return tgbotapi.Message{}, f.sendErr
}

func (f *fakeAPI) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tgbotapi.MessageConfig(nil), f.sent...)
}

type fakeDispatcher struct {
	mu       sync.Mutex
	messages []string
	cleared  []string
	stopped  []string
	hadTurns bool
}

func (d *fakeDispatcher) HandleMessage(_ context.Context, convID, text string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.messages = append(d.messages, convID+":"+text)
	return "echo " + text
}

func (d *fakeDispatcher) HandleClear(_ context.Context, convID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cleared = append(d.cleared, convID)
	return d.hadTurns
}

func (d *fakeDispatcher) HandleStop(_ context.Context, convID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = append(d.stopped, convID)
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat: &tgbotapi.Chat{ID: chatID},
		From: &tgbotapi.User{UserName: "alice"},
		Text: text,
	}}
}

func commandUpdate(chatID int64, command string) tgbotapi.Update {
	u := textUpdate(chatID, command)
	u.Message.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(command)}}
	return u
}

func TestTextMessageGoesToDispatcher(t *testing.T) {
	api := newFakeAPI()
	d := &fakeDispatcher{}
	b := newBot(api, d, 1, 0, nil)

	b.handleUpdate(context.Background(), textUpdate(-1001, "hello"))

	assert.Equal(t, []string{"-1001:hello"}, d.messages)
	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, int64(-1001), sent[0].ChatID)
	assert.Equal(t, "echo hello", sent[0].Text)
}

func TestCommands(t *testing.T) {
	tests := []struct {
		command  string
		hadTurns bool
		want     string
	}{
		{"/start", false, welcomeText},
		{"/help", false, helpText},
		{"/clear", true, clearedText},
		{"/clear", false, alreadyEmptyText},
		{"/stop", false, goodbyeText},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			core, logs := observer.New(zapcore.InfoLevel)
			api := newFakeAPI()
			d := &fakeDispatcher{hadTurns: tt.hadTurns}
			b := newBot(api, d, 1, 0, zap.New(core))

			b.handleUpdate(context.Background(), commandUpdate(7, tt.command))

			sent := api.messages()
			require.Len(t, sent, 1)
			assert.Equal(t, tt.want, sent[0].Text)
			assert.Empty(t, d.messages)

			entries := logs.FilterMessage("Command").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.command, entries[0].ContextMap()["command"])
			assert.Equal(t, "alice", entries[0].ContextMap()["user"])
		})
	}
}

func TestStopAndClearReachDispatcher(t *testing.T) {
	api := newFakeAPI()
	d := &fakeDispatcher{}
	b := newBot(api, d, 1, 0, nil)

	b.handleUpdate(context.Background(), commandUpdate(7, "/clear"))
	b.handleUpdate(context.Background(), commandUpdate(7, "/stop"))

	assert.Equal(t, []string{"7"}, d.cleared)
	assert.Equal(t, []string{"7"}, d.stopped)
}

func TestUnknownCommandIsTreatedAsText(t *testing.T) {
	api := newFakeAPI()
	d := &fakeDispatcher{}
	b := newBot(api, d, 1, 0, nil)

	b.handleUpdate(context.Background(), commandUpdate(7, "/pricing"))

	assert.Equal(t, []string{"7:/pricing"}, d.messages)
}

func TestUpdatesWithoutMessageAreIgnored(t *testing.T) {
	api := newFakeAPI()
	b := newBot(api, &fakeDispatcher{}, 1, 0, nil)

	b.handleUpdate(context.Background(), tgbotapi.Update{UpdateID: 1})
	assert.Empty(t, api.messages())
}

func TestSendFailureIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	api := newFakeAPI()
	api.sendErr = errors.New("forbidden: bot was blocked by the user")
	b := newBot(api, &fakeDispatcher{}, 1, 0, zap.New(core))

	b.handleUpdate(context.Background(), textUpdate(7, "hi"))
	assert.Equal(t, 1, logs.FilterMessage("Failed to send reply").Len())
}

func TestTruncateCountsUTF16Units(t *testing.T) {
	assert.Equal(t, "short", truncate("short", maxMessageUnits))

	cyrillic := strings.Repeat("ж", maxMessageUnits+10)
	assert.Equal(t, maxMessageUnits, len([]rune(truncate(cyrillic, maxMessageUnits))))

	emoji := strings.Repeat("😀", maxMessageUnits)
	got := truncate(emoji, maxMessageUnits)
	assert.Equal(t, maxMessageUnits, len(utf16.Encode([]rune(got))))
	assert.True(t, utf8.ValidString(got))

	// an astral rune that would straddle the limit is dropped whole
	odd := "a" + strings.Repeat("😀", maxMessageUnits)
	got = truncate(odd, maxMessageUnits)
	assert.Equal(t, maxMessageUnits-1, len(utf16.Encode([]rune(got))))
	assert.True(t, utf8.ValidString(got))
}

func TestEmptyReplyGetsFallback(t *testing.T) {
	api := newFakeAPI()
	b := newBot(api, blankDispatcher{&fakeDispatcher{}}, 1, 0, nil)

	b.handleUpdate(context.Background(), textUpdate(7, "hi"))

	sent := api.messages()
	require.Len(t, sent, 1)
	assert.Equal(t, emptyReplyText, sent[0].Text)
}

type blankDispatcher struct{ *fakeDispatcher }

func (blankDispatcher) HandleMessage(context.Context, string, string) string { return " \n" }

func TestRunProcessesUntilCancelled(t *testing.T) {
	api := newFakeAPI()
	d := &fakeDispatcher{}
	b := newBot(api, d, 4, 0, nil)

	for i := int64(1); i <= 5; i++ {
		api.updates <- textUpdate(i, "ping")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return len(api.messages()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
	api.mu.Lock()
	assert.True(t, api.stopped)
	api.mu.Unlock()
}

type slowGateway struct{ latency time.Duration }

func (g slowGateway) Send(_ context.Context, _, text string, _ []models.Turn) llm.Result {
	time.Sleep(g.latency)
	return llm.Result{Reply: "re: " + text}
}

func (f *fakeAPI) firstSentTo(chatID int64) (time.Time, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.sent {
		if m.ChatID == chatID {
			return f.sentAt[i], true
		}
	}
	return time.Time{}, false
}

func TestBusyChatDoesNotBlockOthers(t *testing.T) {
	const latency = 200 * time.Millisecond
	api := newFakeAPI()
	d := chat.NewDispatcher(history.New(20), slowGateway{latency: latency}, nil)
	b := newBot(api, d, 2, 0, nil)

	for i := 1; i <= 4; i++ {
		api.updates <- textUpdate(1, fmt.Sprintf("m%d", i))
	}
	api.updates <- textUpdate(2, "other")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	start := time.Now()
	go b.Run(ctx)

	require.Eventually(t, func() bool {
		_, ok := api.firstSentTo(2)
		return ok
	}, 5*time.Second, 5*time.Millisecond)
	at, _ := api.firstSentTo(2)
	assert.Less(t, at.Sub(start), 2*latency, "chat 2 waited behind chat 1")

	require.Eventually(t, func() bool { return len(api.messages()) == 5 }, 5*time.Second, 5*time.Millisecond)
	var chat1 []string
	for _, m := range api.messages() {
		if m.ChatID == 1 {
			chat1 = append(chat1, m.Text)
		}
	}
	assert.Equal(t, []string{"re: m1", "re: m2", "re: m3", "re: m4"}, chat1)
}

func TestPendingQueueIsReleased(t *testing.T) {
	api := newFakeAPI()
	b := newBot(api, &fakeDispatcher{}, 2, 0, nil)

	for i := 0; i < 3; i++ {
		api.updates <- textUpdate(5, "hi")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go b.Run(ctx)

	require.Eventually(t, func() bool { return len(api.messages()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return len(b.pending) == 0
	}, time.Second, 5*time.Millisecond)
}
