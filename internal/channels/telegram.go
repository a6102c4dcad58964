package channels

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/hivegate/internal/bus"
)

// TelegramChannel implements the Channel interface for Telegram.
type TelegramChannel struct {
	token         string
	webhookSecret string
	allowedIDs    map[int64]struct{}
	dispatcher    Dispatcher
	logger        *slog.Logger
	bot           *tgbotapi.BotAPI
	eventBus      *bus.Bus

	pendingMu   sync.Mutex
	pendingRuns map[string]*runReply // run id -> reply routing
}

// runReply tracks where a run's final answer goes and the text streamed so far.
type runReply struct {
	chatID int64
	text   strings.Builder
}

// NewTelegramChannel creates a new Telegram channel.
func NewTelegramChannel(token string, allowedIDs []int64, dispatcher Dispatcher, logger *slog.Logger, eventBus *bus.Bus) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramChannel{
		token:       token,
		allowedIDs:  allowed,
		dispatcher:  dispatcher,
		logger:      logger,
		eventBus:    eventBus,
		pendingRuns: make(map[string]*runReply),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SetWebhookSecret installs the shared secret Telegram echoes back in the
// X-Telegram-Bot-Api-Secret-Token header on webhook deliveries. Empty
// disables the check.
func (t *TelegramChannel) SetWebhookSecret(secret string) {
	t.webhookSecret = secret
}

// WebhookStage claims POST /channels/telegram/webhook so updates can be
// pushed instead of long-polled. Deliveries go through the same allow-list
// and dispatch path as polled updates.
func (t *TelegramChannel) WebhookStage(w http.ResponseWriter, r *http.Request) bool {
	if r.URL.Path != "/channels/telegram/webhook" {
		return false
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return true
	}
	if t.webhookSecret != "" {
		got := r.Header.Get("X-Telegram-Bot-Api-Secret-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(t.webhookSecret)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return true
		}
	}

	var update tgbotapi.Update
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&update); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return true
	}
	// Always 200 once the payload parses; Telegram retries anything else.
	w.WriteHeader(http.StatusOK)

	if update.Message == nil || update.Message.From == nil {
		return true
	}
	if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
		t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
		return true
	}
	t.handleMessage(r.Context(), update.Message)
	return true
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}

	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	go t.monitorRuns(ctx)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall window. Returns nil on context
// cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. Seeing nothing for much longer
	// means the connection is dead; the library blocks rather than closing
	// the channel.
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message == nil {
				continue
			}
			if _, ok := t.allowedIDs[update.Message.From.ID]; !ok {
				t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
				continue
			}
			t.handleMessage(ctx, update.Message)

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	content := strings.TrimSpace(msg.Text)
	if content == "" {
		return
	}

	// Parse @agent prefix for agent routing.
	agent := ""
	if strings.HasPrefix(content, "@") {
		parts := strings.SplitN(content, " ", 2)
		agent = strings.TrimPrefix(parts[0], "@")
		if len(parts) > 1 {
			content = strings.TrimSpace(parts[1])
		} else {
			content = ""
		}
	}
	if content == "" {
		return
	}

	if t.eventBus != nil {
		t.eventBus.Publish(bus.TopicChannelInbound, bus.InboundMessage{
			Channel:  "telegram",
			SenderID: fmt.Sprintf("%d", msg.From.ID),
			ChatID:   fmt.Sprintf("%d", msg.Chat.ID),
			Text:     content,
		})
	}

	// Each Telegram user gets a persistent per-agent session.
	sessionKey := fmt.Sprintf("telegram-%d-agent-%s", msg.From.ID, agent)

	runID, err := t.dispatcher.Dispatch(ctx, agent, sessionKey, content)
	if err != nil {
		t.logger.Error("telegram dispatch failed", "error", err)
		t.reply(msg.Chat.ID, fmt.Sprintf("Error: could not reach the agent: %v", err))
		return
	}

	t.pendingMu.Lock()
	t.pendingRuns[runID] = &runReply{chatID: msg.Chat.ID}
	t.pendingMu.Unlock()

	if t.eventBus != nil {
		t.eventBus.Publish(bus.TopicRunDispatched, bus.RunEvent{
			RunID: runID, SessionKey: sessionKey, Agent: agent, Text: content,
		})
	}
}

// monitorRuns watches run lifecycle events and sends the final answer back to
// the originating chat.
func (t *TelegramChannel) monitorRuns(ctx context.Context) {
	if t.eventBus == nil {
		return
	}
	sub := t.eventBus.Subscribe("run.")
	defer t.eventBus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			re, ok := ev.Payload.(bus.RunEvent)
			if !ok {
				continue
			}
			t.handleRunEvent(ev.Topic, re)
		}
	}
}

func (t *TelegramChannel) handleRunEvent(topic string, re bus.RunEvent) {
	t.pendingMu.Lock()
	pending, ok := t.pendingRuns[re.RunID]
	if !ok {
		t.pendingMu.Unlock()
		return
	}

	switch topic {
	case bus.TopicRunDelta:
		pending.text.WriteString(re.Text)
		t.pendingMu.Unlock()
	case bus.TopicRunCompleted:
		delete(t.pendingRuns, re.RunID)
		text := pending.text.String()
		if re.Text != "" {
			text = re.Text
		}
		t.pendingMu.Unlock()
		if text == "" {
			text = "(no response)"
		}
		t.reply(pending.chatID, text)
	case bus.TopicRunFailed, bus.TopicRunAborted:
		delete(t.pendingRuns, re.RunID)
		t.pendingMu.Unlock()
		t.reply(pending.chatID, fmt.Sprintf("Run did not finish: %s", re.ErrorKind))
	default:
		t.pendingMu.Unlock()
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	if t.bot == nil {
		t.logger.Warn("telegram reply dropped, bot not started", "chat_id", chatID)
		return
	}
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("telegram send failed", "chat_id", chatID, "error", err)
	}
}

// PendingRuns reports how many runs are awaiting a reply. Used by status.
func (t *TelegramChannel) PendingRuns() int {
	t.pendingMu.Lock()
	defer t.pendingMu.Unlock()
	return len(t.pendingRuns)
}
