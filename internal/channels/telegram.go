package channels

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/m-mizutani/goerr/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mnemo/internal/config"
)

const (
	telegramAPIBase      = "https://api.telegram.org"
	telegramSendMsg      = "/sendMessage"
	telegramChatAction   = "/sendChatAction"
	telegramActionTyping = "typing"
	telegramSecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// Telegram receives webhook updates and answers each text message with a
// turn. The chat id is the user id.
type Telegram struct {
	botToken string
	secret   string
	apiBase  string
	allowed  map[string]bool
	replier  Replier
	client   *http.Client
	timeout  time.Duration
}

type TelegramOption func(*Telegram)

func WithAPIBase(base string) TelegramOption {
	return func(t *Telegram) { t.apiBase = strings.TrimRight(base, "/") }
}

// WithAllowedChats restricts the channel to the given chat ids. An empty
// list allows every chat.
func WithAllowedChats(ids ...string) TelegramOption {
	return func(t *Telegram) {
		for _, id := range ids {
			if id = strings.TrimSpace(id); id != "" {
				t.allowed[id] = true
			}
		}
	}
}

// WithSecret requires Telegram's secret token header on webhook calls.
func WithSecret(secret string) TelegramOption {
	return func(t *Telegram) { t.secret = secret }
}

func WithHTTPClient(c *http.Client) TelegramOption {
	return func(t *Telegram) { t.client = c }
}

func NewTelegram(botToken string, replier Replier, opts ...TelegramOption) *Telegram {
	t := &Telegram{
		botToken: botToken,
		apiBase:  telegramAPIBase,
		allowed:  make(map[string]bool),
		replier:  replier,
		client:   &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		timeout:  2 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// TelegramFromConfig builds the channel from a [channel.<name>] table.
// Settings: bot_token, secret, api_base, allowed_chats (comma separated).
func TelegramFromConfig(cfg *config.ChannelConfig, replier Replier) (*Telegram, error) {
	token := cfg.Settings["bot_token"]
	if token == "" {
		return nil, goerr.New("telegram channel requires bot_token")
	}
	var opts []TelegramOption
	if v := cfg.Settings["api_base"]; v != "" {
		opts = append(opts, WithAPIBase(v))
	}
	if v := cfg.Settings["secret"]; v != "" {
		opts = append(opts, WithSecret(v))
	}
	if v := cfg.Settings["allowed_chats"]; v != "" {
		opts = append(opts, WithAllowedChats(strings.Split(v, ",")...))
	}
	return NewTelegram(token, replier, opts...), nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) RegisterRoutes(r chi.Router) {
	r.Post("/webhook/telegram", t.handleWebhook)
}

type telegramUpdate struct {
	Message *telegramMessage `json:"message"`
}

type telegramMessage struct {
	Chat telegramChat `json:"chat"`
	Text string       `json:"text"`
}

type telegramChat struct {
	ID int64 `json:"id"`
}

type telegramSendRequest struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (t *Telegram) handleWebhook(w http.ResponseWriter, r *http.Request) {
	got := r.Header.Get(telegramSecretHeader)
	if t.secret != "" && subtle.ConstantTimeCompare([]byte(got), []byte(t.secret)) != 1 {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var update telegramUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		slog.Error("telegram: failed to decode update", slog.Any("error", err))
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if update.Message == nil || strings.TrimSpace(update.Message.Text) == "" {
		w.WriteHeader(http.StatusOK)
		return
	}

	chatID := update.Message.Chat.ID
	userID := strconv.FormatInt(chatID, 10)
	if len(t.allowed) > 0 && !t.allowed[userID] {
		slog.Warn("telegram: chat not allowed", slog.String("chat_id", userID))
		w.WriteHeader(http.StatusOK)
		return
	}

	// Telegram retries webhooks that do not answer quickly; the turn runs
	// detached from the request.
	text := update.Message.Text
	w.WriteHeader(http.StatusOK)
	go t.answer(context.WithoutCancel(r.Context()), chatID, userID, text)
}

func (t *Telegram) answer(ctx context.Context, chatID int64, userID, text string) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	slog.Info("telegram: received message", slog.String("chat_id", userID))
	t.sendTyping(ctx, chatID)

	reply, err := t.replier.Reply(ctx, userID, text)
	if err != nil {
		slog.Error("telegram: turn failed", slog.String("chat_id", userID), slog.Any("error", err))
		return
	}
	if err := t.sendMessage(ctx, chatID, reply); err != nil {
		slog.Error("telegram: failed to send message", slog.String("chat_id", userID), slog.Any("error", err))
	}
}

func (t *Telegram) endpoint(method string) string {
	return t.apiBase + "/bot" + t.botToken + method
}

func (t *Telegram) sendTyping(ctx context.Context, chatID int64) {
	err := t.post(ctx, telegramChatAction, map[string]any{
		"chat_id": chatID,
		"action":  telegramActionTyping,
	})
	if err != nil {
		slog.Warn("telegram: failed to send typing action", slog.Int64("chat_id", chatID), slog.Any("error", err))
	}
}

func (t *Telegram) sendMessage(ctx context.Context, chatID int64, text string) error {
	return t.post(ctx, telegramSendMsg, telegramSendRequest{ChatID: chatID, Text: text})
}

func (t *Telegram) post(ctx context.Context, method string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return goerr.Wrap(err, "failed to encode telegram request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint(method), bytes.NewReader(body))
	if err != nil {
		return goerr.Wrap(err, "failed to build telegram request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return goerr.Wrap(err, "telegram request failed", goerr.V("method", method))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return goerr.New("telegram API error",
			goerr.V("method", method),
			goerr.V("status", resp.StatusCode),
			goerr.V("body", string(msg)),
		)
	}
	return nil
}
