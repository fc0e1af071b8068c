// Package telegram adapts the Telegram Bot API to the source client
// interface. A single long-poll loop routes incoming messages into bounded
// per-chat buffers; FetchBatch drains them in message-id order.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Config controls the Bot API client.
type Config struct {
	Token string
	// PollTimeout is the long-poll timeout handed to getUpdates.
	PollTimeout time.Duration
	// BufferLimit caps the number of messages buffered per chat. Older
	// messages are dropped first; the cursor makes the drop visible as a
	// gap, never as reordering.
	BufferLimit int
	// DownloadMedia enables fetching attachment payloads. When off,
	// messages carry text only.
	DownloadMedia bool
	// DownloadTimeout bounds a single attachment download.
	DownloadTimeout time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PollTimeout:     30 * time.Second,
		BufferLimit:     1000,
		DownloadMedia:   true,
		DownloadTimeout: 30 * time.Second,
	}
}

// Client implements ingest.SourceClient on top of the Bot API.
type Client struct {
	bot    *tgbotapi.BotAPI
	http   *http.Client
	cfg    Config
	logger *zap.Logger

	mu     sync.Mutex
	queues map[string][]ingest.RawMessage
}

// New connects to the Bot API and verifies the token.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, MapError(fmt.Errorf("telegram bot init: %w", err))
	}
	logger.Info("telegram bot connected",
		zap.String("username", bot.Self.UserName),
		zap.Int64("id", bot.Self.ID),
	)

	return &Client{
		bot:    bot,
		http:   &http.Client{Timeout: cfg.DownloadTimeout},
		cfg:    cfg,
		logger: logger,
		queues: make(map[string][]ingest.RawMessage),
	}, nil
}

// Run polls for updates until the context is canceled. It must be running for
// FetchBatch to see new messages.
func (c *Client) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = int(c.cfg.PollTimeout / time.Second)
	updates := c.bot.GetUpdatesChan(u)

	c.logger.Info("telegram polling started")
	for {
		select {
		case <-ctx.Done():
			c.bot.StopReceivingUpdates()
			c.logger.Info("telegram polling stopped")
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			c.handleUpdate(ctx, update)
		}
	}
}

// FetchBatch drains up to limit buffered messages for one chat with message
// ids above afterMessageID. An empty result means the source is caught up.
func (c *Client) FetchBatch(ctx context.Context, sourceID string, afterMessageID int64, limit int) ([]ingest.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	queue := c.queues[sourceID]
	var batch []ingest.RawMessage
	kept := queue[:0]
	for _, msg := range queue {
		if msg.MessageID <= afterMessageID {
			continue
		}
		if len(batch) < limit {
			batch = append(batch, msg)
			continue
		}
		kept = append(kept, msg)
	}
	c.queues[sourceID] = kept
	return batch, nil
}

func (c *Client) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil || msg.Chat == nil {
		return
	}

	raw := ingest.RawMessage{
		SourceID:  strconv.FormatInt(msg.Chat.ID, 10),
		MessageID: int64(msg.MessageID),
		Timestamp: time.Unix(int64(msg.Date), 0).UTC(),
		Body:      messageBody(msg),
	}
	if c.cfg.DownloadMedia {
		raw.Media = c.downloadAttachments(ctx, msg)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	queue := append(c.queues[raw.SourceID], raw)
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].MessageID < queue[j].MessageID })
	if over := len(queue) - c.cfg.BufferLimit; c.cfg.BufferLimit > 0 && over > 0 {
		c.logger.Warn("chat buffer full, dropping oldest messages",
			zap.String("source_id", raw.SourceID),
			zap.Int("dropped", over),
		)
		queue = queue[over:]
	}
	c.queues[raw.SourceID] = queue
}

func messageBody(msg *tgbotapi.Message) string {
	if msg.Text != "" {
		return msg.Text
	}
	return msg.Caption
}

// downloadAttachments resolves the message's attachments to raw payloads.
// A failed download is logged and skipped; the message still flows through
// with whatever attachments did resolve.
func (c *Client) downloadAttachments(ctx context.Context, msg *tgbotapi.Message) []ingest.Media {
	var media []ingest.Media
	for _, att := range attachmentsOf(msg) {
		data, err := c.downloadFile(ctx, att.fileID)
		if err != nil {
			c.logger.Warn("attachment download failed",
				zap.Int64("chat_id", msg.Chat.ID),
				zap.Int("message_id", msg.MessageID),
				zap.String("kind", att.kind),
				zap.Error(err),
			)
			continue
		}
		media = append(media, ingest.Media{
			Kind:     att.kind,
			Filename: att.filename,
			Data:     data,
		})
	}
	return media
}

type attachment struct {
	kind     string
	fileID   string
	filename string
}

func attachmentsOf(msg *tgbotapi.Message) []attachment {
	var atts []attachment
	if len(msg.Photo) > 0 {
		// The API lists sizes smallest first; keep only the largest.
		best := msg.Photo[len(msg.Photo)-1]
		atts = append(atts, attachment{kind: "photo", fileID: best.FileID, filename: best.FileUniqueID + ".jpg"})
	}
	if msg.Document != nil {
		name := msg.Document.FileName
		if name == "" {
			name = msg.Document.FileUniqueID
		}
		atts = append(atts, attachment{kind: "document", fileID: msg.Document.FileID, filename: name})
	}
	if msg.Video != nil {
		atts = append(atts, attachment{kind: "video", fileID: msg.Video.FileID, filename: msg.Video.FileUniqueID + ".mp4"})
	}
	if msg.Voice != nil {
		atts = append(atts, attachment{kind: "voice", fileID: msg.Voice.FileID, filename: msg.Voice.FileUniqueID + ".ogg"})
	}
	return atts
}

func (c *Client) downloadFile(ctx context.Context, fileID string) ([]byte, error) {
	url, err := c.bot.GetFileDirectURL(fileID)
	if err != nil {
		return nil, MapError(fmt.Errorf("resolve file url: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download file: unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// MapError translates Bot API failures into the typed errors the rate
// controller acts on. A retry-after hint becomes a flood wait, credential
// rejections become auth failures, everything else stays transient.
func MapError(err error) error {
	var apiErr *tgbotapi.Error
	if !errors.As(err, &apiErr) {
		return err
	}
	if apiErr.RetryAfter > 0 {
		return &ingest.FloodWaitError{RetryAfter: time.Duration(apiErr.RetryAfter) * time.Second}
	}
	switch apiErr.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return &ingest.AuthFailureError{Reason: apiErr.Message}
	case http.StatusTooManyRequests:
		return &ingest.FloodWaitError{RetryAfter: time.Second}
	}
	return err
}
