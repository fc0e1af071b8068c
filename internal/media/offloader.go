// Package media offloads message media payloads to the blob store.
package media

import (
	"context"
	"fmt"
	"mime"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/meridian-data/chatfeed/internal/ingest"
)

// Config controls Offloader behavior.
type Config struct {
	// UploadTimeout bounds each individual blob upload.
	UploadTimeout time.Duration
}

// Offloader uploads the media payloads of a message and returns stable blob
// references in the order the payloads appear. The blob store is
// content-addressed, so re-offloading after a retry is idempotent.
type Offloader struct {
	blobs  ingest.BlobStore
	cfg    Config
	logger *zap.Logger
}

// New constructs an Offloader.
func New(blobs ingest.BlobStore, cfg Config, logger *zap.Logger) *Offloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.UploadTimeout <= 0 {
		cfg.UploadTimeout = 30 * time.Second
	}
	return &Offloader{blobs: blobs, cfg: cfg, logger: logger}
}

// Resolve uploads every payload of the message and returns the references to
// embed in the event. Any upload failure aborts the message; the caller
// treats it as transient.
func (o *Offloader) Resolve(ctx context.Context, msg ingest.RawMessage) ([]string, error) {
	if len(msg.Media) == 0 {
		return nil, nil
	}

	refs := make([]string, 0, len(msg.Media))
	for i, m := range msg.Media {
		ref, err := o.putOne(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("offload media %d of message %d: %w", i, msg.MessageID, err)
		}
		refs = append(refs, ref)
	}
	o.logger.Debug("media offloaded",
		zap.String("source_id", msg.SourceID),
		zap.Int64("message_id", msg.MessageID),
		zap.Int("count", len(refs)),
	)
	return refs, nil
}

func (o *Offloader) putOne(ctx context.Context, m ingest.Media) (string, error) {
	putCtx, cancel := context.WithTimeout(ctx, o.cfg.UploadTimeout)
	defer cancel()

	ref, err := o.blobs.Put(putCtx, m.Data, contentType(m))
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return ref, nil
}

func contentType(m ingest.Media) string {
	if ct := mime.TypeByExtension(filepath.Ext(m.Filename)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
