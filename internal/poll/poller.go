// Package poll periodically re-derives processing status for files
// whose terminal state cannot be assumed. It is the correctness
// backstop: it runs whether or not the push channel is connected, and
// its merges use the same terminal-sticky rule, so racing the push
// path is harmless.
package poll

import (
	"context"
	"log/slog"
	"time"

	"github.com/mfinley/docsync/internal/api"
	"github.com/mfinley/docsync/internal/push"
	"github.com/mfinley/docsync/internal/store"
)

const defaultInterval = 30 * time.Second

// StatusClient is the slice of the API client the poller needs.
type StatusClient interface {
	FileStatuses(ctx context.Context, ids []int64) ([]api.FileStatus, error)
}

// Poller sweeps non-terminal files on a fixed interval.
type Poller struct {
	client   StatusClient
	store    *store.Store
	notifier *push.Notifier
	interval time.Duration
	logger   *slog.Logger
}

// New creates a Poller. interval <= 0 uses the default.
func New(client StatusClient, st *store.Store, notifier *push.Notifier, interval time.Duration, logger *slog.Logger) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}

	return &Poller{
		client:   client,
		store:    st,
		notifier: notifier,
		interval: interval,
		logger:   logger,
	}
}

// Run sweeps until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep(ctx)
		}
	}
}

// Sweep performs one poll pass: one batched status call covering every
// non-terminal file, or nothing at all when none are tracked.
func (p *Poller) Sweep(ctx context.Context) {
	ids := p.store.PendingFileIDs()
	if len(ids) == 0 {
		return
	}

	statuses, err := p.client.FileStatuses(ctx, ids)
	if err != nil {
		// Transient failures are logged and retried next tick; the
		// push channel remains the primary delivery path.
		p.logger.Warn("status poll failed",
			slog.Int("files", len(ids)),
			slog.String("error", err.Error()),
		)

		return
	}

	for _, st := range statuses {
		rec, becameTerminal := p.store.MergeFileStatus(st.FileID, st.Status, st.Error)
		if becameTerminal && p.notifier != nil {
			p.notifier.Publish(push.Notification{Kind: push.NotificationFileTerminal, File: rec})
		}
	}
}
