package push

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/mfinley/docsync/internal/store"
)

// Dispatcher interprets inbound push frames and applies them to the
// state store. Malformed or unrecognized frames are logged and
// discarded; nothing thrown here may cross the connection boundary.
type Dispatcher struct {
	store    *store.Store
	notifier *Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher over the given store.
func NewDispatcher(st *store.Store, notifier *Notifier, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{store: st, notifier: notifier, logger: logger}
}

// Run consumes frames until ctx is cancelled. Mutations are applied
// synchronously per frame, in arrival order.
func (d *Dispatcher) Run(ctx context.Context, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw := <-frames:
			d.Dispatch(raw)
		}
	}
}

// Dispatch routes one raw frame by its event discriminator.
func (d *Dispatcher) Dispatch(raw []byte) {
	if !gjson.ValidBytes(raw) {
		d.logger.Debug("discarding malformed push frame", slog.Int("bytes", len(raw)))
		return
	}

	event := gjson.GetBytes(raw, "event")
	if !event.Exists() || event.Type != gjson.String {
		d.logger.Debug("discarding push frame without event discriminator")
		return
	}

	switch event.String() {
	case "file_processed":
		d.handleFileProcessed(raw)
	case "file_status_update", "file_status_error":
		d.handleStatusUpdate(raw, event.String())
	case "file_deleted":
		d.handleFileDeleted(raw)
	default:
		d.logger.Debug("discarding unrecognized push event", slog.String("event", event.String()))
	}
}

// payload returns the frame's data object, falling back to result.
// Some server versions deliver the file object under either key.
func payload(raw []byte) gjson.Result {
	if data := gjson.GetBytes(raw, "data"); data.Exists() {
		return data
	}

	return gjson.GetBytes(raw, "result")
}

func (d *Dispatcher) handleFileProcessed(raw []byte) {
	body := payload(raw)
	if !body.IsObject() {
		d.logger.Debug("file_processed frame missing file object")
		return
	}

	var fe fileEvent
	if err := json.Unmarshal([]byte(body.Raw), &fe); err != nil || fe.ID == 0 {
		d.logger.Debug("file_processed frame undecodable", slog.Any("error", err))
		return
	}

	// Merge by id; inserts when the file is not yet known locally.
	d.store.MergeFile(store.FileRecord{
		ID:           fe.ID,
		DisplayName:  fe.DisplayName,
		PublicURL:    fe.PublicURL,
		Status:       store.Status(fe.Status),
		ErrorMessage: fe.ErrorMessage,
	})
}

func (d *Dispatcher) handleStatusUpdate(raw []byte, event string) {
	body := payload(raw)
	if !body.IsObject() {
		d.logger.Debug("status frame missing data", slog.String("event", event))
		return
	}

	var se statusEvent
	if err := json.Unmarshal([]byte(body.Raw), &se); err != nil || se.FileID == 0 {
		d.logger.Debug("status frame undecodable", slog.String("event", event), slog.Any("error", err))
		return
	}

	rec, becameTerminal := d.store.MergeFileStatus(se.FileID, store.Status(se.Status), se.Error)
	if becameTerminal && d.notifier != nil {
		d.notifier.Publish(Notification{Kind: NotificationFileTerminal, File: rec})
	}
}

func (d *Dispatcher) handleFileDeleted(raw []byte) {
	body := payload(raw)

	var de deleteEvent
	if err := json.Unmarshal([]byte(body.Raw), &de); err != nil || de.FileID == 0 {
		d.logger.Debug("file_deleted frame undecodable", slog.Any("error", err))
		return
	}

	// Removing an id we never tracked is a silent no-op.
	d.store.RemoveFile(de.FileID)
}
