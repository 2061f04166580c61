package push

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfinley/docsync/internal/store"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *store.Store, *Notifier) {
	t.Helper()

	st := store.New()
	notifier := NewNotifier()

	return NewDispatcher(st, notifier, slog.Default()), st, notifier
}

func TestDispatch_FileProcessed_MergesByID(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 3, DisplayName: "old.pdf", Status: store.StatusExtracted})

	d.Dispatch([]byte(`{"event":"file_processed","data":{"id":3,"display_name":"old.pdf","public_url":"https://cdn/3","processing_status":"processed"}}`))

	rec, ok := st.File(3)
	require.True(t, ok)
	assert.Equal(t, store.StatusProcessed, rec.Status)
	assert.Equal(t, "https://cdn/3", rec.PublicURL)
	assert.Len(t, st.Files(), 1, "merge must not duplicate the record")
}

func TestDispatch_FileProcessed_InsertsUnknownID(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.Dispatch([]byte(`{"event":"file_processed","data":{"id":9,"display_name":"new.pdf","processing_status":"processed"}}`))

	rec, ok := st.File(9)
	require.True(t, ok)
	assert.Equal(t, "new.pdf", rec.DisplayName)
}

func TestDispatch_FileProcessed_ResultFallback(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	d.Dispatch([]byte(`{"event":"file_processed","result":{"id":4,"display_name":"r.pdf","processing_status":"processed"}}`))

	_, ok := st.File(4)
	assert.True(t, ok, "file object under result must also be accepted")
}

func TestDispatch_StatusUpdate_MergesStatus(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 1, Status: store.StatusUploaded})

	d.Dispatch([]byte(`{"event":"file_status_update","data":{"file_id":1,"status":"processing"}}`))

	rec, _ := st.File(1)
	assert.Equal(t, store.StatusProcessing, rec.Status)
}

func TestDispatch_StatusUpdate_TerminalStickyAgainstLateFrames(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 1, Status: store.StatusProcessing})

	d.Dispatch([]byte(`{"event":"file_status_update","data":{"file_id":1,"status":"processed"}}`))
	// Late, out-of-order frame must not regress the terminal status.
	d.Dispatch([]byte(`{"event":"file_status_update","data":{"file_id":1,"status":"processing"}}`))

	rec, _ := st.File(1)
	assert.Equal(t, store.StatusProcessed, rec.Status)
}

func TestDispatch_StatusError_SetsErrorAndNotifiesOnce(t *testing.T) {
	d, st, notifier := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 1, Status: store.StatusProcessing})

	frame := []byte(`{"event":"file_status_error","data":{"file_id":1,"status":"failed","error":"unsupported encoding"}}`)
	d.Dispatch(frame)
	d.Dispatch(frame) // duplicate delivery

	rec, _ := st.File(1)
	assert.Equal(t, store.StatusFailed, rec.Status)
	assert.Equal(t, "unsupported encoding", rec.ErrorMessage)

	select {
	case n := <-notifier.C():
		assert.Equal(t, NotificationFileTerminal, n.Kind)
		assert.Equal(t, int64(1), n.File.ID)
	default:
		t.Fatal("expected a terminal-status notification")
	}

	select {
	case <-notifier.C():
		t.Fatal("duplicate frame must not notify twice")
	default:
	}
}

func TestDispatch_StatusUpdate_UnknownIDDiscarded(t *testing.T) {
	d, st, notifier := newTestDispatcher(t)

	d.Dispatch([]byte(`{"event":"file_status_update","data":{"file_id":99,"status":"processed"}}`))

	assert.Empty(t, st.Files())
	select {
	case <-notifier.C():
		t.Fatal("no notification for an untracked file")
	default:
	}
}

func TestDispatch_FileDeleted_RemovesRecord(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 7, Status: store.StatusProcessed})

	d.Dispatch([]byte(`{"event":"file_deleted","data":{"file_id":7}}`))

	assert.Empty(t, st.Files())
}

func TestDispatch_FileDeleted_UnknownIDIsSilentNoop(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 1, Status: store.StatusProcessed})

	d.Dispatch([]byte(`{"event":"file_deleted","data":{"file_id":7}}`))

	assert.Len(t, st.Files(), 1, "store must be unchanged")
}

func TestDispatch_MalformedAndUnknownFramesDiscarded(t *testing.T) {
	d, st, _ := newTestDispatcher(t)
	st.MergeFile(store.FileRecord{ID: 1, Status: store.StatusUploaded})

	frames := [][]byte{
		[]byte(`{broken`),
		[]byte(`{}`),
		[]byte(`{"event":42}`),
		[]byte(`{"event":"totally_new_thing","data":{}}`),
		[]byte(`{"event":"file_processed"}`),
		[]byte(`{"event":"file_status_update","data":{"status":"processed"}}`),
		[]byte(`{"event":"file_deleted","data":{}}`),
		nil,
	}

	for _, f := range frames {
		d.Dispatch(f) // must not panic or mutate
	}

	assert.Len(t, st.Files(), 1)
	rec, _ := st.File(1)
	assert.Equal(t, store.StatusUploaded, rec.Status)
}

func TestRun_ConsumesUntilCancelled(t *testing.T) {
	d, st, _ := newTestDispatcher(t)

	frames := make(chan []byte, 2)
	frames <- []byte(`{"event":"file_processed","data":{"id":1,"processing_status":"processed"}}`)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.Run(ctx, frames)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, ok := st.File(1)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit on cancel")
	}
}
