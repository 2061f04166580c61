// Package store holds the canonical client-side view of server-owned
// files and chat histories. All mutation goes through merge operations
// that are idempotent, so the push and poll paths can deliver the same
// update without corrupting state.
package store

import (
	"slices"
	"sync"
)

// subscriberBuffer is the channel capacity per subscriber. Sends are
// non-blocking: a subscriber that falls this far behind drops changes
// and should re-read snapshots instead.
const subscriberBuffer = 64

// Store is the canonical, de-duplicated in-memory state. Safe for
// concurrent use; the push and poll paths may interleave freely because
// merges are commutative under the terminal-sticky rule.
type Store struct {
	mu         sync.RWMutex
	files      map[int64]FileRecord
	fileOrder  []int64
	pagination Pagination
	histories  map[int64]HistoryRecord

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		files:     make(map[int64]FileRecord),
		histories: make(map[int64]HistoryRecord),
		subs:      make(map[int]chan Change),
	}
}

// Subscribe registers for change notifications. The returned cancel
// func unregisters and closes the channel.
func (s *Store) Subscribe() (<-chan Change, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextSub
	s.nextSub++

	ch := make(chan Change, subscriberBuffer)
	s.subs[id] = ch

	cancel := func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()

		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}

	return ch, cancel
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
		default: // slow subscriber, drop
		}
	}
}

// MergeFile upserts a file record by id. Status moves forward only:
// a terminal status is sticky, and a late update carrying an earlier
// lattice value is ignored for the status field (other fields still
// apply last-writer-wins). Returns the record as stored.
func (s *Store) MergeFile(rec FileRecord) FileRecord {
	s.mu.Lock()

	cur, ok := s.files[rec.ID]
	if !ok {
		s.files[rec.ID] = rec
		s.fileOrder = append(s.fileOrder, rec.ID)
		s.mu.Unlock()
		s.notify(Change{Kind: ChangeFileMerged, FileID: rec.ID})

		return rec
	}

	merged := cur
	if rec.DisplayName != "" {
		merged.DisplayName = rec.DisplayName
	}

	if rec.PublicURL != "" {
		merged.PublicURL = rec.PublicURL
	}

	merged.Status, merged.ErrorMessage = mergeStatus(cur.Status, cur.ErrorMessage, rec.Status, rec.ErrorMessage)

	s.files[rec.ID] = merged
	s.mu.Unlock()
	s.notify(Change{Kind: ChangeFileMerged, FileID: rec.ID})

	return merged
}

// MergeFileStatus applies a status-only update to an existing record.
// Unknown ids are ignored so a stale push for a deleted file is a
// no-op. Returns the stored record and whether it transitioned into a
// terminal status as a result of this call.
func (s *Store) MergeFileStatus(id int64, status Status, errMsg string) (FileRecord, bool) {
	s.mu.Lock()

	cur, ok := s.files[id]
	if !ok {
		s.mu.Unlock()
		return FileRecord{}, false
	}

	wasTerminal := cur.Status.Terminal()
	cur.Status, cur.ErrorMessage = mergeStatus(cur.Status, cur.ErrorMessage, status, errMsg)
	s.files[id] = cur
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFileMerged, FileID: id})

	return cur, !wasTerminal && cur.Status.Terminal()
}

// mergeStatus applies the forward-only lattice rule. The incoming
// error message travels with the incoming status: it is kept only when
// the status itself is accepted.
func mergeStatus(curStatus Status, curErr string, next Status, nextErr string) (Status, string) {
	if !next.Known() {
		return curStatus, curErr
	}

	if curStatus.Terminal() {
		return curStatus, curErr
	}

	if statusRank[next] < statusRank[curStatus] {
		return curStatus, curErr
	}

	return next, nextErr
}

// RemoveFile deletes a record by id. Removing an unknown id is a
// silent no-op.
func (s *Store) RemoveFile(id int64) {
	s.mu.Lock()

	if _, ok := s.files[id]; !ok {
		s.mu.Unlock()
		return
	}

	delete(s.files, id)
	s.fileOrder = slices.DeleteFunc(s.fileOrder, func(v int64) bool { return v == id })
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFileRemoved, FileID: id})
}

// ReplacePage replaces the files collection with a freshly loaded page.
func (s *Store) ReplacePage(files []FileRecord, p Pagination) {
	s.mu.Lock()

	s.files = make(map[int64]FileRecord, len(files))
	s.fileOrder = s.fileOrder[:0]

	for _, f := range files {
		if _, dup := s.files[f.ID]; dup {
			continue
		}

		s.files[f.ID] = f
		s.fileOrder = append(s.fileOrder, f.ID)
	}

	s.pagination = p
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePageReplaced})
}

// Files returns the current page of records in load order.
func (s *Store) Files() []FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]FileRecord, 0, len(s.fileOrder))
	for _, id := range s.fileOrder {
		out = append(out, s.files[id])
	}

	return out
}

// File returns a record by id.
func (s *Store) File(id int64) (FileRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.files[id]

	return rec, ok
}

// Pagination returns the files pagination state.
func (s *Store) Pagination() Pagination {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pagination
}

// PendingFileIDs returns the ids of all files not yet in a terminal
// status, in load order. The polling fallback skips its sweep entirely
// when this is empty.
func (s *Store) PendingFileIDs() []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []int64

	for _, id := range s.fileOrder {
		if !s.files[id].Status.Terminal() {
			ids = append(ids, id)
		}
	}

	return ids
}

// MergeHistory upserts a history by id, replacing title and messages.
// Messages are normalized: placeholders dropped, de-duplicated by id,
// sorted ascending.
func (s *Store) MergeHistory(h HistoryRecord) {
	s.mu.Lock()
	h.Messages = normalizeMessages(nil, h.Messages)
	s.histories[h.ID] = h
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeHistoryMerged, HistoryID: h.ID})
}

// RemoveHistory deletes a history by id. Unknown ids are a no-op.
func (s *Store) RemoveHistory(id int64) {
	s.mu.Lock()

	if _, ok := s.histories[id]; !ok {
		s.mu.Unlock()
		return
	}

	delete(s.histories, id)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeHistoryRemoved, HistoryID: id})
}

// AppendMessages merges authoritative messages into a history. Any
// placeholder (sentinel id) already present is removed first, then the
// new messages are de-duplicated by id and the sequence re-sorted into
// ascending id order. Appending the same batch twice is a no-op.
// Unknown history ids create the history, so a push for a conversation
// started on another device is not lost.
func (s *Store) AppendMessages(historyID int64, msgs []Message) {
	s.mu.Lock()

	h, ok := s.histories[historyID]
	if !ok {
		h = HistoryRecord{ID: historyID}
	}

	h.Messages = normalizeMessages(h.Messages, msgs)
	s.histories[historyID] = h
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMessagesAppended, HistoryID: historyID})
}

// normalizeMessages combines existing and incoming messages: drops
// placeholders, de-duplicates by id (incoming wins), sorts ascending.
func normalizeMessages(existing, incoming []Message) []Message {
	byID := make(map[int64]Message, len(existing)+len(incoming))

	var order []int64

	for _, m := range existing {
		if m.ID == PlaceholderMessageID {
			continue
		}

		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}

		byID[m.ID] = m
	}

	for _, m := range incoming {
		if m.ID == PlaceholderMessageID {
			continue
		}

		if _, ok := byID[m.ID]; !ok {
			order = append(order, m.ID)
		}

		byID[m.ID] = m
	}

	slices.Sort(order)

	out := make([]Message, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}

	return out
}

// History returns a history by id.
func (s *Store) History(id int64) (HistoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h, ok := s.histories[id]

	return h, ok
}

// Histories returns all histories, order unspecified.
func (s *Store) Histories() []HistoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]HistoryRecord, 0, len(s.histories))
	for _, h := range s.histories {
		out = append(out, h)
	}

	return out
}

// Counts returns the number of files, pending (non-terminal) files,
// and histories. Used by the status endpoint.
func (s *Store) Counts() (files, pending, histories int) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.files {
		if !f.Status.Terminal() {
			pending++
		}
	}

	return len(s.files), pending, len(s.histories)
}

// Clear drops all session-scoped state. Called on sign-out.
func (s *Store) Clear() {
	s.mu.Lock()
	s.files = make(map[int64]FileRecord)
	s.fileOrder = nil
	s.pagination = Pagination{}
	s.histories = make(map[int64]HistoryRecord)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeCleared})
}
