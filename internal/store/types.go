package store

// Status is a file's processing state on the backend. It only moves
// forward through the lattice uploaded -> processing -> extracted ->
// {processed | failed}; processed and failed are terminal.
type Status string

const (
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusExtracted  Status = "extracted"
	StatusProcessed  Status = "processed"
	StatusFailed     Status = "failed"
)

// statusRank orders the lattice. Unknown statuses rank lowest so a
// malformed update can never clobber known state.
var statusRank = map[Status]int{
	StatusUploaded:   1,
	StatusProcessing: 2,
	StatusExtracted:  3,
	StatusProcessed:  4,
	StatusFailed:     4,
}

// Terminal reports whether no further status transition is expected.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFailed
}

// Known reports whether the status is one of the lattice values.
func (s Status) Known() bool {
	_, ok := statusRank[s]
	return ok
}

// FileRecord is the client view of one uploaded file. ID is stable for
// the record's lifetime; merges are keyed by it.
type FileRecord struct {
	ID           int64  `json:"id"`
	DisplayName  string `json:"display_name"`
	PublicURL    string `json:"public_url"`
	Status       Status `json:"processing_status"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PlaceholderMessageID marks a message the UI inserted optimistically
// before the server assigned a real id.
const PlaceholderMessageID int64 = -1

// Sender identifies which side of the conversation wrote a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one entry in a chat history.
type Message struct {
	ID        int64  `json:"id"`
	Content   string `json:"content"`
	Sender    Sender `json:"sender"`
	Timestamp string `json:"timestamp"`
	Liked     bool   `json:"liked"`
	Disliked  bool   `json:"disliked"`
}

// HistoryRecord is one chat history. Messages are kept in ascending id
// order.
type HistoryRecord struct {
	ID       int64     `json:"id"`
	Title    string    `json:"title"`
	Messages []Message `json:"messages"`
}

// Pagination describes the current page of the files collection.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalItems int `json:"total"`
}

// ChangeKind discriminates store change notifications.
type ChangeKind string

const (
	ChangeFileMerged       ChangeKind = "file_merged"
	ChangeFileRemoved      ChangeKind = "file_removed"
	ChangePageReplaced     ChangeKind = "page_replaced"
	ChangeHistoryMerged    ChangeKind = "history_merged"
	ChangeHistoryRemoved   ChangeKind = "history_removed"
	ChangeMessagesAppended ChangeKind = "messages_appended"
	ChangeCleared          ChangeKind = "cleared"
)

// Change is delivered to subscribers after a mutation. FileID or
// HistoryID is set when the change concerns a single record.
type Change struct {
	Kind      ChangeKind
	FileID    int64
	HistoryID int64
}
