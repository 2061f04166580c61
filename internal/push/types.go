package push

// Status is the push channel's connection state. Exactly one Manager
// exists per process, so this is the process-wide connection status.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// authFrame is the client handshake sent immediately after the socket
// opens.
type authFrame struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// fileEvent is the file object carried by file_processed frames.
type fileEvent struct {
	ID           int64  `json:"id"`
	DisplayName  string `json:"display_name"`
	PublicURL    string `json:"public_url"`
	Status       string `json:"processing_status"`
	ErrorMessage string `json:"error_message"`
}

// statusEvent is the payload of file_status_update and
// file_status_error frames.
type statusEvent struct {
	FileID int64  `json:"file_id"`
	Status string `json:"status"`
	Error  string `json:"error"`
}

// deleteEvent is the payload of file_deleted frames.
type deleteEvent struct {
	FileID int64 `json:"file_id"`
}
