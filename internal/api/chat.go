package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mfinley/docsync/internal/store"
)

type historyListResponse struct {
	Items []store.HistoryRecord `json:"items"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

type sendMessageResponse struct {
	Messages []store.Message `json:"messages"`
}

type rateMessageRequest struct {
	Liked    bool `json:"liked"`
	Disliked bool `json:"disliked"`
}

// ListHistories fetches all chat histories (titles only; messages come
// from History).
func (c *Client) ListHistories(ctx context.Context) ([]store.HistoryRecord, error) {
	var resp historyListResponse
	if err := c.callJSON(ctx, http.MethodGet, "/api/v1/histories", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing histories: %w", err)
	}

	return resp.Items, nil
}

// History fetches one chat history with its full message sequence.
func (c *Client) History(ctx context.Context, id int64) (store.HistoryRecord, error) {
	var h store.HistoryRecord
	if err := c.callJSON(ctx, http.MethodGet, fmt.Sprintf("/api/v1/histories/%d", id), nil, &h); err != nil {
		return store.HistoryRecord{}, fmt.Errorf("fetching history %d: %w", id, err)
	}

	return h, nil
}

// SendMessage posts a user message and returns the authoritative
// messages the server created for it (the stored user message plus the
// bot reply), each with a real id.
func (c *Client) SendMessage(ctx context.Context, historyID int64, content string) ([]store.Message, error) {
	var resp sendMessageResponse

	path := fmt.Sprintf("/api/v1/histories/%d/messages", historyID)
	if err := c.callJSON(ctx, http.MethodPost, path, sendMessageRequest{Content: content}, &resp); err != nil {
		return nil, fmt.Errorf("sending message to history %d: %w", historyID, err)
	}

	return resp.Messages, nil
}

// RateMessage records like/dislike feedback on a message.
func (c *Client) RateMessage(ctx context.Context, historyID, messageID int64, liked, disliked bool) error {
	path := fmt.Sprintf("/api/v1/histories/%d/messages/%d/feedback", historyID, messageID)

	if err := c.callJSON(ctx, http.MethodPost, path, rateMessageRequest{Liked: liked, Disliked: disliked}, nil); err != nil {
		return fmt.Errorf("rating message %d: %w", messageID, err)
	}

	return nil
}

// DeleteHistory removes a chat history on the server.
func (c *Client) DeleteHistory(ctx context.Context, id int64) error {
	if err := c.callJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/v1/histories/%d", id), nil, nil); err != nil {
		return fmt.Errorf("deleting history %d: %w", id, err)
	}

	return nil
}
