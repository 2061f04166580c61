package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/mfinley/docsync/internal/store"
)

// FilePage is one page of the files collection.
type FilePage struct {
	Items    []store.FileRecord `json:"items"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
	Total    int                `json:"total"`
}

// Pagination converts the page metadata to the store representation.
func (p FilePage) Pagination() store.Pagination {
	return store.Pagination{Page: p.Page, PageSize: p.PageSize, TotalItems: p.Total}
}

// FileStatus is one entry of the batched status endpoint.
type FileStatus struct {
	FileID   int64        `json:"file_id"`
	Status   store.Status `json:"processing_status"`
	Progress int          `json:"progress"`
	Error    string       `json:"error,omitempty"`
}

type fileStatusResponse struct {
	Items []FileStatus `json:"items"`
}

// ListFiles fetches one page of the files collection.
func (c *Client) ListFiles(ctx context.Context, page, pageSize int) (FilePage, error) {
	path := fmt.Sprintf("/api/v1/files?page=%d&page_size=%d", page, pageSize)

	var fp FilePage
	if err := c.callJSON(ctx, http.MethodGet, path, nil, &fp); err != nil {
		return FilePage{}, fmt.Errorf("listing files: %w", err)
	}

	return fp, nil
}

// FileStatuses fetches processing status for the given ids in one
// batched call.
func (c *Client) FileStatuses(ctx context.Context, ids []int64) ([]FileStatus, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	path := "/api/v1/files/status?ids=" + url.QueryEscape(strings.Join(parts, ","))

	var resp fileStatusResponse
	if err := c.callJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching file statuses: %w", err)
	}

	return resp.Items, nil
}

// DeleteFile removes a file on the server.
func (c *Client) DeleteFile(ctx context.Context, id int64) error {
	path := fmt.Sprintf("/api/v1/files/%d", id)

	if err := c.callJSON(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting file %d: %w", id, err)
	}

	return nil
}

// UploadFile uploads file content as multipart form data and returns
// the created record. The content is buffered so the request survives
// a token-refresh retry.
func (c *Client) UploadFile(ctx context.Context, name string, r io.Reader) (store.FileRecord, error) {
	var buf bytes.Buffer

	mw := multipart.NewWriter(&buf)

	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return store.FileRecord{}, fmt.Errorf("creating multipart field: %w", err)
	}

	if _, err := io.Copy(part, r); err != nil {
		return store.FileRecord{}, fmt.Errorf("buffering upload content: %w", err)
	}

	if err := mw.Close(); err != nil {
		return store.FileRecord{}, fmt.Errorf("finalizing multipart body: %w", err)
	}

	body := &RawBody{ContentType: mw.FormDataContentType(), Data: buf.Bytes()}

	var rec store.FileRecord
	if err := c.callJSON(ctx, http.MethodPost, "/api/v1/files", body, &rec); err != nil {
		return store.FileRecord{}, fmt.Errorf("uploading %s: %w", name, err)
	}

	return rec, nil
}
