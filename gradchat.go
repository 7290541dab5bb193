// Package gradchat is the Go SDK for Gradlink chat.
//
// It provides the client-side chat session core (room list, open room
// sessions with optimistic sends, reconnection and moderation gating) on
// top of a pluggable store, plus an HTTP client for the hosted store.
//
// Example:
//
//	client := gradchat.NewClient("token")
//	store := client.Store(&gradchat.RealtimeConfig{Token: "token"})
//
//	registry := gradchat.NewRoomRegistry(store, "user-1")
//	registry.Start(ctx)
//
//	session := gradchat.NewActiveSession(store, "user-1", gradchat.WithGuards(registry.Guards()))
//	session.Open(ctx, "room-1")
//	session.Send(ctx, gradchat.Draft{Body: "Hello!"})
package gradchat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ============================================================================
// Environment
// ============================================================================

type Environment string

const (
	Production Environment = "production"
	Staging    Environment = "staging"
)

var environments = map[Environment]string{
	Production: "https://api.gradlink.app",
	Staging:    "https://api.staging.gradlink.app",
}

const (
	DefaultBaseURL = "https://api.gradlink.app"
	DefaultTimeout = 30 * time.Second

	// MaxUploadSize is the largest attachment the storage service accepts.
	MaxUploadSize = 25 << 20
)

// ============================================================================
// Client
// ============================================================================

// Client talks to the hosted chat store over HTTP. It implements
// MessageStore, RoomDirectory and Moderator; Store adds the realtime feed.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger
}

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithEnvironment(env Environment) ClientOption {
	return func(c *Client) {
		if u, ok := environments[env]; ok {
			c.baseURL = u
		}
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithLogger(log *zap.Logger) ClientOption {
	return func(c *Client) { c.log = log }
}

// NewClient creates a client authenticated with a bearer token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		log: zap.NewNop(),
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token, e.g. after re-authentication.
func (c *Client) SetToken(token string) {
	c.token = token
}

// BaseURL returns the store's base URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Realtime creates the realtime feed of this client's store.
func (c *Client) Realtime(config *RealtimeConfig) *RealtimeFeed {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	if cfg.Token == "" {
		cfg.Token = c.token
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Transport: c.httpClient.Transport}
	}
	return NewRealtimeFeed(c.baseURL, &cfg, WithFeedLogger(c.log))
}

// Store combines the HTTP client with its realtime feed.
func (c *Client) Store(config *RealtimeConfig) Store {
	return Compose(c, c.Realtime(config), c, c)
}

// ============================================================================
// Internal request helper
// ============================================================================

// doRequest performs one API call and decodes the envelope's data into out.
// Transport failures become *NetworkError, error envelopes *APIError.
func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeaders(req)

	op := method + " " + path
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: op, Err: err}
	}

	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		if resp.StatusCode >= 300 {
			return &APIError{Code: http.StatusText(resp.StatusCode), Message: strings.TrimSpace(string(data)), Status: resp.StatusCode}
		}
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !result.OK || resp.StatusCode >= 300 {
		apiErr := result.Error
		if apiErr == nil {
			apiErr = &APIError{Code: http.StatusText(resp.StatusCode), Message: "request failed"}
		}
		apiErr.Status = resp.StatusCode
		c.log.Debug("api error", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("code", apiErr.Code))
		return apiErr
	}
	if out != nil {
		if err := result.Decode(out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", op, err)
		}
	}
	return nil
}

func (c *Client) setAuthHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

func roomPath(roomID string, rest string) string {
	return "/api/chat/rooms/" + url.PathEscape(roomID) + rest
}

// ============================================================================
// Store API
// ============================================================================

// ListRooms implements RoomDirectory.
func (c *Client) ListRooms(ctx context.Context, userID string) ([]ChatRoom, error) {
	var rooms []ChatRoom
	err := c.doRequest(ctx, http.MethodGet, "/api/chat/rooms", nil, url.Values{"userId": {userID}}, &rooms)
	if err != nil {
		return nil, err
	}
	for i := range rooms {
		rooms[i].normalize()
	}
	return rooms, nil
}

// FetchPage implements MessageStore.
func (c *Client) FetchPage(ctx context.Context, roomID string, b Boundary, limit int) ([]Message, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor := EncodeCursor(b.Key); cursor != "" {
		q.Set(string(b.Direction), cursor)
	}

	var msgs []Message
	if err := c.doRequest(ctx, http.MethodGet, roomPath(roomID, "/messages"), nil, q, &msgs); err != nil {
		return nil, err
	}
	for i := range msgs {
		if msgs[i].RoomID == "" {
			msgs[i].RoomID = roomID
		}
		msgs[i].DeliveryState = DeliverySent
	}
	return msgs, nil
}

// CreateMessage implements MessageStore.
func (c *Client) CreateMessage(ctx context.Context, roomID string, req CreateMessageRequest) (Message, error) {
	var m Message
	if err := c.doRequest(ctx, http.MethodPost, roomPath(roomID, "/messages"), req, nil, &m); err != nil {
		return Message{}, err
	}
	if m.RoomID == "" {
		m.RoomID = roomID
	}
	if m.TempID == "" {
		m.TempID = req.TempID
	}
	if m.ServerID == "" {
		return Message{}, fmt.Errorf("create message: response without id")
	}
	m.DeliveryState = DeliverySent
	return m, nil
}

// MarkRead implements RoomDirectory.
func (c *Client) MarkRead(ctx context.Context, roomID, userID string) error {
	return c.doRequest(ctx, http.MethodPost, roomPath(roomID, "/read"), map[string]string{"userId": userID}, nil, nil)
}

// SetSuspension implements Moderator.
func (c *Client) SetSuspension(ctx context.Context, roomID string, suspended bool, reason string) error {
	payload := map[string]interface{}{"suspended": suspended}
	if suspended && reason != "" {
		payload["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, roomPath(roomID, "/suspension"), payload, nil, nil)
}

// Health checks that the store is reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/api/chat/health", nil, nil, nil)
}

// ============================================================================
// Attachments
// ============================================================================

// UploadOptions describes an attachment upload.
type UploadOptions struct {
	FileName   string
	MimeType   string
	OnProgress func(uploaded, total int64)
}

type presignResult struct {
	UploadID string            `json:"uploadId"`
	URL      string            `json:"url"`
	Fields   map[string]string `json:"fields,omitempty"`
}

type confirmResult struct {
	URL      string `json:"url"`
	FileName string `json:"fileName"`
	FileSize int64  `json:"fileSize"`
	MimeType string `json:"mimeType"`
}

// UploadAttachment stores data with the file service (presign, upload,
// confirm) and returns the reference to put on a Draft.
func (c *Client) UploadAttachment(ctx context.Context, data []byte, opts *UploadOptions) (Attachment, error) {
	if opts == nil || opts.FileName == "" {
		return Attachment{}, &ValidationError{Field: "fileName", Reason: "required when uploading bytes"}
	}
	mimeType := opts.MimeType
	if mimeType == "" {
		mimeType = guessMimeType(opts.FileName)
	}
	size := int64(len(data))
	if size == 0 {
		return Attachment{}, &ValidationError{Field: "attachment", Reason: "empty file"}
	}
	if size > MaxUploadSize {
		return Attachment{}, &ValidationError{Field: "attachment", Reason: fmt.Sprintf("exceeds %d bytes", MaxUploadSize)}
	}

	var presign presignResult
	err := c.doRequest(ctx, http.MethodPost, "/api/files/presign", map[string]interface{}{
		"fileName": opts.FileName, "fileSize": size, "mimeType": mimeType,
	}, nil, &presign)
	if err != nil {
		return Attachment{}, fmt.Errorf("presign: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	external := strings.HasPrefix(presign.URL, "http")
	if external {
		for k, v := range presign.Fields {
			_ = w.WriteField(k, v)
		}
	}
	part, err := w.CreateFormFile("file", opts.FileName)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return Attachment{}, fmt.Errorf("failed to write file data: %w", err)
	}
	_ = w.Close()

	uploadURL := presign.URL
	if !external {
		uploadURL = c.baseURL + presign.URL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, &buf)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	if !external {
		c.setAuthHeaders(req)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Attachment{}, &NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return Attachment{}, &APIError{Code: "UPLOAD_FAILED", Message: strings.TrimSpace(string(body)), Status: resp.StatusCode}
	}
	if opts.OnProgress != nil {
		opts.OnProgress(size, size)
	}

	var confirmed confirmResult
	err = c.doRequest(ctx, http.MethodPost, "/api/files/confirm", map[string]string{"uploadId": presign.UploadID}, nil, &confirmed)
	if err != nil {
		return Attachment{}, fmt.Errorf("confirm upload: %w", err)
	}
	if confirmed.URL == "" {
		return Attachment{}, errors.New("confirm upload: response without url")
	}
	a := Attachment{URL: confirmed.URL, Name: confirmed.FileName, MimeType: confirmed.MimeType, Size: confirmed.FileSize}
	if a.Name == "" {
		a.Name = opts.FileName
	}
	if a.MimeType == "" {
		a.MimeType = mimeType
	}
	if a.Size == 0 {
		a.Size = size
	}
	return a, nil
}

// UploadAttachmentFile uploads a local file. The file name and MIME type
// are taken from the path unless set in opts.
func (c *Client) UploadAttachmentFile(ctx context.Context, filePath string, opts *UploadOptions) (Attachment, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return Attachment{}, fmt.Errorf("failed to read file: %w", err)
	}
	if opts == nil {
		opts = &UploadOptions{}
	}
	if opts.FileName == "" {
		opts.FileName = filepath.Base(filePath)
	}
	return c.UploadAttachment(ctx, data, opts)
}

// guessMimeType returns MIME type from file extension.
func guessMimeType(fileName string) string {
	ext := filepath.Ext(fileName)
	if ext == "" {
		return "application/octet-stream"
	}
	// Fallback for types not in Go's builtin registry
	fallback := map[string]string{
		".md": "text/markdown", ".yaml": "text/yaml", ".yml": "text/yaml",
		".webp": "image/webp", ".webm": "video/webm", ".heic": "image/heic",
	}
	if m, ok := fallback[ext]; ok {
		return m
	}
	t := mime.TypeByExtension(ext)
	if t != "" {
		if idx := strings.Index(t, ";"); idx > 0 {
			t = strings.TrimSpace(t[:idx])
		}
		return t
	}
	return "application/octet-stream"
}
