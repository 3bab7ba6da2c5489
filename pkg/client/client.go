// Package client provides a Go SDK for the state ledger HTTP API.
// It can be embedded in session routers, agent runtimes, or any service
// that checkpoints state through the ledger.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the state ledger client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	apiKey     string
}

// Config holds client configuration.
type Config struct {
	BaseURL string        // e.g., "http://localhost:7340" or "http://stateledger:7340"
	APIKey  string        // Authentication key
	Timeout time.Duration // Request timeout
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:7340",
		Timeout: 30 * time.Second,
	}
}

// New creates a new state ledger client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// APIError is a non-2xx response from the ledger.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the ledger.
func IsNotFound(err error) bool { return hasStatus(err, http.StatusNotFound) }

// IsConflict reports whether err is a 409, which covers both version
// conflicts and duplicate stream creation.
func IsConflict(err error) bool { return hasStatus(err, http.StatusConflict) }

// IsExpired reports whether err is a 410, returned for streams whose
// current snapshot outlived its TTL.
func IsExpired(err error) bool { return hasStatus(err, http.StatusGone) }

func hasStatus(err error, status int) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == status
}

// --- Snapshots ---

// Snapshot is one persisted version of an entity's state.
type Snapshot struct {
	SnapshotID       string            `json:"snapshot_id"`
	StateType        string            `json:"state_type"`
	EntityID         string            `json:"entity_id"`
	Payload          json.RawMessage   `json:"payload"`
	PayloadFormat    string            `json:"payload_format"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	Version          int64             `json:"version"`
	ParentSnapshotID string            `json:"parent_snapshot_id,omitempty"`
	Checksum         []byte            `json:"checksum"`
	CreatedAt        time.Time         `json:"created_at"`
	ExpiresAt        *time.Time        `json:"expires_at,omitempty"`
	Status           string            `json:"status"`
}

// Transition is one entry of a stream's audit trail.
type Transition struct {
	TransitionID   string            `json:"transition_id"`
	FromSnapshotID string            `json:"from_snapshot_id,omitempty"`
	ToSnapshotID   string            `json:"to_snapshot_id"`
	TransitionType string            `json:"transition_type"`
	Actor          string            `json:"actor"`
	Reason         string            `json:"reason,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// --- State Operations ---

// CreateStateRequest creates the first snapshot of a stream, or version n+1
// when the stream already exists and ExpectNew is false.
type CreateStateRequest struct {
	StateType  string            `json:"-"`
	EntityID   string            `json:"-"`
	Payload    json.RawMessage   `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Actor      string            `json:"actor"`
	TTLSeconds *int64            `json:"ttl_seconds,omitempty"`
	ExpectNew  bool              `json:"expect_new,omitempty"`
}

// CreateState persists a new snapshot for the stream.
func (c *Client) CreateState(ctx context.Context, req *CreateStateRequest) (*Snapshot, error) {
	var resp Snapshot
	err := c.post(ctx, streamPath(req.StateType, req.EntityID), req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetState fetches the current snapshot of a stream.
func (c *Client) GetState(ctx context.Context, stateType, entityID string) (*Snapshot, error) {
	var resp Snapshot
	err := c.get(ctx, streamPath(stateType, entityID), &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// UpdateStateRequest appends a new version on top of the current snapshot.
type UpdateStateRequest struct {
	StateType       string            `json:"-"`
	EntityID        string            `json:"-"`
	Payload         json.RawMessage   `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	Actor           string            `json:"actor"`
	TTLSeconds      *int64            `json:"ttl_seconds,omitempty"`
	ExpectedVersion *int64            `json:"expected_version,omitempty"`
}

// UpdateState appends a new version. Set ExpectedVersion to fail with
// IsConflict when another writer got there first.
func (c *Client) UpdateState(ctx context.Context, req *UpdateStateRequest) (*Snapshot, error) {
	var resp Snapshot
	err := c.put(ctx, streamPath(req.StateType, req.EntityID), req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RollbackState re-issues the payload of targetVersion as a new version at
// the head of the stream. Reason is required.
func (c *Client) RollbackState(ctx context.Context, stateType, entityID string, targetVersion int64, actor, reason string) (*Snapshot, error) {
	var resp Snapshot
	err := c.post(ctx, streamPath(stateType, entityID)+"/rollback", map[string]any{
		"target_version": targetVersion,
		"actor":          actor,
		"reason":         reason,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// RestoreState revives an archived or expired stream with a fresh payload,
// continuing the stream's version sequence.
func (c *Client) RestoreState(ctx context.Context, req *CreateStateRequest) (*Snapshot, error) {
	var resp Snapshot
	err := c.post(ctx, streamPath(req.StateType, req.EntityID)+"/restore", req, &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ArchiveState retires the stream's current snapshot from normal reads.
func (c *Client) ArchiveState(ctx context.Context, stateType, entityID, actor string) error {
	return c.post(ctx, streamPath(stateType, entityID)+"/archive", map[string]string{"actor": actor}, nil)
}

// --- History ---

// History lists snapshots newest first. beforeVersion = 0 starts at the head.
func (c *Client) History(ctx context.Context, stateType, entityID string, limit int, beforeVersion int64) ([]Snapshot, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if beforeVersion > 0 {
		q.Set("before_version", strconv.FormatInt(beforeVersion, 10))
	}

	path := streamPath(stateType, entityID) + "/history"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var resp struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	err := c.get(ctx, path, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Snapshots, nil
}

// Transitions lists the stream's transition log, newest first.
func (c *Client) Transitions(ctx context.Context, stateType, entityID string, limit int) ([]Transition, error) {
	path := streamPath(stateType, entityID) + "/transitions"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}

	var resp struct {
		Transitions []Transition `json:"transitions"`
	}
	err := c.get(ctx, path, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Transitions, nil
}

// GetSnapshot fetches one snapshot by id, regardless of stream position.
func (c *Client) GetSnapshot(ctx context.Context, snapshotID string) (*Snapshot, error) {
	var resp Snapshot
	err := c.get(ctx, "/api/v1/snapshots/"+url.PathEscape(snapshotID), &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// --- Diagnostics ---

// VerifyReport is the server-side integrity check result for a stream.
type VerifyReport struct {
	Stream        string `json:"stream"`
	SnapshotID    string `json:"snapshot_id"`
	StoreVersion  int64  `json:"store_version"`
	CachedVersion int64  `json:"cached_version,omitempty"`
	CacheInSync   bool   `json:"cache_in_sync"`
	ChecksumOK    bool   `json:"checksum_ok"`
}

// Verify asks the server to re-check the stream's current snapshot.
func (c *Client) Verify(ctx context.Context, stateType, entityID string) (*VerifyReport, error) {
	var resp VerifyReport
	err := c.get(ctx, streamPath(stateType, entityID)+"/verify", &resp)
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

func streamPath(stateType, entityID string) string {
	return "/api/v1/streams/" + url.PathEscape(stateType) + "/" + url.PathEscape(entityID)
}

// --- HTTP Helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, http.NoBody)
	if err != nil {
		return err
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result any) error {
	return c.send(ctx, "POST", path, body, result)
}

func (c *Client) put(ctx context.Context, path string, body, result any) error {
	return c.send(ctx, "PUT", path, body, result)
}

func (c *Client) send(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result any) error {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		errBody, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(errBody, &apiErr) != nil || apiErr.Error == "" {
			apiErr.Error = string(errBody)
		}
		return &APIError{StatusCode: resp.StatusCode, Message: apiErr.Error}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
