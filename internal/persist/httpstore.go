package persist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/sanadflow/collab/internal/codec"
)

// snapshotBody is the JSON shape of the relay's snapshot API.
type snapshotBody struct {
	State     string    `json:"state"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HTTPStore is a Store speaking the relay server's snapshot API. A 404 from
// the server is reported as ErrSnapshotNotFound, i.e. a fresh document.
type HTTPStore struct {
	baseURL *url.URL
	client  *http.Client
}

// NewHTTPStore creates a store client for the relay at baseURL. A nil
// httpClient falls back to http.DefaultClient.
func NewHTTPStore(baseURL string, httpClient *http.Client) (*HTTPStore, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse store base url: %w", err)
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &HTTPStore{baseURL: parsed, client: httpClient}, nil
}

// LoadSnapshot fetches the current snapshot for a document.
func (h *HTTPStore) LoadSnapshot(ctx context.Context, documentID string) (Snapshot, error) {
	endpoint := h.baseURL.JoinPath("documents", documentID, "state")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("fetch snapshot %q: %w", documentID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return Snapshot{}, ErrSnapshotNotFound
	default:
		return Snapshot{}, fmt.Errorf("fetch snapshot %q: unexpected status %d", documentID, resp.StatusCode)
	}

	var body snapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot response: %w", err)
	}

	state, err := codec.DecodeString(body.State)
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %q: %w", documentID, err)
	}

	return Snapshot{
		DocumentID: documentID,
		State:      state,
		UpdatedAt:  body.UpdatedAt,
	}, nil
}

// SaveSnapshot uploads the snapshot for a document.
func (h *HTTPStore) SaveSnapshot(ctx context.Context, documentID string, state []byte) (time.Time, error) {
	endpoint := h.baseURL.JoinPath("documents", documentID, "state")

	payload, err := json.Marshal(snapshotBody{State: codec.EncodeString(state)})
	if err != nil {
		return time.Time{}, fmt.Errorf("encode snapshot request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint.String(), bytes.NewReader(payload))
	if err != nil {
		return time.Time{}, fmt.Errorf("build snapshot request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return time.Time{}, fmt.Errorf("upload snapshot %q: %w", documentID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return time.Time{}, fmt.Errorf("upload snapshot %q: unexpected status %d", documentID, resp.StatusCode)
	}

	var body snapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return time.Time{}, fmt.Errorf("decode snapshot response: %w", err)
	}

	return body.UpdatedAt, nil
}

// Ensure HTTPStore implements Store.
var _ Store = (*HTTPStore)(nil)
