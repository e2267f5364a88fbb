package companion

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sethvargo/go-retry"
)

// RemoteStore is the networked document store the synchronizer writes through
// to. The core treats it as a black box: no cross-document transactions are
// assumed, and every error is either queued for retry or absorbed.
type RemoteStore interface {
	Create(ctx context.Context, collectionPath string, rec RemoteNewRecord) (*Record, error)
	Update(ctx context.Context, docPath string, rec RemoteNewRecord) error
	Delete(ctx context.Context, docPath string) error
	Query(ctx context.Context, collectionPath string, q RemoteQuery) ([]Record, error)
	Get(ctx context.Context, docPath string) (*Record, error)
	Ping(ctx context.Context) error
}

// RemoteNewRecord is the payload for remote create and update operations.
type RemoteNewRecord struct {
	Date    string          `json:"date,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// RemoteQuery filters a remote collection read.
type RemoteQuery struct {
	Since string
	Until string
	Limit int
}

// CollectionPath builds the remote path for an owner's collection.
func CollectionPath(ownerID string, dt DataType) string {
	return fmt.Sprintf("owners/%s/%s", url.PathEscape(ownerID), dt)
}

// DocPath builds the remote path for a single document.
func DocPath(ownerID string, dt DataType, id string) string {
	return fmt.Sprintf("%s/%s", CollectionPath(ownerID, dt), url.PathEscape(id))
}

// HTTPRemoteStore talks to an Anchor record service over HTTP.
type HTTPRemoteStore struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPRemoteStore creates a remote store client for the service at baseURL.
func NewHTTPRemoteStore(baseURL, apiKey string) *HTTPRemoteStore {
	return &HTTPRemoteStore{
		baseURL: baseURL,
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// remoteError is a non-2xx response from the record service.
type remoteError struct {
	status int
	body   string
}

func (e *remoteError) Error() string {
	return fmt.Sprintf("remote store returned %d: %s", e.status, e.body)
}

// Create creates a document in the collection and returns the confirmed
// record carrying its durable id.
func (s *HTTPRemoteStore) Create(ctx context.Context, collectionPath string, rec RemoteNewRecord) (*Record, error) {
	resp, err := s.send(ctx, http.MethodPost, "/api/v1/"+collectionPath, rec)
	if err != nil {
		return nil, err
	}

	var confirmed Record
	if err := json.Unmarshal(resp, &confirmed); err != nil {
		return nil, fmt.Errorf("decode create response: %w", err)
	}
	return &confirmed, nil
}

// Update replaces a document's payload.
func (s *HTTPRemoteStore) Update(ctx context.Context, docPath string, rec RemoteNewRecord) error {
	_, err := s.send(ctx, http.MethodPut, "/api/v1/"+docPath, rec)
	return err
}

// Delete removes a document.
func (s *HTTPRemoteStore) Delete(ctx context.Context, docPath string) error {
	_, err := s.send(ctx, http.MethodDelete, "/api/v1/"+docPath, nil)
	return err
}

// Query reads a collection. Queries are idempotent, so transient failures are
// retried with bounded exponential backoff before giving up.
func (s *HTTPRemoteStore) Query(ctx context.Context, collectionPath string, q RemoteQuery) ([]Record, error) {
	path := "/api/v1/" + collectionPath
	params := url.Values{}
	if q.Since != "" {
		params.Set("since", q.Since)
	}
	if q.Until != "" {
		params.Set("until", q.Until)
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", q.Limit))
	}
	if encoded := params.Encode(); encoded != "" {
		path += "?" + encoded
	}

	var result struct {
		Records []Record `json:"records"`
	}
	err := retry.Do(ctx, readBackoff(), func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			return markRetryable(err)
		}
		if err := json.Unmarshal(resp, &result); err != nil {
			return fmt.Errorf("decode query response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result.Records, nil
}

// Get reads a single document.
func (s *HTTPRemoteStore) Get(ctx context.Context, docPath string) (*Record, error) {
	var rec Record
	err := retry.Do(ctx, readBackoff(), func(ctx context.Context) error {
		resp, err := s.send(ctx, http.MethodGet, "/api/v1/"+docPath, nil)
		if err != nil {
			return markRetryable(err)
		}
		if err := json.Unmarshal(resp, &rec); err != nil {
			return fmt.Errorf("decode get response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Ping checks connectivity against the service health endpoint.
func (s *HTTPRemoteStore) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/api/v1/health", nil)
	if err != nil {
		return err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: %d", resp.StatusCode)
	}
	return nil
}

// readBackoff bounds retries on idempotent reads: three attempts total with
// exponential backoff starting at 200ms.
func readBackoff() retry.Backoff {
	return retry.WithMaxRetries(2, retry.NewExponential(200*time.Millisecond))
}

// markRetryable wraps transport errors and 5xx responses for retry; 4xx
// responses are permanent and returned as-is.
func markRetryable(err error) error {
	if re, ok := err.(*remoteError); ok && re.status < 500 {
		return err
	}
	return retry.RetryableError(err)
}

// send issues an authenticated request and returns the response body for
// 2xx statuses.
func (s *HTTPRemoteStore) send(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+s.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &remoteError{status: resp.StatusCode, body: string(data)}
	}
	return data, nil
}
