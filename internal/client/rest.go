package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"tasksync/internal/cache"
)

// REST calls the data layer. Failures come back as *cache.RequestFailure, or
// *cache.ValidationFailure for 400 and 422 responses. An expired context is
// returned unwrapped so the cache reports it as a timeout.
type REST struct {
	baseURL string
	token   string
	client  *http.Client
}

func NewREST(baseURL, token string, client *http.Client) *REST {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &REST{baseURL: strings.TrimRight(baseURL, "/"), token: token, client: client}
}

type errorBody struct {
	Code    string          `json:"code"`
	Message string          `json:"error"`
	Details json.RawMessage `json:"details"`
}

// Do sends body as JSON and decodes a 2xx response into out when out is non-nil.
func (r *REST) Do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := sonic.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &cache.RequestFailure{Err: fmt.Errorf("%s %s: %w", method, path, err)}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &cache.RequestFailure{Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := sonic.Unmarshal(data, out); err != nil {
		return &cache.RequestFailure{Status: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func responseError(status int, data []byte) error {
	var body errorBody
	_ = sonic.Unmarshal(data, &body)
	message := body.Message
	if message == "" {
		message = http.StatusText(status)
	}
	failure := cache.RequestFailure{Status: status, Err: errors.New(message)}

	if status != http.StatusBadRequest && status != http.StatusUnprocessableEntity {
		return &failure
	}
	fields := map[string]string{}
	if len(body.Details) > 0 {
		_ = sonic.Unmarshal(body.Details, &fields)
	}
	return &cache.ValidationFailure{RequestFailure: failure, Fields: fields}
}

// Call adapts a data-layer call into a cache request returning the decoded entity.
func Call[T any](r *REST, method, path string, body any) cache.Request[T] {
	return func(ctx context.Context) (T, error) {
		var out T
		if err := r.Do(ctx, method, path, body, &out); err != nil {
			var zero T
			return zero, err
		}
		return out, nil
	}
}
