package matrixservice

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
)

// Transport handles low-level HTTP communication with the homeserver.
// Dynamic server JSON is parsed into typed structs here, at the boundary;
// any failure — network, non-2xx status, malformed body — maps to
// *FederationError. Retry policy belongs to the caller, not this layer.
type Transport struct {
	baseURL     string
	accessToken string
	client      *http.Client
	logger      *log.Logger
}

// NewTransport creates a new HTTP transport for the homeserver API.
func NewTransport(baseURL, accessToken string, tlsConf *tls.Config, logger *log.Logger) *Transport {
	client := &http.Client{}
	if tlsConf != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConf}
	}
	return &Transport{
		baseURL:     baseURL,
		accessToken: accessToken,
		client:      client,
		logger:      logger,
	}
}

// logf logs a message if the logger is non-nil.
func logf(logger *log.Logger, format string, args ...any) {
	if logger != nil {
		logger.Printf(format, args...)
	}
}

// GetJSON performs a GET request and unmarshals the response into result.
func (t *Transport) GetJSON(ctx context.Context, path string, result any) error {
	return t.doJSON(ctx, http.MethodGet, path, nil, result)
}

// PostJSON performs a POST request with a JSON body and unmarshals the
// response into result.
func (t *Transport) PostJSON(ctx context.Context, path string, body, result any) error {
	return t.doJSON(ctx, http.MethodPost, path, body, result)
}

// PutJSON performs a PUT request with a JSON body and unmarshals the
// response into result.
func (t *Transport) PutJSON(ctx context.Context, path string, body, result any) error {
	return t.doJSON(ctx, http.MethodPut, path, body, result)
}

func (t *Transport) doJSON(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &FederationError{Method: method, Path: path, Err: fmt.Errorf("marshal request: %w", err)}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return &FederationError{Method: method, Path: path, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+t.accessToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &FederationError{Method: method, Path: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &FederationError{Method: method, Path: path, Status: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}

	logf(t.logger, "http %s %s → %d", method, req.URL.Path, resp.StatusCode)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &FederationError{Method: method, Path: path, Status: resp.StatusCode,
			Err: fmt.Errorf("server error: %s", bytes.TrimSpace(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return &FederationError{Method: method, Path: path, Status: resp.StatusCode,
				Err: fmt.Errorf("unmarshal response: %w", err)}
		}
	}
	return nil
}
