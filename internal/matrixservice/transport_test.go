package matrixservice

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestTransportMapsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"errcode":"M_UNKNOWN"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "secret", nil, nil)
	var out map[string]any
	err := tr.PostJSON(context.Background(), "/keys/query", map[string]any{}, &out)

	var fedErr *FederationError
	if !errors.As(err, &fedErr) {
		t.Fatalf("error = %v, want *FederationError", err)
	}
	if fedErr.Status != http.StatusInternalServerError || fedErr.Path != "/keys/query" {
		t.Fatalf("FederationError = %+v", fedErr)
	}
}

func TestTransportMapsMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "", nil, nil)
	var out map[string]any
	err := tr.GetJSON(context.Background(), "/sync", &out)

	var fedErr *FederationError
	if !errors.As(err, &fedErr) {
		t.Fatalf("error = %v, want *FederationError", err)
	}
}

func TestTransportSendsBearerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		w.Write([]byte("{}"))
	}))
	defer srv.Close()

	tr := NewTransport(srv.URL, "token123", nil, nil)
	if err := tr.GetJSON(context.Background(), "/sync", nil); err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != "Bearer token123" {
		t.Fatalf("Authorization = %q", got)
	}
}

func TestTransportUnreachableServer(t *testing.T) {
	tr := NewTransport("http://127.0.0.1:1", "", nil, nil)
	err := tr.PostJSON(context.Background(), "/keys/claim", map[string]any{}, nil)

	var fedErr *FederationError
	if !errors.As(err, &fedErr) {
		t.Fatalf("error = %v, want *FederationError", err)
	}
}
