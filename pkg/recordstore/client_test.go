package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRecordMessageWireFormat(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.Write([]byte(`{"result":"success"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)

	if err := c.RecordMessage(context.Background(), "", "Hello"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if len(got) != 1 || got["message"] != "Hello" {
		t.Errorf("body without sender = %v, want {message: Hello}", got)
	}

	got = nil
	if err := c.RecordMessage(context.Background(), "15551234567@s.whatsapp.net", "Hi"); err != nil {
		t.Fatalf("RecordMessage: %v", err)
	}
	if got["sender"] != "15551234567@s.whatsapp.net" || got["message"] != "Hi" {
		t.Errorf("body with sender = %v", got)
	}
}

func TestRecordLocationWireFormat(t *testing.T) {
	var got map[string]float64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if err := New(srv.URL, time.Second).RecordLocation(context.Background(), 1.0, 2.0); err != nil {
		t.Fatalf("RecordLocation: %v", err)
	}
	if got["latitude"] != 1.0 || got["longitude"] != 2.0 {
		t.Errorf("body = %v, want latitude=1 longitude=2", got)
	}
}

func TestQuery(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr error
	}{
		{name: "response", body: `{"response":"a\\nb"}`, want: `a\nb`},
		{name: "empty", body: `{"response":""}`, want: ""},
		{name: "missing field", body: `{"other":1}`, want: ""},
		{name: "null field", body: `{"response":null}`, want: ""},
		{name: "not json", body: `<html>oops</html>`, wantErr: ErrStoreMalformedResponse},
		{name: "wrong type", body: `{"response":42}`, wantErr: ErrStoreMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var gotQuery string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodGet {
					t.Errorf("method = %s, want GET", r.Method)
				}
				gotQuery = r.URL.Query().Get("query")
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			res, err := New(srv.URL, time.Second).Query(context.Background(), "where is my order?")
			if gotQuery != "where is my order?" {
				t.Errorf("query param = %q", gotQuery)
			}
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Query: %v", err)
			}
			if res.Response != tt.want {
				t.Errorf("Response = %q, want %q", res.Response, tt.want)
			}
		})
	}
}

func TestQueryKeepsExistingParams(t *testing.T) {
	var deployment string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deployment = r.URL.Query().Get("deployment")
		w.Write([]byte(`{"response":"ok"}`))
	}))
	defer srv.Close()

	if _, err := New(srv.URL+"?deployment=prod", time.Second).Query(context.Background(), "hi"); err != nil {
		t.Fatalf("Query: %v", err)
	}
	if deployment != "prod" {
		t.Errorf("deployment = %q, want prod", deployment)
	}
}

func TestUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	err := New(url, time.Second).RecordMessage(context.Background(), "", "x")
	if !errors.Is(err, ErrStoreUnreachable) {
		t.Fatalf("err = %v, want ErrStoreUnreachable", err)
	}
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).Query(context.Background(), "x")
	var storeErr *Error
	if !errors.As(err, &storeErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if storeErr.StatusCode != http.StatusServiceUnavailable || storeErr.Op != "query" {
		t.Errorf("got status=%d op=%s", storeErr.StatusCode, storeErr.Op)
	}
	if !errors.Is(err, ErrStoreUnreachable) {
		t.Errorf("non-2xx should match ErrStoreUnreachable")
	}
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	_, err := New(srv.URL, 50*time.Millisecond).Query(context.Background(), "slow")
	if !errors.Is(err, ErrStoreUnreachable) {
		t.Fatalf("err = %v, want ErrStoreUnreachable", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout not enforced, took %s", elapsed)
	}
}

func TestMalformedAcknowledgement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	err := New(srv.URL, time.Second).RecordLocation(context.Background(), 0, 0)
	if !errors.Is(err, ErrStoreMalformedResponse) {
		t.Fatalf("err = %v, want ErrStoreMalformedResponse", err)
	}
}
