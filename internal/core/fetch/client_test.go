package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediagrab/mediagrab/internal/core/mediaerr"
)

func TestGetText(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.Write([]byte("#EXTM3U\n"))
	}))
	defer srv.Close()

	c := New()
	text, err := c.GetText(context.Background(), srv.URL, nil)
	if err != nil {
		t.Fatal(err)
	}
	if text != "#EXTM3U\n" {
		t.Errorf("unexpected body: %q", text)
	}
}

func TestGetText_CustomHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Referer") != "https://page.example.com" {
			t.Errorf("expected Referer header, got %q", r.Header.Get("Referer"))
		}
	}))
	defer srv.Close()

	c := New()
	_, err := c.GetText(context.Background(), srv.URL, map[string]string{"Referer": "https://page.example.com"})
	if err != nil {
		t.Fatal(err)
	}
}

func TestGetBytes_RetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	c := New()
	data, err := c.GetBytes(context.Background(), srv.URL, nil, 3)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("unexpected payload: %q", data)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestGetBytes_ExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New()
	_, err := c.GetBytes(context.Background(), srv.URL, nil, 2)
	e, ok := err.(*mediaerr.Error)
	if !ok || e.Kind != mediaerr.KindFetch {
		t.Fatalf("expected Fetch error, got %v", err)
	}
}

func TestGetBytes_CancelStopsRetryLoop(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	c := New()
	_, err := c.GetBytes(ctx, srv.URL, nil, 100)
	if !mediaerr.IsCancelled(err) {
		t.Fatalf("expected Cancelled, got %v", err)
	}
}
