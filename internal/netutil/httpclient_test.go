package netutil

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestGet_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("expected a User-Agent header")
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	client := NewHTTPClient(2 * time.Second)
	body, _, err := Get(context.Background(), client, srv.URL, GetOptions{RequireStatusOK: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(body) != "ok" {
		t.Errorf("body: got %q, want %q", body, "ok")
	}
}

func TestGet_RequireStatusOKRejectsOthers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewHTTPClient(2 * time.Second)
	_, _, err := Get(context.Background(), client, srv.URL, GetOptions{RequireStatusOK: true})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}

func TestMeasureDatagram(t *testing.T) {
	conn, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	d, err := MeasureDatagram(context.Background(), "udp", conn.LocalAddr().String(), time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d < 0 {
		t.Errorf("expected non-negative duration, got %v", d)
	}
}
