package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestIsActive_AllConditionsMet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active":     true,
			"wallet":     RequiredWallet,
			"interval":   RequiredPlanInterval,
			"amount_usd": 9.99,
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	if !v.IsActive(context.Background(), "pool-access") {
		t.Fatal("expected active entitlement")
	}
}

func TestIsActive_WrongWalletFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active":     true,
			"wallet":     "wrong-wallet",
			"interval":   RequiredPlanInterval,
			"amount_usd": 9.99,
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	if v.IsActive(context.Background(), "pool-access") {
		t.Fatal("expected inactive entitlement for wrong wallet")
	}
}

func TestIsActive_BelowPriceFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active":     true,
			"wallet":     RequiredWallet,
			"interval":   RequiredPlanInterval,
			"amount_usd": 1.00,
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	if v.IsActive(context.Background(), "pool-access") {
		t.Fatal("expected inactive entitlement for insufficient price")
	}
}

func TestIsActive_TransportFailureIsInactive(t *testing.T) {
	v := NewVerifier("https://127.0.0.1:0", "tok", 50*time.Millisecond)
	if v.IsActive(context.Background(), "pool-access") {
		t.Fatal("expected inactive entitlement on transport failure")
	}
}

func TestIsActive_StringAmountParses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"active":     true,
			"wallet":     RequiredWallet,
			"interval":   RequiredPlanInterval,
			"amount_usd": "12.50",
		})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	if !v.IsActive(context.Background(), "pool-access") {
		t.Fatal("expected active entitlement with string amount")
	}
}

func TestBeginCheckout_ReturnsBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"session_id": "sess-1", "checkout_url": "https://pay.example/sess-1"})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	body, err := v.BeginCheckout(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["session_id"] != "sess-1" {
		t.Errorf("session_id: got %v, want sess-1", body["session_id"])
	}
}

func TestPollCheckout_ReturnsBodyVerbatim(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"status": "complete"})
	}))
	defer srv.Close()

	v := NewVerifier(srv.URL, "tok", time.Second)
	body, err := v.PollCheckout(context.Background(), "sess-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if body["status"] != "complete" {
		t.Errorf("status: got %v, want complete", body["status"])
	}
}
