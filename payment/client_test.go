package payment

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMinorUnits(t *testing.T) {
	cases := []struct {
		in   float64
		want int64
	}{
		{500, 50000},
		{49.99, 4999},
		{0.1 + 0.2, 30}, // float noise must not leak into the wire amount
		{1234.565, 123457},
	}
	for _, tc := range cases {
		if got := minorUnits(tc.in); got != tc.want {
			t.Errorf("minorUnits(%v) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

func TestCreateHold_CreatesAndConfirms(t *testing.T) {
	var paths []string
	var sentAmount string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/v1/payment_intents" {
			r.ParseForm()
			sentAmount = r.PostForm.Get("amount")
			json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "status": "requires_confirmation"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":            "pi_1",
			"status":        "requires_action",
			"client_secret": "pi_1_secret",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", nil)
	hold, err := c.CreateHold(context.Background(), 1250.50, "USD", "", map[string]string{"booking_id": "bk-1"})
	if err != nil {
		t.Fatalf("create hold: %v", err)
	}
	if hold.ID != "pi_1" || hold.ClientSecret != "pi_1_secret" {
		t.Fatalf("unexpected hold %+v", hold)
	}
	if !hold.Actionable() {
		t.Fatal("expected actionable hold")
	}
	if sentAmount != "125050" {
		t.Fatalf("expected amount in minor units, got %q", sentAmount)
	}
	if len(paths) != 2 || paths[1] != "/v1/payment_intents/pi_1/confirm" {
		t.Fatalf("expected create then confirm, got %v", paths)
	}
}

func TestResolveCharge_LatestCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "status": "succeeded", "latest_charge": "ch_9"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", nil)
	chargeID, err := c.ResolveCharge(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chargeID != "ch_9" {
		t.Fatalf("expected ch_9, got %q", chargeID)
	}
}

func TestResolveCharge_ListFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/charges" {
			json.NewEncoder(w).Encode(map[string]any{
				"data": []map[string]any{{"id": "ch_list", "status": "succeeded"}},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "status": "succeeded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", nil)
	chargeID, err := c.ResolveCharge(context.Background(), "pi_1")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if chargeID != "ch_list" {
		t.Fatalf("expected ch_list, got %q", chargeID)
	}
}

func TestResolveCharge_NoCharge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/charges" {
			json.NewEncoder(w).Encode(map[string]any{"data": []map[string]any{}})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"id": "pi_1", "status": "requires_payment_method"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", nil)
	if _, err := c.ResolveCharge(context.Background(), "pi_1"); !errors.Is(err, ErrChargeNotFound) {
		t.Fatalf("expected ErrChargeNotFound, got %v", err)
	}
}

func TestCreateTransfer_RequiresSourceCharge(t *testing.T) {
	c := NewClient("http://unused", "sk_test", nil)
	_, err := c.CreateTransfer(context.Background(), 100, "USD", "acct_1", "", nil)
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
}

func TestDo_WrapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"no such intent"}}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "sk_test", nil)
	_, err := c.RetrieveHold(context.Background(), "pi_missing")
	var gwErr *GatewayError
	if !errors.As(err, &gwErr) {
		t.Fatalf("expected GatewayError, got %v", err)
	}
	if gwErr.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", gwErr.StatusCode)
	}
	if gwErr.Op != "retrieve_hold" {
		t.Fatalf("expected op retrieve_hold, got %q", gwErr.Op)
	}
}
