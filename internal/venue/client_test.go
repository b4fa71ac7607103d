package venue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"quorum-trader/pkg/types"
)

// Well-known test key (hardhat account #0); never holds funds.
const testKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	auth, err := NewAuth(testKey, "test-api-key")
	if err != nil {
		t.Fatal(err)
	}
	return NewClient(srv.URL, 5*time.Second, auth, false, testLogger())
}

func newDryRunClient(t *testing.T) *Client {
	t.Helper()
	auth, err := NewAuth(testKey, "test-api-key")
	if err != nil {
		t.Fatal(err)
	}
	return &Client{auth: auth, rl: NewRateLimiter(), dryRun: true, logger: testLogger()}
}

func writeEnvelope(w http.ResponseWriter, errno int, errmsg string, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"errno": errno, "errmsg": errmsg, "data": data})
}

func TestPlaceOrderSuccess(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/orders" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("X-Api-Key") != "test-api-key" {
			t.Error("missing API key header")
		}
		if r.Header.Get("X-Signature") == "" {
			t.Error("missing signature header")
		}
		json.NewDecoder(r.Body).Decode(&gotBody)
		writeEnvelope(w, 0, "", map[string]string{"order_id": "ord-42"})
	}))

	orderID, err := c.PlaceOrder(context.Background(), "mkt-1", "tok-yes", types.BUY, "0.400", 1.50)
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if orderID != "ord-42" {
		t.Errorf("orderID = %q, want ord-42", orderID)
	}
	if gotBody["price"] != "0.400" {
		t.Errorf("price sent = %v, want 0.400", gotBody["price"])
	}
	if gotBody["check_approval"] != true {
		t.Error("check_approval should be true")
	}
}

func TestPlaceOrderBusinessError(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, ErrnoInvalidArea, "Invalid area", nil)
	}))

	_, err := c.PlaceOrder(context.Background(), "mkt-1", "tok-yes", types.BUY, "0.400", 1.50)
	var vbe *types.VenueBusinessError
	if !errors.As(err, &vbe) {
		t.Fatalf("want VenueBusinessError, got %v", err)
	}
	if vbe.Errno != 10403 {
		t.Errorf("errno = %d, want 10403", vbe.Errno)
	}
	if types.IsTransient(err) {
		t.Error("geographic block must not be retryable")
	}
}

func TestPlaceOrderTransientErrno(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, ErrnoBusy, "venue busy", nil)
	}))

	_, err := c.PlaceOrder(context.Background(), "mkt-1", "tok-yes", types.BUY, "0.400", 1.50)
	if !types.IsTransient(err) {
		t.Fatalf("errno 50001 should be transient, got %v", err)
	}
}

func TestMarketNotFoundSkips(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	m, err := c.Market(context.Background(), "gone")
	if err != nil {
		t.Fatalf("404 should not error: %v", err)
	}
	if m != nil {
		t.Error("expected nil market for 404")
	}
}

func TestMarketsPagination(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("limit") != "20" || r.URL.Query().Get("offset") != "40" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		writeEnvelope(w, 0, "", []MarketSummary{
			{MarketID: "m1", Title: "BTC above 100k", Category: "Crypto", Status: "MarketStatus.ACTIVATED", Volume: 5000},
		})
	}))

	page, err := c.Markets(context.Background(), 20, 40)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 1 || page[0].MarketID != "m1" {
		t.Errorf("page = %+v", page)
	}
}

func TestRedeemLowGasDeferred(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, ErrnoLowGas, "insufficient gas", nil)
	}))

	_, err := c.Redeem(context.Background(), "mkt-1")
	if !errors.Is(err, ErrLowGas) {
		t.Fatalf("want ErrLowGas, got %v", err)
	}
}

func TestEnableTradingAuthFailure(t *testing.T) {
	t.Parallel()

	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, ErrnoAuth, "bad credentials", nil)
	}))

	err := c.EnableTrading(context.Background())
	var vbe *types.VenueBusinessError
	if !errors.As(err, &vbe) || vbe.Errno != ErrnoAuth {
		t.Fatalf("want errno 10001, got %v", err)
	}
}

func TestDryRunPlaceAndCancel(t *testing.T) {
	t.Parallel()
	c := newDryRunClient(t)

	orderID, err := c.PlaceOrder(context.Background(), "m", "tok", types.BUY, "0.500", 2)
	if err != nil {
		t.Fatal(err)
	}
	if orderID == "" {
		t.Error("dry-run should return a fake order ID")
	}
	if err := c.CancelOrder(context.Background(), orderID); err != nil {
		t.Fatal(err)
	}
}

func TestFormatPrice(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   float64
		want string
	}{
		{0.4, "0.400"},
		{0.12345, "0.123"},
		{0.9996, "0.999"}, // rounds to 1.000, clamped
		{0.0004, "0.001"}, // rounds to 0.000, clamped
		{1.2, "0.999"},
		{0.6665, "0.667"},
	}
	for _, tc := range cases {
		if got := FormatPrice(tc.in); got != tc.want {
			t.Errorf("FormatPrice(%v) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatAmount(t *testing.T) {
	t.Parallel()

	if got := FormatAmount(1.505); got != 1.51 {
		t.Errorf("FormatAmount(1.505) = %v, want 1.51", got)
	}
	if got := FormatAmount(1.5); got != 1.5 {
		t.Errorf("FormatAmount(1.5) = %v, want 1.5", got)
	}
}

func TestParsePrice(t *testing.T) {
	t.Parallel()

	if v, ok := ParsePrice("0.400"); !ok || v != 0.4 {
		t.Errorf("ParsePrice(0.400) = %v, %v", v, ok)
	}
	if _, ok := ParsePrice(""); ok {
		t.Error("empty price should not parse")
	}
	if _, ok := ParsePrice("abc"); ok {
		t.Error("garbage price should not parse")
	}
}
