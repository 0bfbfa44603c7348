package oracle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stockexchange-v1/internal/model"
)

func newTestClient(t *testing.T, h http.HandlerFunc, mutate func(c *ClientConfig)) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	cfg := ClientConfig{
		BaseURL:         srv.URL,
		Timeout:         200 * time.Millisecond,
		RateLimitPerSec: 1000,
		BreakerFailures: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	c, err := NewClient(cfg)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestPrice_Success(t *testing.T) {
	var gotSymbol, gotPath string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSymbol = r.URL.Query().Get("symbol")
		w.Write([]byte(`{"price": 10.25}`))
	}, nil)

	price, err := c.Price(context.Background(), "APPL")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("10.25")) {
		t.Errorf("expected 10.25, got %s", price)
	}
	if gotSymbol != "APPL" || gotPath != "/stock/v1/current" {
		t.Errorf("unexpected request path=%s symbol=%s", gotPath, gotSymbol)
	}
}

func TestPrice_StringPrice(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": "187.42"}`))
	}, nil)

	price, err := c.Price(context.Background(), "APPL")
	if err != nil {
		t.Fatalf("Price: %v", err)
	}
	if price.String() != "187.42" {
		t.Errorf("expected 187.42, got %s", price)
	}
}

func TestPrice_FailuresAreUnavailable(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "boom", http.StatusInternalServerError)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`not json`))
		}},
		{"missing price", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{}`))
		}},
		{"zero price", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"price": 0}`))
		}},
		{"negative price", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{"price": -3}`))
		}},
		{"timeout", func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(time.Second):
			case <-r.Context().Done():
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, tt.handler, nil)
			price, err := c.Price(context.Background(), "APPL")
			if !errors.Is(err, model.ErrPriceUnavailable) {
				t.Fatalf("expected ErrPriceUnavailable, got %v", err)
			}
			if !price.IsZero() {
				t.Errorf("expected no price on failure, got %s", price)
			}
		})
	}
}

func TestPrice_BreakerShortCircuits(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}, func(cfg *ClientConfig) {
		cfg.BreakerFailures = 2
		cfg.BreakerCoolDown = time.Minute
	})

	for i := 0; i < 4; i++ {
		if _, err := c.Price(context.Background(), "APPL"); !errors.Is(err, model.ErrPriceUnavailable) {
			t.Fatalf("call %d: expected ErrPriceUnavailable, got %v", i, err)
		}
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("expected 2 upstream calls before the circuit opened, got %d", n)
	}
	if c.Breaker().State() != StateOpen {
		t.Errorf("expected open breaker, got %v", c.Breaker().State())
	}
}

func TestPrice_Observe(t *testing.T) {
	var observed atomic.Int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": 1}`))
	}, func(cfg *ClientConfig) {
		cfg.Observe = func(time.Duration, error) { observed.Add(1) }
	})

	c.Price(context.Background(), "A")
	c.Price(context.Background(), "B")
	if observed.Load() != 2 {
		t.Errorf("expected 2 observations, got %d", observed.Load())
	}
}
