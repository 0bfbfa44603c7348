// Command pricefeed is a demo price service for running orderd without a
// real market data provider. It random-walks a fixed set of symbols and
// serves them the way the price oracle client expects:
//
//	GET /stock/v1/current?symbol=AAPL  ->  {"symbol":"AAPL","price":"151.23"}
//	GET /ws                            ->  stream of {"symbol","price","ts"}
//
// Config (env vars):
//
//	PRICEFEED_ADDR         listen address (default ":9001")
//	PRICEFEED_SYMBOLS      comma-separated SYMBOL:PRICE pairs (default "AAPL:150,MSFT:300,TSLA:200")
//	PRICEFEED_INTERVAL_MS  walk interval in milliseconds (default "1000")
package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"stockexchange-v1/internal/logger"
)

var minPrice = decimal.New(1, -2)

type quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	TS     time.Time       `json:"ts"`
}

// book holds the current simulated price of every symbol.
type book struct {
	mu     sync.RWMutex
	prices map[string]decimal.Decimal
	rng    *rand.Rand
}

func newBook(prices map[string]decimal.Decimal, seed int64) *book {
	return &book{prices: prices, rng: rand.New(rand.NewSource(seed))}
}

func (b *book) price(symbol string) (decimal.Decimal, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	p, ok := b.prices[strings.ToUpper(symbol)]
	return p, ok
}

// walk moves every price by up to ±0.5% and returns the new quotes.
func (b *book) walk(now time.Time) []quote {
	b.mu.Lock()
	defer b.mu.Unlock()
	quotes := make([]quote, 0, len(b.prices))
	for sym, p := range b.prices {
		pct := decimal.NewFromFloat(b.rng.Float64()*0.01 - 0.005)
		next := p.Add(p.Mul(pct)).Round(2)
		if next.LessThan(minPrice) {
			next = minPrice
		}
		b.prices[sym] = next
		quotes = append(quotes, quote{Symbol: sym, Price: next, TS: now})
	}
	return quotes
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]chan []byte
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]chan []byte)}
}

func (h *hub) register(conn *websocket.Conn) chan []byte {
	ch := make(chan []byte, 256)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		close(ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.clients {
		select {
		case ch <- msg:
		default: // slow client, drop
		}
	}
}

// ─── HTTP ─────────────────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func newRouter(b *book, h *hub, log *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/stock/v1/current", currentHandler(b)).Methods(http.MethodGet)
	r.HandleFunc("/ws", wsHandler(h, log))
	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"pricefeed"}`)
	})
	return r
}

func currentHandler(b *book) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		symbol := strings.TrimSpace(r.URL.Query().Get("symbol"))
		if symbol == "" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "symbol is required"})
			return
		}
		p, ok := b.price(symbol)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "unknown symbol"})
			return
		}
		json.NewEncoder(w).Encode(quote{Symbol: strings.ToUpper(symbol), Price: p, TS: time.Now().UTC()})
	}
}

func wsHandler(h *hub, log *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade error", "error", err)
			return
		}
		log.Info("client connected", "remote", r.RemoteAddr)

		ch := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		for msg := range ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

func runWalker(b *book, h *hub, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			for _, q := range b.walk(now.UTC()) {
				msg, err := json.Marshal(q)
				if err != nil {
					continue
				}
				h.broadcast(msg)
			}
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log := logger.Init("pricefeed", slog.LevelInfo)

	addr := envOrDefault("PRICEFEED_ADDR", ":9001")
	prices, err := parseSymbols(envOrDefault("PRICEFEED_SYMBOLS", "AAPL:150,MSFT:300,TSLA:200"))
	if err != nil {
		log.Error("bad PRICEFEED_SYMBOLS", "error", err)
		os.Exit(1)
	}
	interval := time.Duration(envIntOrDefault("PRICEFEED_INTERVAL_MS", 1000)) * time.Millisecond

	b := newBook(prices, time.Now().UnixNano())
	h := newHub()
	stop := make(chan struct{})
	go runWalker(b, h, interval, stop)

	srv := &http.Server{Addr: addr, Handler: newRouter(b, h, log), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info("listening", "addr", addr, "symbols", len(prices), "interval", interval)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	close(stop)
	srv.Close()
	log.Info("stopped")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func parseSymbols(s string) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, price, ok := strings.Cut(part, ":")
		if !ok {
			return nil, fmt.Errorf("bad entry %q, want SYMBOL:PRICE", part)
		}
		p, err := decimal.NewFromString(strings.TrimSpace(price))
		if err != nil || !p.IsPositive() {
			return nil, fmt.Errorf("bad price in %q", part)
		}
		prices[strings.ToUpper(strings.TrimSpace(sym))] = p
	}
	if len(prices) == 0 {
		return nil, fmt.Errorf("no symbols configured")
	}
	return prices, nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
