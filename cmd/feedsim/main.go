// Command feedsim serves a local WebSocket trade feed for staging.
// Speaks the same protocol as the production feed: clients send
// {"type":"subscribe","symbol":S} and receive
//
//	{"type":"trade","data":[{"s":"BINANCE:BTCUSDT","p":64012.5,"v":0.12,"t":1709287205000}]}
//
// for subscribed symbols, plus a {"type":"ping"} every 30 seconds.
//
// Config (env vars):
//
//	FEEDSIM_ADDR         listen address (default ":9001")
//	FEEDSIM_SYMBOLS      comma-separated SYMBOL=START_PRICE pairs (default "BINANCE:BTCUSDT=64000")
//	FEEDSIM_INTERVAL_MS  trade interval per symbol in milliseconds (default 100)
//	FEEDSIM_TOKEN        when set, clients must pass ?token=<value>
package main

import (
	"encoding/json"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"market-pipeline/internal/logger"

	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

type trade struct {
	Symbol string  `json:"s"`
	Price  float64 `json:"p"`
	Volume float64 `json:"v"`
	TimeMs int64   `json:"t"`
}

type tradeFrame struct {
	Type string  `json:"type"`
	Data []trade `json:"data"`
}

type controlFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu   sync.RWMutex
	subs map[string]bool
}

func (c *client) subscribed(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[symbol]
}

func (c *client) setSubscription(symbol string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.subs[symbol] = true
	} else {
		delete(c.subs, symbol)
	}
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register() *client {
	c := &client{send: make(chan []byte, 256), subs: make(map[string]bool)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// publish sends msg to every client subscribed to symbol; "" means all clients.
func (h *hub) publish(symbol string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if symbol != "" && !c.subscribed(symbol) {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop trade
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub, token string) http.HandlerFunc {
	log := slog.With("component", "feedsim")
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" && r.URL.Query().Get("token") != token {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("upgrade error", "err", err)
			return
		}
		log.Info("client connected", "remote", r.RemoteAddr)

		c := h.register()
		defer func() {
			h.unregister(c)
			conn.Close()
			log.Info("client disconnected", "remote", r.RemoteAddr)
		}()

		// Read pump: applies subscribe/unsubscribe frames.
		go func() {
			defer h.unregister(c)
			for {
				var f controlFrame
				if err := conn.ReadJSON(&f); err != nil {
					return
				}
				switch f.Type {
				case "subscribe":
					c.setSubscription(f.Symbol, true)
				case "unsubscribe":
					c.setSubscription(f.Symbol, false)
				}
			}
		}()

		// Write pump.
		for msg := range c.send {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}

// ─── Trade generator ─────────────────────────────────────────────────────────

// walkPrice applies a small random walk (±0.1%) to simulate price movement.
func walkPrice(rng *rand.Rand, price float64) float64 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := price * (1 + pct)
	if next < 0.01 {
		next = 0.01
	}
	return next
}

func nextFrame(rng *rand.Rand, inst *instrument, now time.Time) []byte {
	inst.Price = walkPrice(rng, inst.Price)
	b, _ := json.Marshal(tradeFrame{
		Type: "trade",
		Data: []trade{{
			Symbol: inst.Symbol,
			Price:  inst.Price,
			Volume: float64(rng.Intn(100)+1) / 100,
			TimeMs: now.UnixMilli(),
		}},
	})
	return b
}

func runGenerator(h *hub, instruments []instrument, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	pinger := time.NewTicker(pingInterval)
	defer pinger.Stop()

	ping, _ := json.Marshal(controlFrame{Type: "ping"})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		select {
		case now := <-ticker.C:
			for i := range instruments {
				h.publish(instruments[i].Symbol, nextFrame(rng, &instruments[i], now))
			}
		case <-pinger.C:
			h.publish("", ping)
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log := logger.Init("feedsim", slog.LevelInfo)

	addr := envOrDefault("FEEDSIM_ADDR", ":9001")
	instruments := parseInstruments(envOrDefault("FEEDSIM_SYMBOLS", "BINANCE:BTCUSDT=64000"))
	intervalMs := envIntOrDefault("FEEDSIM_INTERVAL_MS", 100)
	token := os.Getenv("FEEDSIM_TOKEN")

	if len(instruments) == 0 {
		log.Error("no instruments configured via FEEDSIM_SYMBOLS")
		os.Exit(1)
	}
	log.Info("starting", "instruments", instruments, "interval_ms", intervalMs)

	h := newHub()
	go runGenerator(h, instruments, time.Duration(intervalMs)*time.Millisecond)

	mux := http.NewServeMux()
	mux.HandleFunc("/", wsHandler(h, token))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"feedsim"}`))
	})

	log.Info("listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error("server error", "err", err)
		os.Exit(1)
	}
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments reads SYMBOL=PRICE pairs. Symbols may contain colons.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		sym, priceStr, found := strings.Cut(part, "=")
		sym = strings.TrimSpace(sym)
		price := 100.0
		if found {
			p, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64)
			if err != nil || p <= 0 {
				slog.Warn("skipping invalid instrument", "entry", part)
				continue
			}
			price = p
		}
		if sym == "" {
			continue
		}
		result = append(result, instrument{Symbol: sym, Price: price})
	}
	return result
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
