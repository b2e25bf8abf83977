// Package feed connects to a Finnhub-style trade WebSocket and pushes
// normalized ticks into a sink. Each shard of symbols holds its own
// connection and reconnects with bounded exponential backoff.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"market-pipeline/internal/backoff"
	"market-pipeline/internal/logger"
	"market-pipeline/internal/model"

	"github.com/gorilla/websocket"
	"github.com/pquerna/otp/totp"
)

// OTPHeader carries the time-based one-time code when a TOTP secret is set.
const OTPHeader = "X-Feed-OTP"

// Config holds configuration for the feed client.
type Config struct {
	// URL of the feed WebSocket, e.g. "wss://ws.finnhub.io".
	URL string

	// APIKey is appended as the "token" query parameter.
	APIKey string

	// TOTPSecret, when set, produces a fresh code in OTPHeader on every dial.
	TOTPSecret string

	// Symbols is the initial universe. It fixes the shard count.
	Symbols []string
	Shards  int

	// Registry, when set, is re-read before every session so universe
	// changes reach the next subscribe. Symbols is used if it fails.
	Registry Registry

	Backoff backoff.Policy

	// HandshakeTimeout bounds the dial. Defaults to 10s.
	HandshakeTimeout time.Duration

	// ReadTimeout closes a connection that has been silent this long.
	// Zero disables the deadline.
	ReadTimeout time.Duration
}

func (c *Config) defaults() {
	if c.Shards < 1 {
		c.Shards = 1
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	// Shards reconnect until cancelled.
	c.Backoff.MaxAttempts = 0
}

// Client streams ticks from the feed into a model.TickSink.
type Client struct {
	cfg    Config
	mu     sync.Mutex
	shards [][]string
	states []atomic.Int32
	log    *slog.Logger
	now    func() time.Time

	// Optional metrics hooks. They may be called from several shard goroutines.
	OnState     func(shard int, s State)
	OnReconnect func(shard int)
	OnMalformed func(n int)
	OnTicks     func(n int, at time.Time)
}

// New validates cfg and splits its symbols into shards.
func New(cfg Config) (*Client, error) {
	cfg.defaults()
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("%w: feed has no symbols", model.ErrConfiguration)
	}
	if _, err := cfg.dialURL(); err != nil {
		return nil, err
	}

	shards := shardSymbols(cfg.Symbols, cfg.Shards)
	return &Client{
		cfg:    cfg,
		shards: shards,
		states: make([]atomic.Int32, len(shards)),
		log:    slog.With("component", "feed"),
		now:    time.Now,
	}, nil
}

// Shards returns the symbols currently assigned to each shard.
func (c *Client) Shards() [][]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]string, len(c.shards))
	for i, syms := range c.shards {
		out[i] = append([]string(nil), syms...)
	}
	return out
}

// sessionSymbols returns the symbols shard subscribes to on its next session.
func (c *Client) sessionSymbols(ctx context.Context, shard int) []string {
	if c.cfg.Registry == nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		return c.shards[shard]
	}

	all, err := c.cfg.Registry.Symbols(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.Warn("symbol registry unavailable, keeping previous assignment", "shard", shard, "err", err)
		return c.shards[shard]
	}
	var mine []string
	if len(all) > 0 {
		if assigned := shardSymbols(all, len(c.shards)); shard < len(assigned) {
			mine = assigned[shard]
		}
	}
	c.shards[shard] = mine
	return mine
}

func (c *Client) setState(shard int, s State) {
	if State(c.states[shard].Swap(int32(s))) == s {
		return
	}
	if c.OnState != nil {
		c.OnState(shard, s)
	}
}

func (c *Config) dialURL() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("%w: feed url: %v", model.ErrConfiguration, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: feed url scheme %q", model.ErrConfiguration, u.Scheme)
	}
	if c.APIKey != "" {
		q := u.Query()
		q.Set("token", c.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Run connects every shard and streams ticks into sink until ctx is cancelled.
func (c *Client) Run(ctx context.Context, sink model.TickSink) {
	var wg sync.WaitGroup
	for i := range c.states {
		wg.Add(1)
		go func(shard int) {
			defer wg.Done()
			c.runShard(ctx, shard, sink)
		}(i)
	}
	wg.Wait()
}

var errNoSymbols = errors.New("no symbols assigned to shard")

func (c *Client) runShard(ctx context.Context, shard int, sink model.TickSink) {
	st := c.cfg.Backoff.Start()
	for {
		var streamed bool
		var err error
		if symbols := c.sessionSymbols(ctx, shard); len(symbols) > 0 {
			streamed, err = c.session(ctx, shard, symbols, sink)
		} else {
			err = errNoSymbols
		}
		if ctx.Err() != nil {
			c.setState(shard, StateStopped)
			return
		}
		c.setState(shard, StateDisconnected)
		if streamed {
			st = c.cfg.Backoff.Start()
		}

		next, delay, _ := c.cfg.Backoff.Next(st)
		st = next
		c.log.Warn("disconnected, reconnecting", "shard", shard, "err", err, "delay", delay)
		if c.OnReconnect != nil {
			c.OnReconnect(shard)
		}
		if !backoff.Sleep(ctx, delay) {
			c.setState(shard, StateStopped)
			return
		}
	}
}

// session makes one connection attempt and reads until disconnect or
// cancellation. streamed reports whether the connection reached Streaming.
func (c *Client) session(ctx context.Context, shard int, symbols []string, sink model.TickSink) (streamed bool, err error) {
	ctx = logger.WithTraceID(ctx, logger.NewSessionID())
	log := logger.FromContext(ctx, c.log).With("shard", shard)

	c.setState(shard, StateConnecting)
	conn, err := c.dial(ctx)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	log.Info("connected", "symbols", len(symbols))

	// Closes the connection when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
				time.Now().Add(time.Second))
			conn.Close()
		case <-done:
		}
	}()

	for _, s := range symbols {
		if err := conn.WriteJSON(subscribeFrame{Type: "subscribe", Symbol: s}); err != nil {
			return false, fmt.Errorf("%w: subscribe %s: %w", model.ErrTransientIO, s, err)
		}
	}
	c.setState(shard, StateSubscribed)

	for {
		if c.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return streamed, fmt.Errorf("%w: read: %w", model.ErrTransientIO, err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		// Only a trade or ping proves the feed accepted us; an error frame
		// is usually followed by a close.
		if c.handleFrame(log, raw, c.now().UTC(), sink) && !streamed {
			streamed = true
			c.setState(shard, StateStreaming)
		}
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := c.cfg.dialURL()
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	if c.cfg.TOTPSecret != "" {
		code, err := totp.GenerateCode(c.cfg.TOTPSecret, c.now())
		if err != nil {
			return nil, fmt.Errorf("%w: generate totp: %v", model.ErrConfiguration, err)
		}
		header.Set(OTPHeader, code)
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: c.cfg.HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u, header)
	if err != nil {
		status := ""
		if resp != nil {
			status = strconv.Itoa(resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: dial (status %q): %w", model.ErrTransientIO, status, err)
	}
	return conn, nil
}

// handleFrame pushes a frame's ticks into sink. It reports whether the frame parsed.
func (c *Client) handleFrame(log *slog.Logger, raw []byte, receipt time.Time, sink model.TickSink) bool {
	ticks, dropped, err := parseFrame(raw, receipt)
	if err != nil {
		log.Warn("dropping frame", "err", err)
		dropped++
	}

	accepted := 0
	for _, t := range ticks {
		switch err := sink.Append(t); {
		case err == nil:
			accepted++
		case errors.Is(err, model.ErrMalformedInput):
			dropped++
		case errors.Is(err, model.ErrLateTick):
			// counted by the cache
		default:
			log.Error("append tick", "symbol", t.Symbol, "err", err)
		}
	}

	if dropped > 0 && c.OnMalformed != nil {
		c.OnMalformed(dropped)
	}
	if accepted > 0 && c.OnTicks != nil {
		c.OnTicks(accepted, receipt)
	}
	return err == nil
}
