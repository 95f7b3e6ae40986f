package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gorilla/websocket"

	"quire/api/internal/crdt"
)

type ClientConfig struct {
	// URL is the room's sync endpoint, e.g. ws://host/api/rooms/{id}/sync.
	URL    string
	Token  string
	Header http.Header

	Attempts       uint
	RetryInterval  time.Duration
	MaxRetryDelay  time.Duration
	ConnectTimeout time.Duration
	WriteTimeout   time.Duration

	Logger *slog.Logger
	// OnError receives errors the server reports for this connection,
	// such as rejected writes.
	OnError func(msg string)
}

// Client keeps a local replica in sync with a room on the relay. Local
// writes are pushed by a background writer so they never wait on the
// network; remote ops are applied as they arrive.
type Client struct {
	cfg    ClientConfig
	conn   *websocket.Conn
	m      *crdt.Map
	logger *slog.Logger

	writeMu sync.Mutex
	stop    func()
	kick    chan struct{}
	quit    chan struct{}
	writer  sync.WaitGroup
	done    chan struct{}
	closed  sync.Once
}

var errUnauthorized = errors.New("relay rejected credentials")

// Dial connects, waits for the room snapshot and starts syncing m.
func Dial(ctx context.Context, cfg ClientConfig, m *crdt.Map) (*Client, error) {
	if cfg.Attempts == 0 {
		cfg.Attempts = 5
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 250 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if cfg.Token != "" {
		header.Set("Authorization", "Bearer "+cfg.Token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout}

	var conn *websocket.Conn
	err := retry.Do(func() error {
		connCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
		c, resp, err := dialer.DialContext(connCtx, cfg.URL, header)
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				return retry.Unrecoverable(fmt.Errorf("%w: status %d", errUnauthorized, resp.StatusCode))
			}
			return err
		}
		conn = c
		return nil
	},
		retry.Attempts(cfg.Attempts),
		retry.DelayType(retry.BackOffDelay),
		retry.Delay(cfg.RetryInterval),
		retry.MaxDelay(cfg.MaxRetryDelay),
		retry.MaxJitter(cfg.RetryInterval/5),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			logger.Info("retrying connection", "url", cfg.URL, "attempt", n+1, "err", err)
		}),
		retry.Context(ctx),
	)
	if err != nil {
		return nil, fmt.Errorf("dial relay: %w", err)
	}

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if first.Type != MessageSnapshot {
		_ = conn.Close()
		return nil, fmt.Errorf("relay: expected snapshot, got %s %s", first.Type, first.Error)
	}
	m.Apply(first.Ops)

	c := &Client{
		cfg:    cfg,
		conn:   conn,
		m:      m,
		logger: logger,
		kick:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	c.stop = m.Observe(func(u crdt.Update) {
		if u.Origin != crdt.Local {
			return
		}
		select {
		case c.kick <- struct{}{}:
		default:
		}
	})
	// writes made before the connection existed
	if err := c.Flush(); err != nil {
		c.stop()
		_ = conn.Close()
		return nil, err
	}
	c.writer.Add(1)
	go c.writeLoop()
	go c.readLoop()
	return c, nil
}

// Flush sends every local op not yet sent. Ops that fail to send stay
// pending for the next Flush or the next Dial with the same map.
func (c *Client) Flush() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ops := c.m.Drain()
	if len(ops) == 0 {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(Message{Type: MessageOps, Ops: ops}); err != nil {
		c.m.Requeue(ops)
		return fmt.Errorf("push ops: %w", err)
	}
	return nil
}

func (c *Client) writeLoop() {
	defer c.writer.Done()
	for {
		select {
		case <-c.quit:
			return
		case <-c.done:
			return
		case <-c.kick:
			if err := c.Flush(); err != nil {
				c.logger.Warn("failed to push ops", "err", err)
			}
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			c.logger.Debug("relay connection ended", "err", err)
			return
		}
		switch msg.Type {
		case MessageOps, MessageSnapshot:
			c.m.Apply(msg.Ops)
		case MessageError:
			c.logger.Warn("relay error", "err", msg.Error)
			if c.cfg.OnError != nil {
				c.cfg.OnError(msg.Error)
			}
		}
	}
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	var err error
	c.closed.Do(func() {
		c.stop()
		close(c.quit)
		c.writer.Wait()
		if flushErr := c.Flush(); flushErr != nil {
			c.logger.Debug("ops left pending on close", "err", flushErr)
		}
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.done
	})
	return err
}
