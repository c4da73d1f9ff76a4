package printer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/haghost5/hag5bridge/feed"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// ErrNotConnected is returned when a command is sent while the feed is down.
var ErrNotConnected = errors.New("printer feed not connected")

// MessageHandler receives every feed message with the time it arrived.
type MessageHandler func(msg string, at time.Time)

// Client talks to one printer: the WebSocket status feed for telemetry and
// commands, plain HTTP for file uploads.
type Client struct {
	ip         string
	opts       ClientOptions
	handler    MessageHandler
	dialer     *websocket.Dialer
	httpClient *http.Client

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex // serializes writes to conn
}

// NewClient creates a client for the printer at ip. Messages read from the
// feed are passed to handler.
func NewClient(ip string, handler MessageHandler, opts ...ClientOption) *Client {
	c := &Client{
		ip:      ip,
		handler: handler,
		opts: ClientOptions{
			FeedPort:       DefaultFeedPort,
			ReconnectDelay: DefaultReconnectDelay,
			UploadTimeout:  DefaultUploadTimeout,
			StartDelay:     DefaultStartDelay,
		},
	}
	for _, opt := range opts {
		opt.ApplyToClientOptions(&c.opts)
	}

	c.httpClient = c.opts.HTTPClient
	if c.httpClient == nil {
		c.httpClient = &http.Client{}
	}
	c.dialer = &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	return c
}

// IP returns the printer's address.
func (c *Client) IP() string {
	return c.ip
}

// FeedURL returns the WebSocket URL of the status feed.
func (c *Client) FeedURL() string {
	if c.opts.FeedURL != "" {
		return c.opts.FeedURL
	}
	return "ws://" + net.JoinHostPort(c.ip, strconv.Itoa(c.opts.FeedPort)) + "/"
}

// HTTPEndpoint returns the base URL of the printer's web server.
func (c *Client) HTTPEndpoint() string {
	if c.opts.HTTPEndpoint != "" {
		return c.opts.HTTPEndpoint
	}
	return "http://" + c.ip
}

// Run keeps the feed connected until ctx is done. Every failure is followed
// by the same fixed delay before the next attempt.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warnf("Printer feed %s: %v, retrying in %v", c.FeedURL(), err, c.opts.ReconnectDelay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.opts.ReconnectDelay):
		}
	}
}

// session runs one connection from dial to disconnect.
func (c *Client) session(ctx context.Context) error {
	conn, resp, err := c.dialer.DialContext(ctx, c.FeedURL(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("connecting: %w", err)
	}

	c.setConn(conn)
	defer c.clearConn(conn)
	log.Infof("Connected to printer feed at %s", c.FeedURL())

	// Unblock the read loop on shutdown.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	return c.readLoop(conn)
}

func (c *Client) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if c.opts.OnConnState != nil {
		c.opts.OnConnState(true)
	}
}

func (c *Client) clearConn(conn *websocket.Conn) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close()

	log.Infof("Printer feed %s disconnected", c.FeedURL())
	if c.opts.OnConnState != nil {
		c.opts.OnConnState(false)
	}
}

// Connected returns true while a feed session is active.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Send writes one command to the printer over the feed.
func (c *Client) Send(cmd string) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cmd+"\n")); err != nil {
		return fmt.Errorf("sending %q: %w", cmd, err)
	}
	log.Debugf("Sent %q to printer %s", cmd, c.ip)
	return nil
}

// StartPrint selects filename on the printer and starts it. The firmware
// needs a moment between the two commands.
func (c *Client) StartPrint(ctx context.Context, filename string) error {
	if err := c.Send(feed.SelectFile(filename)); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(c.opts.StartDelay):
	}

	if err := c.Send(feed.StartPrint); err != nil {
		return err
	}
	log.Infof("Started print of %s on printer %s", filename, c.ip)
	return nil
}

// Pause pauses the running print.
func (c *Client) Pause() error {
	return c.Send(feed.PausePrint)
}

// Resume resumes a paused print.
func (c *Client) Resume() error {
	return c.Send(feed.StartPrint)
}

// Cancel stops the running print.
func (c *Client) Cancel() error {
	return c.Send(feed.StopPrint)
}
