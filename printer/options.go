package printer

import (
	"net/http"
	"strings"
	"time"
)

// Defaults match what the printer firmware expects.
const (
	DefaultFeedPort       = 8081
	DefaultReconnectDelay = 5 * time.Second
	DefaultUploadTimeout  = 30 * time.Second
	DefaultStartDelay     = time.Second
)

type ClientOptions struct {
	FeedPort       int
	FeedURL        string
	HTTPEndpoint   string
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration
	UploadTimeout  time.Duration
	StartDelay     time.Duration
	HTTPClient     *http.Client
	OnConnState    func(connected bool)
}

type ClientOption interface {
	ApplyToClientOptions(o *ClientOptions)
}

// WithFeedPort sets the WebSocket port on the printer.
type WithFeedPort int

func (p WithFeedPort) ApplyToClientOptions(o *ClientOptions) {
	o.FeedPort = int(p)
}

// WithFeedURL overrides the full feed URL, ignoring the address and port.
type WithFeedURL string

func (u WithFeedURL) ApplyToClientOptions(o *ClientOptions) {
	o.FeedURL = string(u)
}

// WithHTTPEndpoint overrides the printer's HTTP base URL.
type WithHTTPEndpoint string

func (ep WithHTTPEndpoint) ApplyToClientOptions(o *ClientOptions) {
	// never a trailing "/", paths are appended
	o.HTTPEndpoint = strings.TrimRight(string(ep), "/")
}

// WithReconnectDelay sets the fixed pause between feed connection attempts.
type WithReconnectDelay time.Duration

func (d WithReconnectDelay) ApplyToClientOptions(o *ClientOptions) {
	o.ReconnectDelay = time.Duration(d)
}

// WithReadTimeout drops the feed connection when nothing is received for the
// given duration. Zero waits forever.
type WithReadTimeout time.Duration

func (d WithReadTimeout) ApplyToClientOptions(o *ClientOptions) {
	o.ReadTimeout = time.Duration(d)
}

type WithUploadTimeout time.Duration

func (d WithUploadTimeout) ApplyToClientOptions(o *ClientOptions) {
	o.UploadTimeout = time.Duration(d)
}

// WithStartDelay sets the pause between selecting a file and starting it.
type WithStartDelay time.Duration

func (d WithStartDelay) ApplyToClientOptions(o *ClientOptions) {
	o.StartDelay = time.Duration(d)
}

type WithHTTPClient struct {
	Client *http.Client
}

func (c WithHTTPClient) ApplyToClientOptions(o *ClientOptions) {
	o.HTTPClient = c.Client
}

// WithConnStateHandler is called whenever the feed connects or disconnects.
type WithConnStateHandler func(connected bool)

func (h WithConnStateHandler) ApplyToClientOptions(o *ClientOptions) {
	o.OnConnState = h
}
