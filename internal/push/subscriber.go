// internal/push/subscriber.go
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"energy-monitor/internal/data"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a control message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Send pings to peer with this period. Must be less than pongWait.
	maxMessageSize = 64 * 1024           // Push batches carry whole alert slices.
)

// envelope is the wire frame on the push channel.
type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// TokenSource supplies the bearer token for the subscription handshake.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to a TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Events receives decoded push traffic. OnResync fires after every
// successful (re)connect so the owner can repair missed events with a
// full snapshot re-fetch; the first connect counts too, which makes the
// initial snapshot load and outage repair the same code path.
type Events struct {
	OnReading func(data.SensorReading)
	OnAlerts  func([]data.Alert)
	OnResync  func()
}

// Subscriber maintains the persistent server-to-client push channel.
// It reconnects with exponential backoff and stays subscribed until its
// context is cancelled (view teardown, logout).
type Subscriber struct {
	url    string
	tokens TokenSource
	events Events
	logger *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	dialer *websocket.Dialer
}

// NewSubscriber builds a subscriber for the given websocket URL (see
// Endpoint for deriving it from the REST base URL).
func NewSubscriber(url string, tokens TokenSource, events Events, minBackoff, maxBackoff time.Duration, logger *slog.Logger) *Subscriber {
	if minBackoff <= 0 {
		minBackoff = time.Second
	}
	if maxBackoff < minBackoff {
		maxBackoff = 30 * time.Second
	}
	return &Subscriber{
		url:        url,
		tokens:     tokens,
		events:     events,
		logger:     logger,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		dialer:     websocket.DefaultDialer,
	}
}

// Endpoint derives the push URL from the REST base URL.
func Endpoint(baseURL string) string {
	u := baseURL
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return strings.TrimSuffix(u, "/") + "/ws"
}

// Run dials, reads and redials until ctx is cancelled. It never returns
// an error: a dead push channel degrades the view to staleness, it must
// not kill the dashboard.
func (s *Subscriber) Run(ctx context.Context) {
	backoff := s.minBackoff
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			s.logger.Warn("push channel dial failed", "url", s.url, "backoff", backoff, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
			continue
		}

		backoff = s.minBackoff
		s.logger.Info("push channel connected", "url", s.url)
		if s.events.OnResync != nil {
			s.events.OnResync()
		}

		s.readLoop(ctx, conn)
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
			s.logger.Warn("push channel disconnected, reconnecting")
		}
	}
}

func (s *Subscriber) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if tok := s.tokens.Token(); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	return conn, err
}

// readLoop pumps frames off the connection until it breaks or ctx ends.
// A ping goroutine keeps the read deadline moving.
func (s *Subscriber) readLoop(ctx context.Context, conn *websocket.Conn) {
	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-ctx.Done():
				// Unblocks the reader below.
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && ctx.Err() == nil {
				s.logger.Warn("push channel read error", "error", err)
			}
			return
		}
		s.dispatch(message)
	}
}

func (s *Subscriber) dispatch(message []byte) {
	var env envelope
	if err := json.Unmarshal(message, &env); err != nil {
		s.logger.Warn("undecodable push frame", "error", err)
		return
	}

	switch env.Type {
	case "sensor_reading":
		var r data.SensorReading
		if err := json.Unmarshal(env.Data, &r); err != nil {
			s.logger.Warn("undecodable sensor_reading payload", "error", err)
			return
		}
		if s.events.OnReading != nil {
			s.events.OnReading(r)
		}
	case "alert":
		var batch []data.Alert
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			s.logger.Warn("undecodable alert payload", "error", err)
			return
		}
		if s.events.OnAlerts != nil {
			s.events.OnAlerts(batch)
		}
	default:
		// Unknown event types are ignored, not errors: the server may
		// grow new ones.
	}
}
