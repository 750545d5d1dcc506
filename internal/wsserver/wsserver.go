// Package wsserver serves the live event stream over WebSocket. Each
// connection manages one fan-out subscription through JSON control
// messages and receives matching events as they arrive.
package wsserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/trace"

	"github.com/devpulse/devpulse/internal/stream"
	"github.com/devpulse/devpulse/pkg/event"
	"github.com/devpulse/devpulse/pkg/observability"
)

const (
	// pingInterval is how often the server pings an idle connection.
	pingInterval = 30 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead and closed.
	pongWait = 60 * time.Second

	// writeWait bounds a single write to a slow client.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue. Events beyond it
	// are dropped rather than blocking the fan-out.
	sendBuffer = 256

	// shutdownTimeout bounds graceful HTTP shutdown.
	shutdownTimeout = 5 * time.Second
)

// ErrNoFanOut is returned when the server is built without a stream.
var ErrNoFanOut = errors.New("wsserver: fan-out is required")

// Control operations accepted from clients.
const (
	opSubscribe    = "subscribe"
	opUnsubscribe  = "unsubscribe"
	opUpdateFilter = "updateFilter"
	opReplay       = "replay"
)

// Server message kinds.
const (
	kindEvent  = "event"
	kindSystem = "system"
)

// clientMessage is a JSON control frame from the client.
type clientMessage struct {
	Op       string         `json:"op"`
	Filter   *stream.Filter `json:"filter,omitempty"`
	MinGapMs int64          `json:"minGapMs,omitempty"`
	SinceTs  int64          `json:"sinceTs,omitempty"`
}

// serverMessage is a JSON frame sent to the client.
type serverMessage struct {
	Kind     string       `json:"kind"`
	Event    *event.Event `json:"event,omitempty"`
	Op       string       `json:"op,omitempty"`
	OK       bool         `json:"ok,omitempty"`
	Error    string       `json:"error,omitempty"`
	Replayed int          `json:"replayed,omitempty"`
}

// Options configures the WebSocket server.
type Options struct {
	// Addr is the listen address, e.g. ":8931".
	Addr string

	// FanOut is the event stream connections subscribe to. Required.
	FanOut *stream.FanOut

	// Logger is the structured logger. Nil uses slog.Default.
	Logger *slog.Logger

	// Tracer wraps HTTP handling in spans when set.
	Tracer trace.Tracer
}

// Server accepts WebSocket clients and bridges them onto the fan-out.
type Server struct {
	addr   string
	fanout *stream.FanOut
	log    *slog.Logger
	tracer trace.Tracer

	upgrader websocket.Upgrader

	mu       sync.Mutex
	httpSrv  *http.Server
	connWG   sync.WaitGroup
	closed   bool
	closeErr error
}

// New builds a WebSocket server. It does not start listening.
func New(opts Options) (*Server, error) {
	if opts.FanOut == nil {
		return nil, ErrNoFanOut
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Server{
		addr:   opts.Addr,
		fanout: opts.FanOut,
		log:    log,
		tracer: opts.Tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}, nil
}

// Handler returns the HTTP handler serving /stream, /metrics and /healthz.
func (s *Server) Handler() (http.Handler, error) {
	mux := http.NewServeMux()
	mux.HandleFunc("/stream", s.handleStream)
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})

	metricsHandler, err := observability.PrometheusHandler()
	if err != nil {
		return nil, fmt.Errorf("metrics handler: %w", err)
	}

	mux.Handle("/metrics", metricsHandler)

	var handler http.Handler = mux
	if s.tracer != nil {
		handler = observability.HTTPMiddleware(s.tracer, handler)
	}

	return handler, nil
}

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	handler, err := s.Handler()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              s.addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.mu.Lock()
	s.httpSrv = srv
	s.mu.Unlock()

	errc := make(chan error, 1)

	go func() {
		errc <- srv.ListenAndServe()
	}()

	s.log.Info("websocket server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		return s.Shutdown()
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}

		return nil
	}
}

// Shutdown stops accepting connections and waits for active ones to drain.
func (s *Server) Shutdown() error {
	s.mu.Lock()

	if s.closed {
		defer s.mu.Unlock()

		return s.closeErr
	}

	s.closed = true
	srv := s.httpSrv
	s.mu.Unlock()

	var err error

	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		err = srv.Shutdown(ctx)
	}

	s.connWG.Wait()

	s.mu.Lock()
	s.closeErr = err
	s.mu.Unlock()

	return err
}

// handleStream upgrades the request and runs the connection loops.
func (s *Server) handleStream(rw http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(rw, req, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)

		return
	}

	c := &connection{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan serverMessage, sendBuffer),
		done:   make(chan struct{}),
	}

	s.connWG.Add(1)

	go func() {
		defer s.connWG.Done()

		c.run()
	}()
}

// connection is one attached WebSocket client.
type connection struct {
	id     string
	server *Server
	conn   *websocket.Conn

	send chan serverMessage
	done chan struct{}

	subMu      sync.Mutex
	subscribed bool
	dropped    int64
}

func (c *connection) run() {
	c.server.log.Info("client connected", "conn", c.id)

	go c.writePump()
	c.readPump()

	close(c.done)
	c.teardown()

	c.server.log.Info("client disconnected", "conn", c.id, "dropped", c.dropped)
}

// readPump consumes control frames until the connection dies. The read
// deadline doubles as the liveness check: pongs and data frames both
// extend it.
func (c *connection) readPump() {
	defer func() {
		_ = c.conn.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg clientMessage

		err := c.conn.ReadJSON(&msg)
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.server.log.Warn("client read failed", "conn", c.id, "error", err)
			}

			return
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleControl(msg)
	}
}

// writePump is the single writer for the connection. It drains outbound
// messages and pings on an interval.
func (c *connection) writePump() {
	ticker := time.NewTicker(pingInterval)

	defer func() {
		ticker.Stop()

		_ = c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))

			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// handleControl applies one client control frame.
func (c *connection) handleControl(msg clientMessage) {
	switch msg.Op {
	case opSubscribe:
		c.reply(msg.Op, c.subscribe(msg))
	case opUnsubscribe:
		c.reply(msg.Op, c.unsubscribe())
	case opUpdateFilter:
		c.reply(msg.Op, c.updateFilter(msg))
	case opReplay:
		n, err := c.server.fanout.Replay(c.id, msg.SinceTs)
		if err != nil {
			c.reply(msg.Op, err)

			return
		}

		c.enqueue(serverMessage{Kind: kindSystem, Op: msg.Op, OK: true, Replayed: n})
	default:
		c.reply(msg.Op, fmt.Errorf("unknown op %q", msg.Op))
	}
}

func (c *connection) subscribe(msg clientMessage) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	filter := buildFilter(msg)

	if c.subscribed {
		return c.server.fanout.UpdateFilter(c.id, filter)
	}

	err := c.server.fanout.Subscribe(c.id, c.deliver, filter)
	if err != nil {
		return err
	}

	c.subscribed = true

	return nil
}

func (c *connection) unsubscribe() error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.subscribed {
		return errors.New("not subscribed")
	}

	c.subscribed = false

	return c.server.fanout.Unsubscribe(c.id)
}

func (c *connection) updateFilter(msg clientMessage) error {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if !c.subscribed {
		return errors.New("not subscribed")
	}

	return c.server.fanout.UpdateFilter(c.id, buildFilter(msg))
}

// buildFilter merges the optional filter body with the wire-level gap
// field, which travels separately because it is a duration.
func buildFilter(msg clientMessage) stream.Filter {
	var filter stream.Filter
	if msg.Filter != nil {
		filter = *msg.Filter
	}

	if msg.MinGapMs > 0 {
		filter.MinGap = time.Duration(msg.MinGapMs) * time.Millisecond
	}

	return filter
}

// deliver is the fan-out callback. It never blocks: a full outbound
// queue drops the event and counts it.
func (c *connection) deliver(e *event.Event) error {
	select {
	case c.send <- serverMessage{Kind: kindEvent, Event: e}:
		return nil
	case <-c.done:
		return errors.New("connection closed")
	default:
		c.subMu.Lock()
		c.dropped++
		c.subMu.Unlock()

		return nil
	}
}

// reply sends a system acknowledgement or error for a control frame.
func (c *connection) reply(op string, err error) {
	msg := serverMessage{Kind: kindSystem, Op: op, OK: err == nil}
	if err != nil {
		msg.Error = err.Error()
	}

	c.enqueue(msg)
}

func (c *connection) enqueue(msg serverMessage) {
	select {
	case c.send <- msg:
	case <-c.done:
	default:
	}
}

// teardown releases the fan-out subscription after the loops exit.
func (c *connection) teardown() {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subscribed {
		c.subscribed = false

		_ = c.server.fanout.Unsubscribe(c.id)
	}
}
