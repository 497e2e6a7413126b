package recordstore

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabdraw/voicecall/internal/origin"
	"github.com/collabdraw/voicecall/internal/ratelimit"
)

// ServerConfig tunes the websocket relay endpoint.
type ServerConfig struct {
	// AllowedOrigins restricts browser connections. Entries are normalized
	// origins or "*". Empty falls back to a same-host policy; requests
	// without an Origin header (non-browser clients) are always accepted.
	AllowedOrigins []string

	MaxMessageBytes int64
	PingInterval    time.Duration
	IdleTimeout     time.Duration

	// MaxMessagesPerSecond caps inbound messages per connection; the bucket
	// allows bursts of twice the rate. Zero disables the limit.
	MaxMessagesPerSecond int
}

const (
	defaultMaxMessageBytes = 64 * 1024
	defaultPingInterval    = 20 * time.Second
	defaultIdleTimeout     = 60 * time.Second
)

func (c ServerConfig) withDefaults() ServerConfig {
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = defaultMaxMessageBytes
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	return c
}

// Server exposes a Store over websockets. Each connection is an independent
// session; subscriptions die with their connection.
type Server struct {
	store    Store
	cfg      ServerConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

func NewServer(store Store, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	s := &Server{store: store, cfg: cfg, log: logger}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			header := r.Header.Get("Origin")
			if header == "" {
				return true
			}
			normalized, host, ok := origin.Normalize(header)
			if !ok {
				return false
			}
			return origin.Allowed(normalized, host, r.Host, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "err", err, "remote", r.RemoteAddr)
		return
	}
	// Runs on the handler goroutine; the request context stays alive for the
	// lifetime of the hijacked connection.
	s.serveConn(r.Context(), conn)
}

type serverConn struct {
	srv  *Server
	conn *websocket.Conn

	writeMu sync.Mutex

	mu   sync.Mutex
	subs map[string]*Subscription
	next uint64

	done chan struct{}
	wg   sync.WaitGroup
}

func (s *Server) serveConn(ctx context.Context, conn *websocket.Conn) {
	c := &serverConn{
		srv:  s,
		conn: conn,
		subs: make(map[string]*Subscription),
		done: make(chan struct{}),
	}
	defer c.close()

	conn.SetReadLimit(s.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
	})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.pingLoop()
	}()

	var limiter *ratelimit.TokenBucket
	if s.cfg.MaxMessagesPerSecond > 0 {
		rate := int64(s.cfg.MaxMessagesPerSecond)
		limiter = ratelimit.NewTokenBucket(nil, 2*rate, rate)
	}

	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if limiter != nil && !limiter.Allow(1) {
			s.log.Warn("closing connection: message rate limit exceeded", "remote", conn.RemoteAddr())
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout))
		c.handle(ctx, msg)
	}
}

func (c *serverConn) close() {
	select {
	case <-c.done:
		return
	default:
	}
	close(c.done)

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]*Subscription)
	c.mu.Unlock()
	for _, sub := range subs {
		sub.Cancel()
	}

	_ = c.conn.Close()
	c.wg.Wait()
}

func (c *serverConn) pingLoop() {
	t := time.NewTicker(c.srv.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *serverConn) write(msg serverMessage) error {
	msg.Version = protocolVersion
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(msg)
}

func (c *serverConn) result(reqID uint64, id string, err error) {
	out := serverMessage{Op: opResult, ReqID: reqID, ID: id}
	if err != nil {
		out.Error = err.Error()
	}
	if werr := c.write(out); werr != nil {
		c.srv.log.Debug("write result failed", "err", werr)
	}
}

func (c *serverConn) handle(ctx context.Context, msg clientMessage) {
	if err := msg.Validate(); err != nil {
		c.result(msg.ReqID, "", err)
		return
	}

	switch msg.Op {
	case opCreate:
		id, err := c.srv.store.Create(ctx, msg.Collection, msg.Fields)
		c.result(msg.ReqID, id, err)
	case opUpdate:
		c.result(msg.ReqID, "", c.srv.store.Update(ctx, msg.Collection, msg.ID, msg.Fields))
	case opDelete:
		c.result(msg.ReqID, "", c.srv.store.Delete(ctx, msg.Collection, msg.ID))
	case opSubscribe:
		c.subscribe(ctx, msg)
	case opUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[msg.SubID]
		if ok {
			delete(c.subs, msg.SubID)
		}
		c.mu.Unlock()
		if ok {
			sub.Cancel()
		}
		c.result(msg.ReqID, "", nil)
	}
}

func (c *serverConn) subscribe(ctx context.Context, msg clientMessage) {
	sub, err := c.srv.store.Subscribe(ctx, *msg.Query)
	if err != nil {
		c.result(msg.ReqID, "", err)
		return
	}

	c.mu.Lock()
	c.next++
	subID := fmt.Sprintf("s%d", c.next)
	c.subs[subID] = sub
	c.mu.Unlock()

	c.result(msg.ReqID, subID, nil)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.done:
				return
			case snap, ok := <-sub.Updates():
				if !ok {
					return
				}
				if err := c.write(serverMessage{Op: opSnapshot, SubID: subID, Records: snap}); err != nil {
					return
				}
			}
		}
	}()
}
