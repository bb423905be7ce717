package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

// Server streams the event bus to UI clients over WebSocket. Delivery is
// fire-and-forget: a slow client's send buffer overflows and that client
// misses events, the core never waits.
type Server struct {
	addr     string
	bus      *Bus
	upgrader websocket.Upgrader
	clients  map[*client]bool
	register chan *client
	drop     chan *client
	logger   *log.Logger
	mu       sync.RWMutex
	ctx      context.Context
	cancel   context.CancelFunc
	httpSrv  *http.Server
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// NewServer creates a WebSocket event server bound to addr.
func NewServer(addr string, bus *Bus, logger *log.Logger) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr: addr,
		bus:  bus,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		clients:  make(map[*client]bool),
		register: make(chan *client),
		drop:     make(chan *client),
		logger:   logger.WithPrefix("events-ws"),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start runs the server. It blocks until Stop or a listen error.
func (s *Server) Start() error {
	go s.run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.httpSrv = &http.Server{Addr: s.addr, Handler: mux}
	s.logger.Info("event stream listening", "addr", s.addr)
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down and disconnects all clients.
func (s *Server) Stop() {
	s.cancel()
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
	}
	s.mu.Lock()
	for c := range s.clients {
		_ = c.conn.Close()
	}
	s.mu.Unlock()
}

func (s *Server) run() {
	envelopes, unsubscribe := s.bus.Subscribe(256)
	defer unsubscribe()

	for {
		select {
		case c := <-s.register:
			s.mu.Lock()
			s.clients[c] = true
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Info("client connected", "total", total)

		case c := <-s.drop:
			s.mu.Lock()
			if _, ok := s.clients[c]; ok {
				delete(s.clients, c)
				close(c.send)
				_ = c.conn.Close()
			}
			total := len(s.clients)
			s.mu.Unlock()
			s.logger.Info("client disconnected", "total", total)

		case env, ok := <-envelopes:
			if !ok {
				return
			}
			s.broadcast(env)

		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Server) broadcast(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("failed to marshal event", "error", err)
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		select {
		case c.send <- payload:
		default:
			// Slow client, skip this event for it.
		}
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("failed to upgrade connection", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, 64)}
	s.register <- c

	go s.writeLoop(c)
	go s.readLoop(c)
}

func (s *Server) writeLoop(c *client) {
	for payload := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			s.dropClient(c)
			return
		}
	}
}

// readLoop discards inbound frames; the stream is one-directional. It
// exists to notice client disconnects.
func (s *Server) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			s.dropClient(c)
			return
		}
	}
}

func (s *Server) dropClient(c *client) {
	select {
	case s.drop <- c:
	case <-s.ctx.Done():
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, "OK")
}
