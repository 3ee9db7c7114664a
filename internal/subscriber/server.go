package subscriber

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/metrics"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/model"
	"github.com/JamesPersonalCode56/price-connector-ohlcv/internal/sessionmanager"
)

// Config tunes the subscriber multiplexer server.
type Config struct {
	Addr             string
	SubscribeTimeout time.Duration
	BufferMax        int
	OverflowPolicy   OverflowPolicy
	SendTimeout      time.Duration
}

// Server is the downstream WebSocket multiplexer: one HTTP listener
// upgrading every incoming connection, reading its subscribe request,
// registering it with the session manager, and running its writer loop
// until disconnect.
type Server struct {
	cfg     Config
	manager *sessionmanager.Manager
	metrics *metrics.Registry
	http    *http.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	clients  map[string]*Client
	draining bool
	drainCh  chan struct{}
}

// NewServer builds a Server bound to cfg.Addr, handling requests on "/".
func NewServer(cfg Config, manager *sessionmanager.Manager, reg *metrics.Registry) *Server {
	s := &Server{
		cfg:      cfg,
		manager:  manager,
		metrics:  reg,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		clients:  make(map[string]*Client),
		drainCh:  make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleConn)
	s.http = &http.Server{Addr: cfg.Addr, Handler: mux}

	return s
}

// ListenAndServe blocks serving downstream connections until the listener
// fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.cfg.Addr).Msg("subscriber multiplexer listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleConn(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	draining := s.draining
	s.mu.Unlock()
	if draining {
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("subscriber websocket upgrade failed")
		return
	}

	client := NewClient(conn, s.cfg.BufferMax, s.cfg.OverflowPolicy, s.cfg.SendTimeout, s.metrics)

	req, err := s.readSubscribeRequest(conn)
	if err != nil {
		log.Debug().Err(err).Msg("subscriber failed to send a valid subscribe request in time")
		conn.Close()
		return
	}

	client.SetLimit(req.Limit)

	accepted, rejected := s.manager.Subscribe(client, req.Exchange, req.ContractType, req.Symbols)
	client.AddKeys(accepted)

	for _, rej := range rejected {
		client.ReportError(rej.Key, model.NewError(rej.Code, "rejected symbol", nil))
	}
	if len(accepted) > 0 {
		symbols := make([]string, 0, len(accepted))
		for _, k := range accepted {
			symbols = append(symbols, k.Symbol)
		}
		client.SendSubscribed(req.Exchange, req.ContractType, symbols, req.Limit)
	}

	s.register(client)
	defer s.unregister(client)

	go s.readLoop(conn, client)

	client.Run(s.drainCh)
}

// readSubscribeRequest reads exactly one frame within SubscribeTimeout and
// decodes it as a subscribeRequest.
func (s *Server) readSubscribeRequest(conn *websocket.Conn) (subscribeRequest, error) {
	if s.cfg.SubscribeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SubscribeTimeout))
	}
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return subscribeRequest{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	return decodeSubscribeRequest(raw)
}

// readLoop just watches for the connection closing; subscribers in this
// protocol never send anything after their initial subscribe frame, but a
// closed/broken connection still needs to trigger teardown promptly.
func (s *Server) readLoop(conn *websocket.Conn, client *Client) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			client.Close()
			return
		}
	}
}

func (s *Server) register(c *Client) {
	s.mu.Lock()
	s.clients[c.ID()] = c
	s.mu.Unlock()
}

func (s *Server) unregister(c *Client) {
	s.manager.Unsubscribe(c, c.Keys())

	s.mu.Lock()
	delete(s.clients, c.ID())
	s.mu.Unlock()
}

// Shutdown begins a graceful drain: stop accepting new connections, send a
// close frame to every active client, and wait up to drainTimeout for their
// writer goroutines to exit before forcing the HTTP server closed.
func (s *Server) Shutdown(ctx context.Context, drainTimeout time.Duration) {
	s.mu.Lock()
	s.draining = true
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	close(s.drainCh)

	drainCtx, cancel := context.WithTimeout(ctx, drainTimeout)
	defer cancel()

	for _, c := range clients {
		select {
		case <-c.Done():
		case <-drainCtx.Done():
			log.Warn().Str("subscriber_id", c.ID()).Msg("subscriber did not drain within timeout, forcing close")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	_ = s.http.Shutdown(shutdownCtx)
}
