// Package ws exposes the station-facing websocket endpoint. Each station
// connects to /{stationId}; every connection gets its own read loop feeding
// the protocol engine.
package ws

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilianp07/csms/core/logger"
	"github.com/kilianp07/csms/core/ocpp"
	"github.com/kilianp07/csms/core/registry"
)

// Config defines the listen settings for the station endpoint.
type Config struct {
	Addr string `json:"addr"`
}

// SetDefaults applies sane defaults.
func (c *Config) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8887"
	}
}

// Server upgrades station connections and pumps their frames into the
// protocol engine.
type Server struct {
	engine   *ocpp.Engine
	reg      *registry.Registry
	log      logger.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(engine *ocpp.Engine, reg *registry.Registry, log logger.Logger) *Server {
	return &Server{
		engine: engine,
		reg:    reg,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"ocpp1.6"},
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Handler returns the HTTP handler serving station upgrades. The last path
// segment is the station identifier.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cpsn := strings.Trim(r.URL.Path, "/")
		if i := strings.LastIndex(cpsn, "/"); i >= 0 {
			cpsn = cpsn[i+1:]
		}
		if cpsn == "" {
			http.Error(w, "station id required", http.StatusBadRequest)
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Errorf("upgrade for %s failed: %v", cpsn, err)
			return
		}
		go s.serve(cpsn, conn)
	})
}

// Run starts the listener and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, cfg Config) error {
	cfg.SetDefaults()
	srv := &http.Server{Addr: cfg.Addr, Handler: s.Handler()}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	s.log.Infof("station endpoint listening on %s", cfg.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) serve(cpsn string, raw *websocket.Conn) {
	conn := &wsConn{c: raw}
	ctx := context.Background()
	s.reg.Register(ctx, cpsn, conn)
	defer func() {
		s.reg.Remove(ctx, cpsn, conn)
		_ = conn.Close()
	}()

	sess := &ocpp.Session{CPSN: cpsn, Conn: conn}
	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warnf("connection to %s dropped: %v", cpsn, err)
			}
			return
		}
		s.engine.HandleMessage(ctx, sess, data)
	}
}

// wsConn wraps a websocket connection with serialized writes. Reply and
// command paths send from independent goroutines.
type wsConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (w *wsConn) Send(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.c.WriteMessage(websocket.TextMessage, data)
}

func (w *wsConn) Close() error {
	return w.c.Close()
}

var _ registry.Conn = (*wsConn)(nil)
