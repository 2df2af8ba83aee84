package oxide

import (
	"fmt"
	"log"
	"net"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/irc.v4"
	"nhooyr.io/websocket"

	"github.com/aji/oxide-proxy/config"
)

const (
	connectTimeout       = 15 * time.Second
	writeTimeout         = 10 * time.Second
	registerTimeout      = 2 * time.Minute
	capTimeout           = 10 * time.Second
	sessionSweepInterval = 30 * time.Second

	// rate limit for messages written to the backend
	backendMessageDelay = 2 * time.Second
	backendMessageBurst = 10
)

// SASL holds the proxy's own credentials for authenticating with the
// backend.
type SASL struct {
	Mechanism string

	Plain struct {
		Username string
		Password string
	}
}

type Config struct {
	Hostname       string
	Upstream       string
	AcceptProxyIPs config.IPSet
	HTTPOrigins    []string
	SessionGrace   time.Duration
	SessionBuffer  int
	SASL           SASL
}

type Server struct {
	Logger          Logger
	MetricsRegistry prometheus.Registerer

	config   atomic.Value // *Config
	sessions *sessionRegistry

	metrics struct {
		clientsActive    prometheus.Gauge
		sessionsActive   prometheus.Gauge
		sessionsResumed  prometheus.Counter
		sessionsExpired  prometheus.Counter
		relayedToClient  prometheus.Counter
		relayedToBackend prometheus.Counter
		bufferEvictions  prometheus.Counter
	}

	lock         sync.Mutex
	listeners    map[net.Listener]struct{}
	nextClientID uint64
}

func NewServer() *Server {
	srv := &Server{
		Logger:    NewLogger(log.Writer(), false),
		listeners: make(map[net.Listener]struct{}),
	}
	srv.sessions = newSessionRegistry(srv)

	srv.metrics.clientsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oxide_clients_active",
		Help: "Current number of client connections",
	})
	srv.metrics.sessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "oxide_sessions_active",
		Help: "Current number of backend sessions",
	})
	srv.metrics.sessionsResumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxide_sessions_resumed_total",
		Help: "Number of sessions resumed by a reconnecting client",
	})
	srv.metrics.sessionsExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxide_sessions_expired_total",
		Help: "Number of sessions torn down after the grace period",
	})
	srv.metrics.relayedToClient = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxide_messages_relayed_to_client_total",
		Help: "Number of messages relayed backend to client",
	})
	srv.metrics.relayedToBackend = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxide_messages_relayed_to_backend_total",
		Help: "Number of messages relayed client to backend",
	})
	srv.metrics.bufferEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "oxide_session_buffer_evictions_total",
		Help: "Number of buffered messages dropped on overflow",
	})

	return srv
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.Config().Hostname}
}

func (s *Server) Config() *Config {
	cfg, ok := s.config.Load().(*Config)
	if !ok {
		panic("oxide: server configuration is not set")
	}
	return cfg
}

func (s *Server) SetConfig(cfg *Config) {
	if cfg.SessionGrace <= 0 {
		panic("oxide: session grace period must be positive")
	}
	if cfg.SessionBuffer <= 0 {
		panic("oxide: session buffer size must be positive")
	}
	s.config.Store(cfg)
}

// Start registers metrics and starts the session expiry sweeper.
func (s *Server) Start() error {
	if s.MetricsRegistry != nil {
		collectors := []prometheus.Collector{
			s.metrics.clientsActive,
			s.metrics.sessionsActive,
			s.metrics.sessionsResumed,
			s.metrics.sessionsExpired,
			s.metrics.relayedToClient,
			s.metrics.relayedToBackend,
			s.metrics.bufferEvictions,
		}
		for _, c := range collectors {
			if err := s.MetricsRegistry.Register(c); err != nil {
				return fmt.Errorf("failed to register metrics: %v", err)
			}
		}
	}

	go s.sessions.run()
	return nil
}

// Shutdown closes every listener and tears down every session.
func (s *Server) Shutdown() {
	s.lock.Lock()
	for ln := range s.listeners {
		if err := ln.Close(); err != nil {
			s.Logger.Printf("failed to close listener: %v", err)
		}
	}
	s.lock.Unlock()

	s.sessions.stop()
}

func (s *Server) Serve(ln net.Listener) error {
	s.lock.Lock()
	s.listeners[ln] = struct{}{}
	s.lock.Unlock()

	defer func() {
		s.lock.Lock()
		delete(s.listeners, ln)
		s.lock.Unlock()
	}()

	for {
		conn, err := ln.Accept()
		if isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		go s.Handle(newNetIRCConn(conn))
	}
}

// Handle runs a client connection to completion. TLS termination, if any,
// already happened in the listener: ic yields plaintext IRC messages either
// way.
func (s *Server) Handle(ic ircConn) {
	defer func() {
		if err := recover(); err != nil {
			s.Logger.Printf("panic serving connection: %v\n%s", err, debug.Stack())
		}
	}()

	s.lock.Lock()
	s.nextClientID++
	id := s.nextClientID
	s.lock.Unlock()

	s.metrics.clientsActive.Inc()
	defer s.metrics.clientsActive.Dec()

	dc := newDownstreamConn(s, ic, id)
	if err := dc.runUntilRegistered(); err != nil {
		dc.logger.Printf("%v", err)
	} else if dc.registered {
		dc.readMessages()
	}
	if dc.session == nil && dc.backend != nil {
		// half-registered backend connection with no session to own it
		dc.backend.Close()
	}
	dc.CloseAfterFlush()
}

// ServeHTTP upgrades WebSocket requests and feeds them into the usual
// connection handling. Requests from trusted proxies may carry
// X-Forwarded-For.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{"text.ircv3.net"},
		OriginPatterns: s.Config().HTTPOrigins,
	})
	if err != nil {
		s.Logger.Printf("failed to serve HTTP connection: %v", err)
		return
	}

	remoteAddr := r.RemoteAddr
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if ip := net.ParseIP(host); ip != nil && s.Config().AcceptProxyIPs.Contains(ip) {
			if forwarded := parseForwardedFor(r.Header.Get("X-Forwarded-For")); forwarded != "" {
				remoteAddr = forwarded
			}
		}
	}

	s.Handle(newWebsocketIRCConn(conn, remoteAddr))
}

func parseForwardedFor(header string) string {
	if header == "" {
		return ""
	}
	for i := 0; i < len(header); i++ {
		if header[i] == ',' {
			return header[:i]
		}
	}
	return header
}
