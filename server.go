package malefirc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/irc.v4"

	"github.com/OmyDaGreat/malefirc/auth"
	"github.com/OmyDaGreat/malefirc/database"
)

// Config is the server configuration applied at startup.
type Config struct {
	Hostname     string
	OperName     string
	OperPassword string
	MOTD         string
	Auth         auth.PlainAuthenticator
	Debug        bool
}

// Server routes messages between the connections it accepts. All listeners
// share one Server; each accepted connection runs in its own goroutine.
type Server struct {
	Logger          Logger
	MetricsRegistry *prometheus.Registry

	config  *Config
	db      database.Database
	world   *World
	created time.Time

	metrics struct {
		connectionsActive prometheus.Gauge
		connectionsTotal  prometheus.Counter
		messagesRouted    prometheus.Counter
	}
}

func NewServer(db database.Database) *Server {
	srv := &Server{
		Logger:          NewLogger(log.Writer(), false),
		MetricsRegistry: prometheus.NewRegistry(),
		config: &Config{
			Hostname: "localhost",
			Auth:     auth.NewInternal(),
		},
		db:      db,
		world:   NewWorld(),
		created: time.Now(),
	}

	srv.metrics.connectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "malefirc_connections_active",
		Help: "Current number of client connections",
	})
	srv.metrics.connectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malefirc_connections_total",
		Help: "Total number of accepted client connections",
	})
	srv.metrics.messagesRouted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "malefirc_messages_routed_total",
		Help: "Total number of PRIVMSG/NOTICE messages routed",
	})
	srv.MetricsRegistry.MustRegister(
		srv.metrics.connectionsActive,
		srv.metrics.connectionsTotal,
		srv.metrics.messagesRouted,
	)
	if collector, ok := db.(interface {
		RegisterMetrics(r prometheus.Registerer) error
	}); ok {
		collector.RegisterMetrics(srv.MetricsRegistry)
	}

	return srv
}

func (s *Server) SetConfig(cfg *Config) {
	if cfg.Auth == nil {
		cfg.Auth = auth.NewInternal()
	}
	s.config = cfg
}

func (s *Server) prefix() *irc.Prefix {
	return &irc.Prefix{Name: s.config.Hostname}
}

// Stats reports the store statistics (account and message counts). Live
// world state such as connected users and channels is not included.
func (s *Server) Stats(ctx context.Context) (*database.DatabaseStats, error) {
	return s.db.Stats(ctx)
}

// Serve accepts connections from ln until the listener is closed.
func (s *Server) Serve(ln net.Listener) error {
	for {
		netConn, err := ln.Accept()
		if isErrClosed(err) {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to accept connection: %v", err)
		}

		go s.Handle(newNetIRCConn(netConn))
	}
}

// HandleConn serves a connection that is already framed (e.g. a completed
// TLS handshake) in the caller's goroutine.
func (s *Server) HandleConn(netConn net.Conn) {
	s.Handle(newNetIRCConn(netConn))
}

// Handle serves one connection to completion. No error escapes: protocol
// errors are surfaced as numerics and I/O errors run cleanup.
func (s *Server) Handle(ic ircConn) {
	defer func() {
		if err := recover(); err != nil {
			s.Logger.Printf("panic serving connection: %v\n%v", err, string(debug.Stack()))
		}
	}()

	s.metrics.connectionsTotal.Inc()
	s.metrics.connectionsActive.Inc()
	defer s.metrics.connectionsActive.Dec()

	dc := newDownstreamConn(s, ic)
	if err := dc.readMessages(); err != nil {
		dc.logger.Printf("%v", err)
	}
	dc.cleanup("Connection closed")
}

// appendHistory persists one message. Store failures degrade to "not
// logged": the message is still routed, without a msgid.
func (s *Server) appendHistory(ctx context.Context, msg *database.Message) int64 {
	if s.db == nil {
		return 0
	}
	id, err := s.db.StoreMessage(ctx, msg)
	if err != nil {
		s.Logger.Printf("failed to append history entry: %v", err)
		return 0
	}
	return id
}

func isErrClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
