// Package natsserver runs the embedded NATS bus that carries hub lifecycle
// events, with a JetStream stream keeping a bounded history of them.
package natsserver

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DefaultHistoryLimit is how many hub events the history stream retains.
const DefaultHistoryLimit = 1000

// Config holds settings for the embedded NATS server.
type Config struct {
	StoreDir     string
	Host         string // empty disables the TCP listener
	Port         int
	Token        string // If non-empty, requires token auth for NATS connections.
	HistoryLimit int
}

// Server wraps an embedded NATS server with JetStream.
type Server struct {
	ns      *server.Server
	nc      *nats.Conn
	js      jetstream.JetStream
	history *History
	logger  zerolog.Logger
}

// New creates and starts the embedded NATS server and ensures the event
// history stream exists.
func New(cfg Config, logger zerolog.Logger) (*Server, error) {
	opts := &server.Options{
		JetStream:  true,
		StoreDir:   cfg.StoreDir,
		DontListen: cfg.Host == "",
		Host:       cfg.Host,
		Port:       cfg.Port,
		NoLog:      true,
		NoSigs:     true,
	}
	if cfg.Token != "" {
		opts.Authorization = cfg.Token
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("nats server create: %w", err)
	}

	ns.SetLoggerV2(newZerologAdapter(logger), false, false, false)

	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("nats server failed to become ready")
	}

	var connectOpts []nats.Option
	if opts.DontListen {
		connectOpts = append(connectOpts, nats.InProcessServer(ns))
	}
	if cfg.Token != "" {
		connectOpts = append(connectOpts, nats.Token(cfg.Token))
	}
	nc, err := nats.Connect(ns.ClientURL(), connectOpts...)
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	history, err := NewHistory(ctx, js, cfg.HistoryLimit)
	if err != nil {
		nc.Close()
		ns.Shutdown()
		return nil, err
	}

	logger.Info().Str("client_url", ns.ClientURL()).Msg("embedded NATS started")

	return &Server{ns: ns, nc: nc, js: js, history: history, logger: logger}, nil
}

// Conn returns the internal NATS client connection.
func (s *Server) Conn() *nats.Conn { return s.nc }

// JetStream returns the JetStream handle.
func (s *Server) JetStream() jetstream.JetStream { return s.js }

// History returns the hub event history.
func (s *Server) History() *History { return s.history }

// ClientURL returns the NATS client connection URL.
func (s *Server) ClientURL() string { return s.ns.ClientURL() }

// Shutdown gracefully drains and shuts down.
func (s *Server) Shutdown() {
	s.logger.Info().Msg("shutting down embedded NATS")
	_ = s.nc.Drain()
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
