// Package server accepts client connections and pumps one command per
// line through the router. Each connection gets its own goroutine and its
// own rate limiter; a dropped connection never disturbs the others.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Handler turns one command line into one reply line.
type Handler interface {
	Dispatch(line string) string
}

// Server is the replica's TCP front end.
type Server struct {
	logger  *zap.Logger
	handler Handler

	cmdRate rate.Limit
	burst   int

	ln     net.Listener
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Server that dispatches to handler and allows each
// connection commandsPerSecond sustained commands with the given burst.
func New(logger *zap.Logger, handler Handler, commandsPerSecond float64, burst int) *Server {
	if commandsPerSecond <= 0 {
		commandsPerSecond = 1000
	}
	if burst <= 0 {
		burst = 100
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		logger:  logger,
		handler: handler,
		cmdRate: rate.Limit(commandsPerSecond),
		burst:   burst,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds addr and begins accepting connections in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	s.ln = ln
	s.logger.Info("listening", zap.String("addr", ln.Addr().String()))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.ln.Addr()
}

// Close stops accepting, disconnects the listener, and waits for the
// per-connection handlers to drain.
func (s *Server) Close() {
	s.cancel()
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	connID := uuid.NewString()[:8]
	logger := s.logger.With(
		zap.String("conn", connID),
		zap.String("remote", conn.RemoteAddr().String()))
	logger.Debug("client connected")

	// Close the socket when the server shuts down so blocked reads return.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-s.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	limiter := rate.NewLimiter(s.cmdRate, s.burst)
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}

		reply := s.handler.Dispatch(line)
		if _, err := fmt.Fprintf(conn, "%s\n", reply); err != nil {
			logger.Debug("write failed", zap.Error(err))
			return
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("client connection ended", zap.Error(err))
	} else {
		logger.Debug("client disconnected")
	}
}
