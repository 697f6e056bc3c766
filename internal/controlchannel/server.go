package controlchannel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/eventphone/ywsd/internal/routing/dispatch"
)

// Server accepts TCP connections from the telephone engine and serves
// call.route requests over the line-oriented protocol (§6), one request
// per line, replies written back on the same connection.
type Server struct {
	addr       string
	dispatcher *dispatch.Dispatcher
	logger     *slog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer builds a control-channel server bound to addr. It does not
// start listening until Start is called.
func NewServer(d *dispatch.Dispatcher, addr string, logger *slog.Logger) *Server {
	return &Server{
		addr:       addr,
		dispatcher: d,
		logger:     logger.With("subsystem", "controlchannel"),
	}
}

// Start opens the listener and begins accepting connections in the
// background. It returns once the listener is ready; accept errors after
// that point are logged, not returned.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control channel listen on %s: %w", s.addr, err)
	}
	s.ln = ln

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()

	s.logger.Info("control channel listening", "addr", s.addr)
	return nil
}

// Stop closes the listener, cancels every in-flight request's context,
// and waits for all connection handlers to return.
func (s *Server) Stop() {
	s.logger.Info("stopping control channel")
	if s.cancel != nil {
		s.cancel()
	}
	if s.ln != nil {
		s.ln.Close()
	}
	s.wg.Wait()
	s.logger.Info("control channel stopped")
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves requests from one connection until the peer closes it,
// the listener is stopped, or a write fails. Each line is handled
// independently; a malformed or unknown-command line gets an error reply
// and does not close the connection.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	// Unblock the pending Scan when the server is stopped.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}

		line := scanner.Text()
		req, err := ParseRequest(line)
		if err != nil {
			if errors.Is(err, ErrEmptyLine) {
				continue
			}
			s.writeLine(conn, encodeFailure("NO_ROUTE", err.Error()))
			continue
		}

		reply := s.dispatchRequest(ctx, req)
		if err := s.writeLine(conn, reply); err != nil {
			s.logger.Debug("write failed, closing connection", "error", err)
			return
		}
	}
}

func (s *Server) dispatchRequest(ctx context.Context, req *Request) string {
	switch req.Command {
	case "call.route":
		return s.handleCallRoute(ctx, req)
	default:
		return encodeFailure("NO_ROUTE", "unknown command "+req.Command)
	}
}

func (s *Server) writeLine(conn net.Conn, line string) error {
	_, err := conn.Write([]byte(line + "\n"))
	return err
}
