// Package milter connects the ACL engine to an MTA through the milter
// protocol.
package milter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/migadu/policyd/acl"
	"github.com/migadu/policyd/config"
	"github.com/migadu/policyd/logger"
	"github.com/migadu/policyd/pkg/metrics"
)

// Server accepts milter connections from the MTA. Every connection owns
// exactly one ACL connection for its whole lifetime, across any number of
// messages and aborts.
type Server struct {
	appCtx  context.Context
	engine  *acl.Engine
	network string
	addr    string

	mu       sync.Mutex
	listener net.Listener
	conns    map[*trackedConn]struct{}
	closed   bool
	wg       sync.WaitGroup

	totalConnections  atomic.Int64
	activeConnections atomic.Int64
}

func New(appCtx context.Context, engine *acl.Engine, cfg config.MilterConfig) *Server {
	return &Server{
		appCtx:  appCtx,
		engine:  engine,
		network: cfg.GetNetworkWithDefault(),
		addr:    cfg.GetAddrWithDefault(),
		conns:   make(map[*trackedConn]struct{}),
	}
}

// Addr returns the configured listen address.
func (s *Server) Addr() string { return s.addr }

func (s *Server) listen() (net.Listener, error) {
	if s.network == "unix" {
		if err := os.Remove(s.addr); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", s.addr, err)
		}
		return net.Listen("unix", s.addr)
	}
	lc := &net.ListenConfig{Control: reuseAddr}
	return lc.Listen(s.appCtx, s.network, s.addr)
}

// Start serves until Close is called. Fatal errors are sent to errChan.
func (s *Server) Start(errChan chan error) {
	ln, err := s.listen()
	if err != nil {
		errChan <- fmt.Errorf("failed to create milter listener: %w", err)
		return
	}
	logger.Info("Milter server listening", "network", s.network, "addr", ln.Addr().String())
	s.Serve(ln, errChan)
}

// Serve accepts connections on an existing listener and runs one
// goroutine per MTA connection.
func (s *Server) Serve(ln net.Listener, errChan chan error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || s.appCtx.Err() != nil {
				logger.Info("Milter server stopped gracefully")
				return
			}
			errChan <- fmt.Errorf("milter server error: %w", err)
			return
		}

		tc := &trackedConn{Conn: conn}
		if !s.track(tc) {
			conn.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(tc)
			s.handleConn(tc)
		}()
	}
}

// Close stops accepting and closes every open MTA connection. Sessions
// run their close stage as their goroutines unwind.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	ln := s.listener
	conns := make([]*trackedConn, 0, len(s.conns))
	for tc := range s.conns {
		conns = append(conns, tc)
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, tc := range conns {
		tc.Close()
	}
	return err
}

// Wait blocks until every connection goroutine has returned.
func (s *Server) Wait() { s.wg.Wait() }

func (s *Server) GetTotalConnections() int64 { return s.totalConnections.Load() }

func (s *Server) GetActiveConnections() int64 { return s.activeConnections.Load() }

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(tc *trackedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[tc] = struct{}{}
	return true
}

func (s *Server) untrack(tc *trackedConn) {
	s.mu.Lock()
	delete(s.conns, tc)
	s.mu.Unlock()
}

// trackedConn remembers that it was closed so that liveness checks stop
// asking the kernel.
type trackedConn struct {
	net.Conn
	closed atomic.Bool
}

func (c *trackedConn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.Conn.Close()
}

// alive reports whether the MTA side of the connection is still open.
func (c *trackedConn) alive() bool {
	if c.closed.Load() {
		return false
	}
	return peerAlive(c.Conn)
}

func reuseAddr(network, address string, c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = setReuseAddr(fd)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

func observeClose(start time.Time) {
	metrics.ConnectionsCurrent.Dec()
	metrics.ConnectionDuration.Observe(time.Since(start).Seconds())
}
