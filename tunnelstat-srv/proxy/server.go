package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/stats"
	"github.com/google/uuid"
)

// badRequestLinger bounds how long a rejected client is drained after the
// 400 response, so unread request bytes do not turn the close into a reset.
const badRequestLinger = 250 * time.Millisecond

// Server accepts CONNECT requests and runs one tunnel per connection.
type Server struct {
	listenAddress string
	idleTimeout   time.Duration
	recorder      stats.Recorder
	dialer        Dialer
	now           func() time.Time

	// tunnelCtx outlives Serve; cancelling it tears down active tunnels
	tunnelCtx    context.Context
	closeTunnels context.CancelFunc

	mu      sync.Mutex
	active  int
	drained chan struct{}
}

// NewServer creates a tunnel server. A nil recorder discards records and a
// nil dialer connects directly using the configured connect timeout.
func NewServer(cfg *config.Config, recorder stats.Recorder, dialer Dialer) *Server {
	if recorder == nil {
		recorder = stats.NewDummyStore()
	}
	if dialer == nil {
		dialer = &directDialer{timeout: cfg.ConnectTimeout()}
	}

	tunnelCtx, closeTunnels := context.WithCancel(context.Background())
	return &Server{
		listenAddress: cfg.ListenAddress,
		idleTimeout:   cfg.IdleTimeout(),
		recorder:      recorder,
		dialer:        dialer,
		now:           time.Now,
		tunnelCtx:     tunnelCtx,
		closeTunnels:  closeTunnels,
	}
}

// ListenAndServe binds the configured listen address and serves until ctx
// is cancelled. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.listenAddress)
	if err != nil {
		return newCodedError(ErrCodeListenerCreateFailed, fmt.Errorf("listen %s: %w", s.listenAddress, err))
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, handling each in
// its own goroutine. Cancelling ctx closes ln but leaves active tunnels
// running; use Wait and Close to drain or end them. Serve returns nil after
// cancellation.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		_ = ln.Close()
	})
	defer stop()

	logger.Info("Tunnel proxy listening on %s", ln.Addr())

	var tempDelay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("Tunnel proxy on %s stopped accepting", ln.Addr())
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}

			if tempDelay == 0 {
				tempDelay = 5 * time.Millisecond
			} else {
				tempDelay *= 2
			}
			if tempDelay > time.Second {
				tempDelay = time.Second
			}
			logger.Error("Accept error: %v; retrying in %v", err, tempDelay)
			select {
			case <-time.After(tempDelay):
			case <-ctx.Done():
			}
			continue
		}
		tempDelay = 0

		acceptedAt := s.now()
		s.track(1)
		go s.handleConn(conn, acceptedAt)
	}
}

// ActiveTunnels returns the number of connections currently being handled.
func (s *Server) ActiveTunnels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Wait blocks until no connections are being handled or ctx is done.
func (s *Server) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.active == 0 {
		s.mu.Unlock()
		return nil
	}
	if s.drained == nil {
		s.drained = make(chan struct{})
	}
	drained := s.drained
	s.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down all active tunnels and pending dials.
func (s *Server) Close() error {
	s.closeTunnels()
	return nil
}

func (s *Server) track(delta int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active += delta
	if s.active == 0 && s.drained != nil {
		close(s.drained)
		s.drained = nil
	}
}

func (s *Server) handleConn(conn net.Conn, acceptedAt time.Time) {
	tunnelID := uuid.NewString()
	defer s.track(-1)
	defer func() {
		if r := recover(); r != nil {
			err := newCodedError(ErrCodePanicRecovered, fmt.Errorf("%v", r))
			logger.Error("%s", logger.WithRequestID(tunnelID, "%v", err))
		}
	}()
	defer conn.Close()

	clientIP := remoteIP(conn)

	hs, err := readHandshake(conn)
	if err != nil {
		if IsMalformedRequest(err) {
			logger.Warn("%s", logger.WithRequestID(tunnelID, "Rejected request from %s: %v", clientIP, err))
			rejectRequest(conn)
			return
		}
		logger.Debug("%s", logger.WithRequestID(tunnelID, "Handshake from %s failed: %v", clientIP, err))
		return
	}

	handshakeDone := s.now()
	rec := stats.ConnectionRecord{
		Timestamp:   handshakeDone,
		TargetHost:  hs.Target.Host,
		TargetPort:  hs.Target.Port,
		ClientIP:    clientIP,
		ConnectTime: handshakeDone.Sub(acceptedAt).Seconds(),
	}
	if err := s.recorder.Record(s.tunnelCtx, rec); err != nil {
		logger.Error("%s", logger.WithRequestID(tunnelID, "%v", newCodedError(ErrCodeRecordFailed, err)))
	}

	targetConn, err := s.dialer.DialTarget(s.tunnelCtx, hs.Target)
	if err != nil {
		logger.Error("%s", logger.WithRequestID(tunnelID, "Tunnel to %s for %s not established: %v", hs.Target, clientIP, err))
		return
	}
	defer targetConn.Close()

	if _, err := io.WriteString(conn, responseEstablished); err != nil {
		logger.Debug("%s", logger.WithRequestID(tunnelID, "%v", newCodedError(ErrCodeHTTPResponseWriteFailed, err)))
		return
	}

	client := conn
	if len(hs.Buffered) > 0 {
		client = &bufferConn{Conn: conn, buf: hs.Buffered}
	}

	logger.Info("%s", logger.WithRequestID(tunnelID, "Tunnel %s -> %s established", clientIP, hs.Target))
	started := s.now()

	st, err := Forward(s.tunnelCtx, client, targetConn, s.idleTimeout)
	if err != nil {
		logger.Warn("%s", logger.WithRequestID(tunnelID, "Tunnel to %s ended with error: %v", hs.Target, err))
	}
	logger.Debug("%s", logger.WithRequestID(tunnelID, "Tunnel to %s closed after %v (client->target %d bytes, target->client %d bytes)",
		hs.Target, s.now().Sub(started).Round(time.Millisecond), st.ClientToTarget, st.TargetToClient))
}

// rejectRequest writes the 400 response, then drains briefly before the
// caller closes the connection.
func rejectRequest(conn net.Conn) {
	if _, err := io.WriteString(conn, responseBadRequest); err != nil {
		return
	}
	_ = closeWrite(conn)
	_ = conn.SetReadDeadline(time.Now().Add(badRequestLinger))
	_, _ = io.Copy(io.Discard, io.LimitReader(conn, maxHandshakeSize))
}

func remoteIP(conn net.Conn) string {
	addr := conn.RemoteAddr()
	if addr == nil {
		return stats.UnknownClientIP
	}
	if tcpAddr, ok := addr.(*net.TCPAddr); ok {
		return tcpAddr.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil || host == "" {
		return stats.UnknownClientIP
	}
	return host
}
