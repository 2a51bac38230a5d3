package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/config"
	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"golang.org/x/net/proxy"
)

// Dialer opens the outbound side of a tunnel.
type Dialer interface {
	DialTarget(ctx context.Context, target Target) (net.Conn, error)
}

// NewDialer returns a direct dialer, or a SOCKS5 dialer when an upstream
// proxy is configured.
func NewDialer(cfg *config.Config) (Dialer, error) {
	timeout := cfg.ConnectTimeout()
	if cfg.Upstream == nil {
		return &directDialer{timeout: timeout}, nil
	}

	switch cfg.Upstream.Type {
	case config.UpstreamTypeSOCKS5:
		var auth *proxy.Auth
		if cfg.Upstream.Username != nil {
			auth = &proxy.Auth{User: *cfg.Upstream.Username}
			if cfg.Upstream.Password != nil {
				auth.Password = *cfg.Upstream.Password
			}
		}
		return &socks5Dialer{address: cfg.Upstream.Address, auth: auth, timeout: timeout}, nil
	default:
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("unsupported upstream type %q", cfg.Upstream.Type))
	}
}

// directDialer connects straight to the target.
type directDialer struct {
	timeout time.Duration
}

func (d *directDialer) DialTarget(ctx context.Context, target Target) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		code := ErrCodeUpstreamConnectFailed
		if isTimeout(err) {
			code = ErrCodeConnectionTimeout
		}
		return nil, newCodedError(code, fmt.Errorf("%s: %w", target, err))
	}
	return conn, nil
}

// socks5Dialer connects to the target through a SOCKS5 proxy.
type socks5Dialer struct {
	address string
	auth    *proxy.Auth
	timeout time.Duration
}

func (d *socks5Dialer) DialTarget(ctx context.Context, target Target) (net.Conn, error) {
	forward := &rawConnDialer{dialer: &net.Dialer{Timeout: d.timeout}}
	socksDialer, err := proxy.SOCKS5("tcp", d.address, d.auth, forward)
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: %w", d.address, err))
	}
	ctxDialer, ok := socksDialer.(proxy.ContextDialer)
	if !ok {
		return nil, newCodedError(ErrCodeSOCKS5DialerFailed, fmt.Errorf("proxy %s: dialer does not support contexts", d.address))
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	logger.Debug("Dialing %s via SOCKS5 proxy %s", target, d.address)
	conn, err := ctxDialer.DialContext(ctx, "tcp", target.Address())
	if err != nil {
		return nil, newCodedError(ErrCodeSOCKS5ConnectFailed, fmt.Errorf("%s via %s: %w", target, d.address, err))
	}
	return &socksConn{Conn: conn, raw: forward.conn}, nil
}

// rawConnDialer remembers the TCP connection it opened to the SOCKS5 proxy,
// which the SOCKS client otherwise hides behind its own net.Conn.
type rawConnDialer struct {
	dialer *net.Dialer
	conn   net.Conn
}

func (r *rawConnDialer) Dial(network, addr string) (net.Conn, error) {
	return r.DialContext(context.Background(), network, addr)
}

func (r *rawConnDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	conn, err := r.dialer.DialContext(ctx, network, addr)
	if err == nil {
		r.conn = conn
	}
	return conn, err
}

// socksConn is a tunnel through a SOCKS5 proxy that can still be half-closed.
type socksConn struct {
	net.Conn
	raw net.Conn
}

func (c *socksConn) CloseWrite() error {
	if c.raw != nil {
		return closeWrite(c.raw)
	}
	return c.Conn.Close()
}
