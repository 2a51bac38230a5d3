package proxy

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"golang.org/x/sync/errgroup"
)

// ChunkSize is the most a tunnel direction reads before writing it on.
const ChunkSize = 4096

var chunkPool = sync.Pool{
	New: func() any {
		buf := make([]byte, ChunkSize)
		return &buf
	},
}

func getChunk() *[]byte {
	return chunkPool.Get().(*[]byte)
}

func putChunk(buf *[]byte) {
	if buf != nil {
		chunkPool.Put(buf)
	}
}

// ForwardStats counts the bytes relayed in each direction of a tunnel.
type ForwardStats struct {
	ClientToTarget int64
	TargetToClient int64
}

// Forward relays bytes between client and target until both directions
// have finished. Each direction reads at most ChunkSize bytes and writes
// them fully before reading again. When a direction ends its destination is
// half-closed so the peer sees EOF while the other direction keeps running.
//
// A positive idleTimeout closes both connections once neither direction has
// carried data for that long. Cancelling ctx closes both connections.
//
// Expected terminations (EOF, reset, broken pipe, closed connection, idle
// timeout) are not reported. Any other error is returned after both
// directions have stopped.
func Forward(ctx context.Context, client, target net.Conn, idleTimeout time.Duration) (ForwardStats, error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			_ = client.Close()
			_ = target.Close()
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var idle *idleClock
	if idleTimeout > 0 {
		idle = newIdleClock(idleTimeout)
	}

	var st ForwardStats
	var g errgroup.Group

	g.Go(func() error {
		return relay(target, client, idle, &st.ClientToTarget, closeBoth)
	})
	g.Go(func() error {
		return relay(client, target, idle, &st.TargetToClient, closeBoth)
	})

	err := g.Wait()
	return st, err
}

// idleClock is the last time either direction of a tunnel read data.
type idleClock struct {
	timeout time.Duration
	last    atomic.Int64
}

func newIdleClock(timeout time.Duration) *idleClock {
	c := &idleClock{timeout: timeout}
	c.touch()
	return c
}

func (c *idleClock) touch() {
	c.last.Store(time.Now().UnixNano())
}

// deadline is when the tunnel becomes idle unless either direction reads.
func (c *idleClock) deadline() time.Time {
	return time.Unix(0, c.last.Load()).Add(c.timeout)
}

// relay copies src to dst one chunk at a time, then half-closes dst. A read
// deadline only ends the direction when the whole tunnel has gone idle.
func relay(dst, src net.Conn, idle *idleClock, written *int64, closeBoth func()) error {
	bufp := getChunk()
	defer putChunk(bufp)
	buf := *bufp

	err := func() error {
		for {
			if idle != nil {
				if err := src.SetReadDeadline(idle.deadline()); err != nil {
					return err
				}
			}
			n, rerr := src.Read(buf)
			if n > 0 {
				if idle != nil {
					idle.touch()
				}
				if logger.IsLevelEnabled(logger.TRACE) {
					logger.Trace("Relayed %d bytes from %s", n, src.RemoteAddr())
				}
				wn, werr := dst.Write(buf[:n])
				*written += int64(wn)
				if werr != nil {
					return werr
				}
				if wn != n {
					return io.ErrShortWrite
				}
			}
			if rerr != nil {
				if isTimeout(rerr) && idle != nil && time.Now().Before(idle.deadline()) {
					continue
				}
				return rerr
			}
		}
	}()

	if isTimeout(err) {
		closeBoth()
	} else {
		_ = closeWrite(dst)
	}

	if IsExpectedClose(err) {
		return nil
	}
	return err
}

type closeWriter interface {
	CloseWrite() error
}

// closeWrite shuts down the write side of c, or closes it entirely when
// half-close is not supported.
func closeWrite(c net.Conn) error {
	if cw, ok := c.(closeWriter); ok {
		return cw.CloseWrite()
	}
	return c.Close()
}

// IsExpectedClose reports whether err is a normal way for a tunnel
// direction to end: EOF, peer reset, broken pipe, an already closed
// connection or a read deadline.
func IsExpectedClose(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	if isTimeout(err) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "broken pipe")
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
