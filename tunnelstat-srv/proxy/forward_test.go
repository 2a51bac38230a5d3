package proxy

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/codefionn/tunnelstat/tunnelstat-srv/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/nettest"
)

// tcpPair returns both ends of a loopback TCP connection.
func tcpPair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := nettest.NewLocalListener("tcp")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- conn
	}()

	dialed, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	server := <-accepted
	require.NotNil(t, server)

	t.Cleanup(func() {
		dialed.Close()
		server.Close()
	})
	return dialed, server
}

// lockedBuffer is a bytes.Buffer safe for concurrent log writes.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// captureLogs sends log output at level and above to w for the rest of the
// test.
func captureLogs(t *testing.T, w io.Writer, level logger.LogLevel) {
	t.Helper()
	prev := logger.GetLevel()
	logger.SetOutput(w)
	logger.SetLevel(level)
	t.Cleanup(func() {
		logger.SetOutput(os.Stdout)
		logger.SetLevel(prev)
	})
}

// forwardFixture wires a client and a target through Forward. The test talks
// to clientPeer and targetPeer.
type forwardFixture struct {
	clientPeer net.Conn
	targetPeer net.Conn
	done       chan struct{}
	stats      ForwardStats
	err        error
}

func startForward(t *testing.T, ctx context.Context, idle time.Duration) *forwardFixture {
	t.Helper()
	clientPeer, clientSide := tcpPair(t)
	targetSide, targetPeer := tcpPair(t)

	f := &forwardFixture{clientPeer: clientPeer, targetPeer: targetPeer, done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.stats, f.err = Forward(ctx, clientSide, targetSide, idle)
	}()
	return f
}

func (f *forwardFixture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return")
	}
}

func TestForwardPayloadSizes(t *testing.T) {
	sizes := []int{1, ChunkSize - 1, ChunkSize, ChunkSize + 1, 2 * ChunkSize, 10000, 1 << 20}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			f := startForward(t, context.Background(), 0)

			up := make([]byte, size)
			_, err := rand.Read(up)
			require.NoError(t, err)
			down := bytes.Repeat([]byte{0x5a}, size)

			// target echoes nothing until it has the whole upload
			targetGot := make(chan []byte, 1)
			go func() {
				buf := make([]byte, size)
				_, err := io.ReadFull(f.targetPeer, buf)
				if err != nil {
					targetGot <- nil
					return
				}
				targetGot <- buf
				_, _ = f.targetPeer.Write(down)
				_ = f.targetPeer.(*net.TCPConn).CloseWrite()
			}()

			go func() {
				_, _ = f.clientPeer.Write(up)
			}()

			got := make([]byte, size)
			_, err = io.ReadFull(f.clientPeer, got)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(down, got), "target to client payload differs")
			assert.True(t, bytes.Equal(up, <-targetGot), "client to target payload differs")

			// target half-closed, so the client sees EOF
			n, err := f.clientPeer.Read(make([]byte, 1))
			assert.Equal(t, 0, n)
			assert.ErrorIs(t, err, io.EOF)

			require.NoError(t, f.clientPeer.(*net.TCPConn).CloseWrite())
			f.wait(t)
			require.NoError(t, f.err)
			assert.Equal(t, int64(size), f.stats.ClientToTarget)
			assert.Equal(t, int64(size), f.stats.TargetToClient)
		})
	}
}

func TestForwardHalfCloseKeepsOtherDirection(t *testing.T) {
	f := startForward(t, context.Background(), 0)

	_, err := f.clientPeer.Write([]byte("request"))
	require.NoError(t, err)
	require.NoError(t, f.clientPeer.(*net.TCPConn).CloseWrite())

	got, err := io.ReadAll(f.targetPeer)
	require.NoError(t, err)
	assert.Equal(t, "request", string(got))

	// client finished sending, target may still answer
	_, err = f.targetPeer.Write([]byte("response"))
	require.NoError(t, err)
	require.NoError(t, f.targetPeer.Close())

	got, err = io.ReadAll(f.clientPeer)
	require.NoError(t, err)
	assert.Equal(t, "response", string(got))

	f.wait(t)
	assert.NoError(t, f.err)
}

func TestForwardIdleTimeoutClosesBoth(t *testing.T) {
	f := startForward(t, context.Background(), 100*time.Millisecond)

	start := time.Now()
	f.wait(t)
	assert.NoError(t, f.err)
	assert.Less(t, time.Since(start), 3*time.Second)

	_ = f.clientPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := f.clientPeer.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.False(t, isTimeout(err), "client side should be closed, not idle")
}

func TestForwardIdleTimeoutResetsOnTraffic(t *testing.T) {
	f := startForward(t, context.Background(), 300*time.Millisecond)

	for i := 0; i < 5; i++ {
		_, err := f.clientPeer.Write([]byte("ping"))
		require.NoError(t, err)
		buf := make([]byte, 4)
		_, err = io.ReadFull(f.targetPeer, buf)
		require.NoError(t, err)

		_, err = f.targetPeer.Write([]byte("pong"))
		require.NoError(t, err)
		_, err = io.ReadFull(f.clientPeer, buf)
		require.NoError(t, err)

		time.Sleep(100 * time.Millisecond)
	}

	select {
	case <-f.done:
		t.Fatal("tunnel closed while traffic was flowing")
	default:
	}

	_ = f.clientPeer.Close()
	_ = f.targetPeer.Close()
	f.wait(t)
}

func TestForwardIdleTimeoutIgnoresQuietSide(t *testing.T) {
	f := startForward(t, context.Background(), 200*time.Millisecond)

	// the target streams for well past the idle timeout while the client
	// sends nothing
	const writes = 20
	chunk := bytes.Repeat([]byte{0x42}, 1024)
	go func() {
		for i := 0; i < writes; i++ {
			if _, err := f.targetPeer.Write(chunk); err != nil {
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
		_ = f.targetPeer.(*net.TCPConn).CloseWrite()
	}()

	_ = f.clientPeer.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(f.clientPeer)
	require.NoError(t, err)
	assert.Len(t, got, writes*len(chunk))

	require.NoError(t, f.clientPeer.(*net.TCPConn).CloseWrite())
	f.wait(t)
	assert.NoError(t, f.err)
	assert.Equal(t, int64(writes*len(chunk)), f.stats.TargetToClient)
}

func TestForwardTracesRelayedReads(t *testing.T) {
	var out lockedBuffer
	captureLogs(t, &out, logger.TRACE)

	f := startForward(t, context.Background(), 0)
	_, err := f.clientPeer.Write([]byte("hello"))
	require.NoError(t, err)
	buf := make([]byte, 5)
	_, err = io.ReadFull(f.targetPeer, buf)
	require.NoError(t, err)

	_ = f.clientPeer.Close()
	_ = f.targetPeer.Close()
	f.wait(t)
	assert.Contains(t, out.String(), "[TRACE] Relayed 5 bytes from ")
}

func TestForwardContextCancelClosesBoth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := startForward(t, ctx, 0)

	_, err := f.clientPeer.Write([]byte("x"))
	require.NoError(t, err)
	_, err = io.ReadFull(f.targetPeer, make([]byte, 1))
	require.NoError(t, err)

	cancel()
	f.wait(t)
	assert.NoError(t, f.err)

	_ = f.targetPeer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = f.targetPeer.Read(make([]byte, 1))
	assert.Error(t, err)
	assert.False(t, isTimeout(err))
}

func TestForwardOverPipes(t *testing.T) {
	clientPeer, clientSide := net.Pipe()
	targetSide, targetPeer := net.Pipe()
	defer clientPeer.Close()
	defer targetPeer.Close()

	done := make(chan error, 1)
	go func() {
		_, err := Forward(context.Background(), clientSide, targetSide, 0)
		done <- err
	}()

	go func() {
		_, _ = clientPeer.Write([]byte("hello"))
	}()
	buf := make([]byte, 5)
	_, err := io.ReadFull(targetPeer, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	// pipes cannot half-close, so ending one side ends the tunnel
	require.NoError(t, clientPeer.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Forward did not return")
	}
}

func TestIsExpectedClose(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"eof", io.EOF, true},
		{"wrapped eof", fmt.Errorf("read: %w", io.EOF), true},
		{"closed", net.ErrClosed, true},
		{"closed pipe", io.ErrClosedPipe, true},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, true},
		{"broken pipe", &net.OpError{Op: "write", Err: os.NewSyscallError("write", syscall.EPIPE)}, true},
		{"aborted", syscall.ECONNABORTED, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"reset text", errors.New("read tcp: connection reset by peer"), true},
		{"closed text", errors.New("use of closed network connection"), true},
		{"other", errors.New("disk on fire"), false},
		{"short write", io.ErrShortWrite, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpectedClose(tt.err))
		})
	}
}

func TestCloseWriteFallsBackToClose(t *testing.T) {
	a, b := net.Pipe()
	defer b.Close()

	require.NoError(t, closeWrite(a))
	_, err := a.Write([]byte("x"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

func TestChunkPoolReuse(t *testing.T) {
	buf := getChunk()
	require.Len(t, *buf, ChunkSize)
	putChunk(buf)
	putChunk(nil)

	again := getChunk()
	assert.Len(t, *again, ChunkSize)
	putChunk(again)
}
