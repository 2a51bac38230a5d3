package proxy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	// requestLineBufferSize bounds the CONNECT request line
	requestLineBufferSize = 4096
	// maxHandshakeSize bounds the request line plus its header block
	maxHandshakeSize = 64 * 1024

	// headerBlockWait bounds the wait for headers after the request line.
	// Clients that send only the request line get their tunnel after it.
	headerBlockWait = 500 * time.Millisecond

	connectMethod = "CONNECT"

	responseEstablished = "HTTP/1.1 200 Connection Established\r\n\r\n"
	responseBadRequest  = "HTTP/1.1 400 Bad Request\r\n\r\nOnly CONNECT method supported"
)

// Target is the destination named by a CONNECT request.
type Target struct {
	Host string // as sent by the client, e.g. "example.com" or "[::1]"
	Port int
}

// String returns the target in the form it was requested.
func (t Target) String() string {
	return t.Host + ":" + strconv.Itoa(t.Port)
}

// Address returns a dialable host:port, bracketing IPv6 literals.
func (t Target) Address() string {
	host := strings.TrimSuffix(strings.TrimPrefix(t.Host, "["), "]")
	return net.JoinHostPort(host, strconv.Itoa(t.Port))
}

// ParseConnectLine parses a request line of the form
// "CONNECT host:port HTTP/1.x". Invalid UTF-8 is replaced rather than
// rejected. The authority is split at its last colon, so "::1:443" yields
// host "::1" and port 443.
func ParseConnectLine(line string) (Target, error) {
	text := strings.TrimSpace(strings.ToValidUTF8(line, "\uFFFD"))
	fields := strings.Fields(text)

	if len(fields) < 2 {
		return Target{}, newCodedError(ErrCodeMalformedConnect, fmt.Errorf("request line %q has too few fields", text))
	}
	if fields[0] != connectMethod {
		return Target{}, newCodedError(ErrCodeMalformedConnect, fmt.Errorf("unsupported method %q", fields[0]))
	}

	authority := fields[1]
	idx := strings.LastIndex(authority, ":")
	if idx < 0 {
		return Target{}, newCodedError(ErrCodeInvalidAddress, fmt.Errorf("target %q has no port", authority))
	}

	host, portStr := authority[:idx], authority[idx+1:]
	if host == "" {
		return Target{}, newCodedError(ErrCodeInvalidAddress, fmt.Errorf("target %q has an empty host", authority))
	}

	port, err := parsePort(portStr)
	if err != nil {
		return Target{}, newCodedError(ErrCodeInvalidPort, fmt.Errorf("target %q: %w", authority, err))
	}

	return Target{Host: host, Port: port}, nil
}

func parsePort(s string) (int, error) {
	if s == "" {
		return 0, errors.New("empty port")
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("port %q is not a decimal number", s)
		}
	}
	port, err := strconv.Atoi(s)
	if err != nil || port < 1 || port > 65535 {
		return 0, fmt.Errorf("port %q out of range", s)
	}
	return port, nil
}

// IsMalformedRequest reports whether err came from a request that should be
// answered with 400 Bad Request.
func IsMalformedRequest(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeMalformedConnect, ErrCodeInvalidAddress, ErrCodeInvalidPort:
		return true
	}
	return false
}

// handshake is the parsed start of a client connection.
type handshake struct {
	Target Target
	// Buffered holds bytes the client sent after the header block. They are
	// forwarded to the target before anything else.
	Buffered []byte
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// readHandshake reads the request line and consumes the header block up to
// the blank line. When r supports read deadlines, a header block that does
// not arrive within headerBlockWait is treated as empty.
func readHandshake(r io.Reader) (*handshake, error) {
	lr := &io.LimitedReader{R: r, N: maxHandshakeSize}
	br := bufio.NewReaderSize(lr, requestLineBufferSize)

	line, err := br.ReadSlice('\n')
	switch {
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, newCodedError(ErrCodeMalformedConnect, fmt.Errorf("request line exceeds %d bytes", requestLineBufferSize))
	case err != nil && !(errors.Is(err, io.EOF) && len(line) > 0):
		return nil, newCodedError(ErrCodeHTTPRequestReadFailed, err)
	}
	lineTerminated := err == nil

	target, err := ParseConnectLine(string(line))
	if err != nil {
		return nil, err
	}

	if lineTerminated {
		if err := readHeaderBlock(r, br); err != nil {
			return nil, err
		}
		if lr.N <= 0 {
			return nil, newCodedError(ErrCodeMalformedConnect, fmt.Errorf("header block exceeds %d bytes", maxHandshakeSize))
		}
	}

	hs := &handshake{Target: target}
	if n := br.Buffered(); n > 0 {
		peeked, _ := br.Peek(n)
		hs.Buffered = append([]byte(nil), peeked...)
	}
	return hs, nil
}

func readHeaderBlock(r io.Reader, br *bufio.Reader) error {
	dl, canWait := r.(readDeadliner)
	if canWait {
		if err := dl.SetReadDeadline(time.Now().Add(headerBlockWait)); err != nil {
			return newCodedError(ErrCodeHTTPRequestReadFailed, err)
		}
		defer func() { _ = dl.SetReadDeadline(time.Time{}) }()
	}

	_, err := textproto.NewReader(br).ReadMIMEHeader()
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case canWait && isTimeout(err):
		return nil
	}
	return newCodedError(ErrCodeMalformedConnect, fmt.Errorf("invalid header block: %w", err))
}

// bufferConn replays bytes read ahead during the handshake before reading
// from the underlying connection.
type bufferConn struct {
	net.Conn
	buf []byte
}

func (bc *bufferConn) Read(b []byte) (int, error) {
	if len(bc.buf) > 0 {
		n := copy(b, bc.buf)
		bc.buf = bc.buf[n:]
		return n, nil
	}
	return bc.Conn.Read(b)
}

// CloseWrite half-closes the underlying connection when it supports it.
func (bc *bufferConn) CloseWrite() error {
	return closeWrite(bc.Conn)
}
