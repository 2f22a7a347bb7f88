// Package listener binds the relay's TCP listener and repairs request lines
// that net/http would otherwise reject before any handler runs.
package listener

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"syscall"
)

// maxRequestLine bounds how much of a connection is buffered while looking
// for the end of the request line. Longer lines pass through untouched.
const maxRequestLine = 64 << 10

// Listen binds host:port. When that port is in use or not permitted and
// fallback is positive, up to fallback following ports are tried in order.
func Listen(host string, port, fallback int, logger *slog.Logger) (net.Listener, error) {
	for i := 0; ; i++ {
		addr := net.JoinHostPort(host, strconv.Itoa(port+i))
		ln, err := net.Listen("tcp", addr)
		if err == nil {
			return ln, nil
		}
		if i >= fallback || port+i >= 65535 || !portUnavailable(err) {
			return nil, fmt.Errorf("bind %s: %w", addr, err)
		}
		logger.Warn("port unavailable, trying next", "addr", addr, "err", err)
	}
}

func portUnavailable(err error) bool {
	return errors.Is(err, syscall.EADDRINUSE) || errors.Is(err, syscall.EACCES)
}

// Wrap returns a listener whose connections have stray '%' characters in
// the request target escaped as %25 (see RepairEscapes). Only the first
// request line of each connection is rewritten, so the server using it must
// run with keep-alives disabled.
func Wrap(ln net.Listener) net.Listener {
	return &repairListener{Listener: ln}
}

type repairListener struct {
	net.Listener
}

func (l *repairListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &repairConn{Conn: c}, nil
}

// repairConn defers reading until the server asks for data, so Accept
// never blocks on a slow client.
type repairConn struct {
	net.Conn
	r io.Reader
}

func (c *repairConn) Read(p []byte) (int, error) {
	if c.r == nil {
		c.r = c.firstLine()
	}
	return c.r.Read(p)
}

func (c *repairConn) firstLine() io.Reader {
	br := bufio.NewReaderSize(c.Conn, maxRequestLine)
	line, err := br.ReadSlice('\n')
	if err != nil {
		// Oversized, truncated or timed out: net/http reports it.
		return io.MultiReader(bytes.NewReader(bytes.Clone(line)), br)
	}
	return io.MultiReader(bytes.NewReader(RepairRequestLine(line)), br)
}

// RepairRequestLine applies RepairEscapes to the target of an HTTP request
// line such as "GET /proxy/a%zz HTTP/1.1\r\n". Method, protocol and line
// ending are kept as they are. The result never aliases line.
func RepairRequestLine(line []byte) []byte {
	first := bytes.IndexByte(line, ' ')
	last := bytes.LastIndexByte(line, ' ')
	if first < 0 || first == last {
		return bytes.Clone(line)
	}
	target := RepairEscapes(string(line[first+1 : last]))

	out := make([]byte, 0, len(line)+len(target)-(last-first-1))
	out = append(out, line[:first+1]...)
	out = append(out, target...)
	return append(out, line[last:]...)
}

// RepairEscapes rewrites every '%' that does not start a two-hex-digit
// escape as "%25", so decoding yields the '%' literally. Valid escapes are
// left alone.
func RepairEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		if s[i] == '%' && (i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2])) {
			b.WriteString("%25")
			continue
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

func isHex(c byte) bool {
	switch {
	case '0' <= c && c <= '9', 'a' <= c && c <= 'f', 'A' <= c && c <= 'F':
		return true
	}
	return false
}
