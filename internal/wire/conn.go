package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"
)

// MaxLineSize bounds a single line; icon responses are the largest payload.
const MaxLineSize = 4 << 20

// ErrLineTooLong is returned when a peer sends more than MaxLineSize bytes
// without a newline.
var ErrLineTooLong = errors.New("wire: line too long")

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ReadLine reads one newline-terminated line from r. A final line without
// a newline is accepted when the peer closes the connection.
func ReadLine(r io.Reader) (string, error) {
	br := bufio.NewReader(io.LimitReader(r, MaxLineSize+1))
	s, err := br.ReadString('\n')
	if len(s) > MaxLineSize {
		return "", ErrLineTooLong
	}
	if err != nil {
		if errors.Is(err, io.EOF) && s != "" {
			return strings.TrimRight(s, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(s, "\r\n"), nil
}

// WriteLine writes line followed by a newline.
func WriteLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

// Send opens a one-shot connection to addr, writes line and closes.
// connectTimeout bounds the dial; ctx bounds the whole operation.
func Send(ctx context.Context, d Dialer, addr, line string, connectTimeout time.Duration) error {
	conn, err := dial(ctx, d, addr, connectTimeout)
	if err != nil {
		return err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetWriteDeadline(dl)
	}
	if err := WriteLine(conn, line); err != nil {
		return fmt.Errorf("write to %s: %w", addr, err)
	}
	return nil
}

// Exchange writes line and waits for a single reply line, for the
// handshake's request/response round trip.
func Exchange(ctx context.Context, d Dialer, addr, line string, connectTimeout time.Duration) (string, error) {
	conn, err := dial(ctx, d, addr, connectTimeout)
	if err != nil {
		return "", err
	}
	defer conn.Close()

	if dl, ok := ctx.Deadline(); ok {
		conn.SetDeadline(dl)
	}
	// Unblock the read if ctx is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	if err := WriteLine(conn, line); err != nil {
		return "", fmt.Errorf("write to %s: %w", addr, err)
	}
	reply, err := ReadLine(conn)
	if err != nil {
		return "", fmt.Errorf("read reply from %s: %w", addr, err)
	}
	return reply, nil
}

func dial(ctx context.Context, d Dialer, addr string, connectTimeout time.Duration) (net.Conn, error) {
	if d == nil {
		d = &net.Dialer{}
	}
	dctx := ctx
	if connectTimeout > 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, connectTimeout)
		defer cancel()
	}
	conn, err := d.DialContext(dctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

// RemoteIP returns the IP part of conn's remote address.
func RemoteIP(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
