package link

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ircnet/irc"
)

// Transport moves whole lines. Implementations must allow one concurrent
// reader and one concurrent writer.
type Transport interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
}

const writeTimeout = 30 * time.Second

var ErrLineTooLong = errors.New("line exceeds framing limit")

type streamTransport struct {
	conn   net.Conn
	reader *bufio.Reader
	once   sync.Once
}

// NewStreamTransport frames lines on a byte stream (CRLF or LF terminated).
func NewStreamTransport(conn net.Conn) Transport {
	return &streamTransport{conn: conn, reader: bufio.NewReaderSize(conn, 4096)}
}

func (s *streamTransport) ReadLine() (string, error) {
	return readFramed(s.reader)
}

// readFramed reads one CRLF or LF terminated line, refusing lines longer
// than twice the protocol limit.
func readFramed(r *bufio.Reader) (string, error) {
	var b strings.Builder
	for {
		chunk, isPrefix, err := r.ReadLine()
		if err != nil {
			return "", err
		}
		b.Write(chunk)
		if b.Len() > 2*irc.MaxLineLength {
			return "", ErrLineTooLong
		}
		if !isPrefix {
			return b.String(), nil
		}
	}
}

func (s *streamTransport) WriteLine(line string) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write([]byte(line + "\r\n"))
	return err
}

func (s *streamTransport) Close() error {
	var err error
	s.once.Do(func() { err = s.conn.Close() })
	return err
}

func (s *streamTransport) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

type websocketTransport struct {
	conn *websocket.Conn
	once sync.Once
}

// NewWebsocketTransport carries one line per text frame.
func NewWebsocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(int64(2 * irc.MaxLineLength))
	return &websocketTransport{conn: conn}
}

func (w *websocketTransport) ReadLine() (string, error) {
	for {
		kind, data, err := w.conn.ReadMessage()
		if err != nil {
			return "", err
		}
		if kind != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

func (w *websocketTransport) WriteLine(line string) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.conn.WriteMessage(websocket.TextMessage, []byte(line))
}

func (w *websocketTransport) Close() error {
	var err error
	w.once.Do(func() {
		_ = w.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = w.conn.Close()
	})
	return err
}

func (w *websocketTransport) RemoteAddr() string {
	return w.conn.RemoteAddr().String()
}

// Upgrader accepts inbound websocket links.
var Upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Dial opens an outbound transport. kind is "tcp", "tls", "ws" or "quic";
// for "ws" address is a ws:// or wss:// URL. tlsConf is used by "tls" and
// "quic" and may be nil.
func Dial(ctx context.Context, kind, address string, tlsConf *tls.Config) (Transport, error) {
	if tlsConf == nil {
		tlsConf = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	switch kind {
	case "", "tcp":
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return NewStreamTransport(conn), nil
	case "tls":
		d := tls.Dialer{Config: tlsConf}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return NewStreamTransport(conn), nil
	case "ws":
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, address, nil)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", address, err)
		}
		return NewWebsocketTransport(conn), nil
	case "quic":
		return DialQUIC(ctx, address, tlsConf)
	}
	return nil, fmt.Errorf("unknown transport %q", kind)
}

// ValidTransport reports whether Dial understands kind.
func ValidTransport(kind string) bool {
	switch kind {
	case "tcp", "tls", "ws", "quic":
		return true
	}
	return false
}
