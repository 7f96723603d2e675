package link

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
)

// QUICProtocol is the ALPN name negotiated on server link connections.
const QUICProtocol = "ircnet-link"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  5 * time.Minute,
	KeepAlivePeriod: 30 * time.Second,
}

// quicTransport carries a link on the first bidirectional stream of a
// QUIC connection.
type quicTransport struct {
	conn   *quic.Conn
	stream *quic.Stream
	reader *bufio.Reader
	once   sync.Once
}

func newQUICTransport(conn *quic.Conn, stream *quic.Stream) Transport {
	return &quicTransport{conn: conn, stream: stream, reader: bufio.NewReaderSize(stream, 4096)}
}

func (q *quicTransport) ReadLine() (string, error) {
	return readFramed(q.reader)
}

func (q *quicTransport) WriteLine(line string) error {
	_ = q.stream.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := q.stream.Write([]byte(line + "\r\n"))
	return err
}

func (q *quicTransport) Close() error {
	var err error
	q.once.Do(func() {
		_ = q.stream.Close()
		err = q.conn.CloseWithError(0, "")
	})
	return err
}

func (q *quicTransport) RemoteAddr() string {
	return q.conn.RemoteAddr().String()
}

func withALPN(conf *tls.Config) *tls.Config {
	conf = conf.Clone()
	conf.NextProtos = []string{QUICProtocol}
	if conf.MinVersion < tls.VersionTLS13 {
		conf.MinVersion = tls.VersionTLS13
	}
	return conf
}

// DialQUIC opens a QUIC connection and its link stream. The acceptor only
// sees the stream once the first line is written, which the outbound
// handshake does immediately.
func DialQUIC(ctx context.Context, address string, tlsConf *tls.Config) (Transport, error) {
	conn, err := quic.DialAddr(ctx, address, withALPN(tlsConf), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("open stream to %s: %w", address, err)
	}
	return newQUICTransport(conn, stream), nil
}

// QUICListener accepts inbound links over QUIC.
type QUICListener struct {
	ln *quic.Listener
}

func ListenQUIC(addr string, tlsConf *tls.Config) (*QUICListener, error) {
	ln, err := quic.ListenAddr(addr, withALPN(tlsConf), quicConfig)
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	return &QUICListener{ln: ln}, nil
}

// Accept waits for a connection and its first stream.
func (l *QUICListener) Accept(ctx context.Context) (Transport, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return newQUICTransport(conn, stream), nil
}

func (l *QUICListener) Addr() string {
	return l.ln.Addr().String()
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}
