package internal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/klauspost/compress/zlib"
	"golang.org/x/net/proxy"
	"nhooyr.io/websocket"
)

const (
	WebsocketReadLimit = 512 << 20

	websocketNormalClosure = 1000

	// closeCodeReconnect closes a connection we intend to reopen.
	closeCodeReconnect = 4000
)

// Transport opens streaming connections to the gateway.
type Transport interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Conn is a message oriented connection. Read returns a *CloseError when
// the peer closed the connection with a status code.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// CloseError reports the close status of a connection.
type CloseError struct {
	Reason string
	Code   int
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed with code %d: %s", e.Code, e.Reason)
}

// closeCode returns the close status carried by err, if any.
func closeCode(err error) (int, bool) {
	var closeErr *CloseError

	if errors.As(err, &closeErr) {
		return closeErr.Code, true
	}

	return 0, false
}

// Codec encodes and decodes gateway payloads.
type Codec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// JSONCodec encodes gateway payloads as JSON.
type JSONCodec struct{}

func (JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

// WebsocketTransport dials the gateway over a websocket.
type WebsocketTransport struct {
	HTTPClient *http.Client
	Header     http.Header
	ReadLimit  int64
}

func (wt *WebsocketTransport) Dial(ctx context.Context, u string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: wt.HTTPClient,
		HTTPHeader: wt.Header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to websocket: %w", err)
	}

	readLimit := wt.ReadLimit
	if readLimit == 0 {
		readLimit = WebsocketReadLimit
	}

	conn.SetReadLimit(readLimit)

	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (wc *websocketConn) Read(ctx context.Context) ([]byte, error) {
	messageType, data, err := wc.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError

		if errors.As(err, &closeErr) {
			return nil, &CloseError{Code: int(closeErr.Code), Reason: closeErr.Reason}
		}

		return nil, err
	}

	if messageType == websocket.MessageBinary {
		data, err = inflate(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress data: %w", err)
		}
	}

	return data, nil
}

func (wc *websocketConn) Write(ctx context.Context, data []byte) error {
	return wc.conn.Write(ctx, websocket.MessageText, data)
}

func (wc *websocketConn) Close(code int, reason string) error {
	return wc.conn.Close(websocket.StatusCode(code), reason)
}

// inflate decompresses a zlib compressed payload.
func inflate(data []byte) ([]byte, error) {
	reader, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}

	defer reader.Close()

	return io.ReadAll(reader)
}

func supportedProxyScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "socks5", "socks5h":
		return true
	default:
		return false
	}
}

// NewHTTPClient returns an HTTP client that routes through proxyURL, if
// set. The client is shared by REST requests and the websocket dialer.
func NewHTTPClient(proxyURL string) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()

	if proxyURL == "" {
		return &http.Client{Transport: transport}, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse proxy: %w", err)
	}

	switch u.Scheme {
	case "http", "https":
		transport.Proxy = http.ProxyURL(u)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(u, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("failed to create proxy dialer: %w", err)
		}

		transport.Proxy = nil

		if contextDialer, ok := dialer.(proxy.ContextDialer); ok {
			transport.DialContext = contextDialer.DialContext
		} else {
			transport.DialContext = func(_ context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			}
		}
	default:
		return nil, ErrConfigurationValidateProxy
	}

	return &http.Client{Transport: transport}, nil
}
