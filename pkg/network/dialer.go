// pkg/network/dialer.go
package network

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"
)

// DefaultTLSHandshakeTimeout caps the TLS handshake regardless of the dial timeout.
const DefaultTLSHandshakeTimeout = 10 * time.Second

// DialerConfig holds configuration for the low-level dialer.
type DialerConfig struct {
	Timeout   time.Duration
	KeepAlive time.Duration
	// TLSConfig enables TLS towards the target when non-nil.
	TLSConfig *tls.Config
	NoDelay   bool
	Resolver  *net.Resolver
	// ProxyURL routes the connection through an HTTP proxy. Plain targets are
	// dialed straight to the proxy (forward mode, absolute-form request URIs);
	// TLS targets are tunnelled with CONNECT.
	ProxyURL *url.URL
}

// Clone returns a deep copy of the DialerConfig.
func (c *DialerConfig) Clone() *DialerConfig {
	if c == nil {
		return NewDialerConfig()
	}
	clone := *c
	if c.TLSConfig != nil {
		clone.TLSConfig = c.TLSConfig.Clone()
	}
	if c.ProxyURL != nil {
		u := *c.ProxyURL
		clone.ProxyURL = &u
	}
	return &clone
}

// NewDialerConfig returns a plain-TCP configuration with secure TLS defaults
// available through SecureTLSConfig.
func NewDialerConfig() *DialerConfig {
	return &DialerConfig{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
		NoDelay:   true,
		Resolver:  net.DefaultResolver,
	}
}

// SecureTLSConfig enforces TLS 1.2+ with forward-secret suites only.
func SecureTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		},
		ClientSessionCache: tls.NewLRUClientSessionCache(64),
	}
}

// ForwardProxy reports whether requests must use absolute-form URIs, which is
// the case for a proxied connection that is not tunnelled.
func (c *DialerConfig) ForwardProxy() bool {
	return c != nil && c.ProxyURL != nil && c.TLSConfig == nil
}

// DialContext connects to address, through the proxy when configured, and
// performs the TLS handshake when TLSConfig is set.
func DialContext(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	if config == nil {
		config = NewDialerConfig()
	}

	if config.ProxyURL == nil {
		conn, err := dialDirect(ctx, network, address, config)
		if err != nil {
			return nil, err
		}
		if config.TLSConfig != nil {
			return wrapTLS(ctx, conn, address, config)
		}
		return conn, nil
	}

	proxyConn, err := dialProxy(ctx, network, config)
	if err != nil {
		return nil, err
	}
	if config.TLSConfig == nil {
		return proxyConn, nil
	}

	tunnel, err := establishProxyTunnel(ctx, proxyConn, address, config.ProxyURL)
	if err != nil {
		_ = proxyConn.Close()
		return nil, err
	}
	return wrapTLS(ctx, tunnel, address, config)
}

// dialDirect establishes a direct TCP connection to the target address.
func dialDirect(ctx context.Context, network, address string, config *DialerConfig) (net.Conn, error) {
	dialer := &net.Dialer{
		Timeout:       config.Timeout,
		KeepAlive:     config.KeepAlive,
		FallbackDelay: 300 * time.Millisecond,
		Resolver:      config.Resolver,
	}

	rawConn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tcp dial failed: %w", err)
	}

	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if err := configureTCP(tcpConn, config); err != nil {
			_ = tcpConn.Close()
			return nil, err
		}
	}
	return rawConn, nil
}

func dialProxy(ctx context.Context, network string, config *DialerConfig) (net.Conn, error) {
	proxyURL := config.ProxyURL
	address := proxyURL.Host
	if proxyURL.Port() == "" {
		address = net.JoinHostPort(proxyURL.Hostname(), "80")
	}

	switch proxyURL.Scheme {
	case "http", "":
		conn, err := dialDirect(ctx, network, address, config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to proxy %s: %w", address, err)
		}
		return conn, nil
	case "https":
		if proxyURL.Port() == "" {
			address = net.JoinHostPort(proxyURL.Hostname(), "443")
		}
		conn, err := dialDirect(ctx, network, address, config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to proxy %s: %w", address, err)
		}
		proxyCfg := config.Clone()
		if proxyCfg.TLSConfig == nil {
			proxyCfg.TLSConfig = SecureTLSConfig()
		}
		proxyCfg.TLSConfig.NextProtos = nil
		proxyCfg.TLSConfig.ServerName = ""
		return wrapTLS(ctx, conn, address, proxyCfg)
	default:
		return nil, fmt.Errorf("unsupported proxy scheme: %s (only http/https supported)", proxyURL.Scheme)
	}
}

// ProxyAuthorization returns the Basic credentials embedded in the proxy URL,
// or an empty string.
func ProxyAuthorization(proxyURL *url.URL) string {
	if proxyURL == nil || proxyURL.User == nil {
		return ""
	}
	password, _ := proxyURL.User.Password()
	auth := proxyURL.User.Username() + ":" + password
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(auth))
}

// establishProxyTunnel issues CONNECT and returns the tunnelled connection.
func establishProxyTunnel(ctx context.Context, conn net.Conn, targetAddress string, proxyURL *url.URL) (net.Conn, error) {
	connectReq := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: targetAddress},
		Host:   targetAddress,
		Header: make(http.Header),
	}
	if auth := ProxyAuthorization(proxyURL); auth != "" {
		connectReq.Header.Set("Proxy-Authorization", auth)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
		defer conn.SetDeadline(time.Time{})
	}

	if err := connectReq.Write(conn); err != nil {
		return nil, fmt.Errorf("failed to write CONNECT request: %w", err)
	}

	br := bufio.NewReader(conn)
	resp, err := http.ReadResponse(br, connectReq)
	if err != nil {
		return nil, fmt.Errorf("failed to read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("proxy responded with non-200 status for CONNECT: %s", resp.Status)
	}

	// Bytes the proxy sent after its response belong to the tunnel.
	if br.Buffered() > 0 {
		return &prefixedConn{Conn: conn, prefix: br}, nil
	}
	return conn, nil
}

// prefixedConn drains prefix before reading from the underlying Conn.
type prefixedConn struct {
	net.Conn
	prefix io.Reader
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if c.prefix != nil {
		n, err := c.prefix.Read(p)
		if err == io.EOF || (n == 0 && err == nil) {
			c.prefix = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}
	return c.Conn.Read(p)
}

// configureTCP applies TCP specific settings.
func configureTCP(conn *net.TCPConn, config *DialerConfig) error {
	// Keep-alive is best effort; some sandboxes refuse the socket option.
	_ = conn.SetKeepAlive(true)
	if config.KeepAlive > 0 {
		_ = conn.SetKeepAlivePeriod(config.KeepAlive)
	}
	if err := conn.SetNoDelay(config.NoDelay); err != nil {
		return fmt.Errorf("failed to set TCP NoDelay: %w", err)
	}
	return nil
}

// wrapTLS handles the TLS client handshake.
func wrapTLS(ctx context.Context, conn net.Conn, address string, config *DialerConfig) (net.Conn, error) {
	tlsConfig := config.TLSConfig.Clone()

	if tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		// crypto/tls omits IP literals from SNI but still verifies them.
		tlsConfig.ServerName = host
	}

	tlsConn := tls.Client(conn, tlsConfig)

	handshakeTimeout := config.Timeout
	if handshakeTimeout == 0 || handshakeTimeout > DefaultTLSHandshakeTimeout {
		handshakeTimeout = DefaultTLSHandshakeTimeout
	}
	handshakeCtx := ctx
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > handshakeTimeout {
		var cancel context.CancelFunc
		handshakeCtx, cancel = context.WithTimeout(ctx, handshakeTimeout)
		defer cancel()
	}

	if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("tls handshake failed: %w", err)
	}
	return tlsConn, nil
}
