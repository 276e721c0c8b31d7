package customhttp

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/xkilldash9x/asynchttp/internal/config"
	"github.com/xkilldash9x/asynchttp/pkg/network"
)

// Settings are the per-session knobs read when a Session is created.
type Settings struct {
	ConnectTimeout time.Duration
	// Timeout is armed when a request is sent; zero disables it.
	Timeout       time.Duration
	KeepAlive     bool
	WebSocketMask bool
	// HeaderBufferSize caps the bytes buffered while waiting for the end of
	// the response header block.
	HeaderBufferSize int
	MaxFrameSize     int64
	AcceptEncoding   string

	// ForwardProxy requests absolute-form targets; ProxyAuthorization is sent
	// with them when set.
	ForwardProxy       bool
	ProxyAuthorization string
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		ConnectTimeout:   10 * time.Second,
		Timeout:          30 * time.Second,
		KeepAlive:        true,
		WebSocketMask:    true,
		HeaderBufferSize: 64 * 1024,
		MaxFrameSize:     16 * 1024 * 1024,
		AcceptEncoding:   "gzip",
	}
}

// Target is a parsed endpoint: host, port and whether TLS is used.
type Target struct {
	Host string
	Port int
	TLS  bool
}

// ParseTarget accepts http, https, ws and wss URLs.
func ParseTarget(raw string) (Target, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, "", newError(KindConfiguration, err)
	}
	t := Target{Host: u.Hostname()}
	switch u.Scheme {
	case "http", "ws":
		t.Port = 80
	case "https", "wss":
		t.Port, t.TLS = 443, true
	default:
		return Target{}, "", newError(KindConfiguration, fmt.Errorf("unsupported scheme %q", u.Scheme))
	}
	if t.Host == "" {
		return Target{}, "", newError(KindConfiguration, fmt.Errorf("missing host in %q", raw))
	}
	if p := u.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Target{}, "", newError(KindConfiguration, fmt.Errorf("invalid port %q", p))
		}
		t.Port = port
	}
	return t, u.RequestURI(), nil
}

// SettingsFromConfig converts loaded configuration into Settings and the
// dialer configuration used for target.
func SettingsFromConfig(cfg config.ClientConfig, target Target) (Settings, *network.DialerConfig, error) {
	s := Settings{
		ConnectTimeout:   cfg.ConnectTimeout,
		Timeout:          cfg.Timeout,
		KeepAlive:        cfg.KeepAlive,
		WebSocketMask:    cfg.WebSocketMask,
		HeaderBufferSize: cfg.HeaderBufferSize,
		MaxFrameSize:     cfg.MaxFrameSize,
		AcceptEncoding:   cfg.AcceptEncoding,
	}

	dialer := network.NewDialerConfig()
	dialer.Timeout = cfg.ConnectTimeout
	if target.TLS {
		dialer.TLSConfig = network.SecureTLSConfig()
		dialer.TLSConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
		dialer.TLSConfig.NextProtos = []string{"http/1.1"}
	}
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return Settings{}, nil, newError(KindConfiguration, fmt.Errorf("invalid proxy url: %w", err))
		}
		dialer.ProxyURL = proxyURL
		s.ForwardProxy = dialer.ForwardProxy()
		if s.ForwardProxy {
			s.ProxyAuthorization = network.ProxyAuthorization(proxyURL)
		}
	}
	return s, dialer, nil
}

func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.HeaderBufferSize <= 0 {
		s.HeaderBufferSize = d.HeaderBufferSize
	}
	if s.MaxFrameSize <= 0 {
		s.MaxFrameSize = d.MaxFrameSize
	}
	if s.ConnectTimeout <= 0 {
		s.ConnectTimeout = d.ConnectTimeout
	}
	return s
}
