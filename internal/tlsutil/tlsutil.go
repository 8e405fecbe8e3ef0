package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"slices"
	"time"

	"github.com/coder/websocket"
)

// aeadSuites TLS 1.2 允许的套件，ECDHE + GCM/ChaCha20
var aeadSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// IsAEAD 报告 suite 是否在允许列表中
func IsAEAD(suite uint16) bool {
	return slices.Contains(aeadSuites, suite)
}

// DefaultTLSConfig 每次返回新副本，调用方可自由修改
func DefaultTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		CipherSuites: slices.Clone(aeadSuites),
	}
}

// SecureTransport 带加固 TLS 的 Transport，允许 HTTP/2
func SecureTransport() *http.Transport {
	return newTransport(false)
}

// SecureHTTPClient timeout 为 0 表示不设客户端超时（流式响应用）
func SecureHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout, Transport: newTransport(false)}
}

// WebSocketDialOptions WebSocket 升级握手只能走 HTTP/1.1，因此固定 ALPN
func WebSocketDialOptions(header http.Header) *websocket.DialOptions {
	return &websocket.DialOptions{
		HTTPClient: &http.Client{Transport: newTransport(true)},
		HTTPHeader: header,
	}
}

func newTransport(http1Only bool) *http.Transport {
	cfg := DefaultTLSConfig()
	if http1Only {
		cfg.NextProtos = []string{"http/1.1"}
	}
	dialer := &net.Dialer{Timeout: 15 * time.Second, KeepAlive: 30 * time.Second}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       cfg,
		ForceAttemptHTTP2:     !http1Only,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}
