package tlsutil

import (
	"crypto/tls"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultTLSConfig(t *testing.T) {
	cfg := DefaultTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	require.NotEmpty(t, cfg.CipherSuites)

	insecure := map[uint16]bool{}
	for _, s := range tls.InsecureCipherSuites() {
		insecure[s.ID] = true
	}
	for _, id := range cfg.CipherSuites {
		assert.True(t, IsAEAD(id))
		assert.False(t, insecure[id], tls.CipherSuiteName(id))
	}

	// 修改副本不影响后续调用
	cfg.CipherSuites[0] = tls.TLS_RSA_WITH_AES_128_CBC_SHA
	assert.True(t, IsAEAD(DefaultTLSConfig().CipherSuites[0]))
}

func TestIsAEAD(t *testing.T) {
	assert.True(t, IsAEAD(tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305))
	assert.False(t, IsAEAD(tls.TLS_RSA_WITH_AES_128_CBC_SHA))
	assert.False(t, IsAEAD(tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256))
}

func TestSecureHTTPClient(t *testing.T) {
	tests := []struct {
		name    string
		timeout time.Duration
	}{
		{name: "rest", timeout: 15 * time.Second},
		{name: "streaming", timeout: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := SecureHTTPClient(tt.timeout)
			assert.Equal(t, tt.timeout, c.Timeout)
			tr, ok := c.Transport.(*http.Transport)
			require.True(t, ok)
			assert.True(t, tr.ForceAttemptHTTP2)
			assert.Empty(t, tr.TLSClientConfig.NextProtos)
		})
	}
	assert.NotSame(t, SecureTransport(), SecureTransport())
}

func TestWebSocketDialOptions(t *testing.T) {
	header := http.Header{"Authorization": []string{"Token abc"}}
	opts := WebSocketDialOptions(header)
	assert.Equal(t, "Token abc", opts.HTTPHeader.Get("Authorization"))

	tr, ok := opts.HTTPClient.Transport.(*http.Transport)
	require.True(t, ok)
	assert.False(t, tr.ForceAttemptHTTP2)
	assert.Equal(t, []string{"http/1.1"}, tr.TLSClientConfig.NextProtos)
	assert.Zero(t, opts.HTTPClient.Timeout)
}
