// Package transport performs the blocking HTTPS round-trip of an
// exchange: one POST of a wire-encoded payload, returning the decoded
// response. The server certificate is validated against the configured
// CA file; there is no validation bypass.
package transport

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/corralhq/corral/pkg/wire"
)

// Version is stamped into the User-Agent header; overridden at build
// time via ldflags.
var Version = "dev"

// DefaultTimeout is the wall-clock deadline for one exchange.
const DefaultTimeout = 60 * time.Second

// Exchanger posts one payload and returns the decoded response.
type Exchanger interface {
	Exchange(payload map[string]any, secureID, exchangeToken, serverAPI string) (map[string]any, error)
}

// HTTPTransport is the production Exchanger.
type HTTPTransport struct {
	url    string
	client *http.Client
}

// New creates a transport for the given exchange endpoint. When caFile
// is non-empty the server certificate must chain to it.
func New(url, caFile string, timeout time.Duration) (*HTTPTransport, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("transport: read CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("transport: no certificates in %s", caFile)
		}
		transport.TLSClientConfig = &tls.Config{RootCAs: pool}
	}
	return &HTTPTransport{
		url:    url,
		client: &http.Client{Transport: transport, Timeout: timeout},
	}, nil
}

// Exchange posts payload and decodes the response body. Any transport,
// TLS, status or decode failure is returned as an error; the caller
// treats them all as a failed exchange.
func (t *HTTPTransport) Exchange(payload map[string]any, secureID, exchangeToken, serverAPI string) (map[string]any, error) {
	body, err := wire.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("transport: encode payload: %w", err)
	}
	req, err := http.NewRequest(http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("User-Agent", "corral/"+Version)
	req.Header.Set("X-Message-API", serverAPI)
	if secureID != "" {
		req.Header.Set("X-Computer-ID", secureID)
	}
	if exchangeToken != "" {
		req.Header.Set("X-Exchange-Token", exchangeToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: server returned %s", resp.Status)
	}
	value, err := wire.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("transport: decode response: %w", err)
	}
	response, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("transport: response is %T, not a map", value)
	}
	return response, nil
}

// Fetch issues a plain GET with the exchange's TLS settings; used by
// the pinger and the cloud metadata probe.
func (t *HTTPTransport) Fetch(url string) ([]byte, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	req.Header.Set("User-Agent", "corral/"+Version)
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transport: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("transport: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("transport: server returned %s", resp.Status)
	}
	return data, nil
}
