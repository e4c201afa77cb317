package gateway

import (
	"context"
	"net"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"
)

// DialFunc matches net.Dialer.DialContext.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// NewTransport returns the pooled transport from go-retryablehttp's default
// client, dialing through dial when it is non-nil.
func NewTransport(dial DialFunc) http.RoundTripper {
	rc := retryablehttp.NewClient()
	rc.Logger = nil

	t, ok := rc.HTTPClient.Transport.(*http.Transport)
	if !ok {
		return rc.HTTPClient.Transport
	}
	t = t.Clone()
	if dial != nil {
		t.DialContext = dial
	}
	return t
}
