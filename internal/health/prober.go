package health

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Prober checks whether an upstream answers. It returns the state, a short
// reason code and the round trip in milliseconds.
type Prober interface {
	Probe(ctx context.Context, url string) (State, string, int)
}

// HTTPProber issues a GET against the upstream. Any response below 500 means
// the service is reachable, including 404 from a root path.
type HTTPProber struct {
	client *http.Client
}

func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProber{client: &http.Client{Timeout: timeout}}
}

func (p *HTTPProber) Probe(ctx context.Context, url string) (State, string, int) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return StateDown, "invalid_url", 0
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return StateDown, "connection_refused_or_timeout", 0
	}
	resp.Body.Close()

	rtt := int(time.Since(start).Milliseconds())
	if resp.StatusCode >= http.StatusInternalServerError {
		return StateDown, fmt.Sprintf("http_%d", resp.StatusCode), rtt
	}
	return StateUp, "ok", rtt
}
