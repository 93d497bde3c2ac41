package connectivity

import (
	"context"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// HTTPProbe treats any HTTP response from <base>/healthz as reachable.
type HTTPProbe struct {
	url    string
	client *http.Client
	log    *zap.Logger
}

// NewHTTPProbe creates a probe against baseURL with the given per-request timeout.
func NewHTTPProbe(baseURL string, timeout time.Duration, log *zap.Logger) *HTTPProbe {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPProbe{
		url:    strings.TrimRight(baseURL, "/") + "/healthz",
		client: &http.Client{Timeout: timeout},
		log:    log,
	}
}

// Reachable implements Probe.
func (p *HTTPProbe) Reachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		p.log.Error("build probe request", zap.Error(err))
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Debug("probe failed", zap.String("url", p.url), zap.Error(err))
		return false
	}
	_ = resp.Body.Close()
	return true
}

// Static is a probe with a settable answer.
type Static struct {
	v atomic.Bool
}

// NewStatic creates a static probe.
func NewStatic(online bool) *Static {
	s := &Static{}
	s.v.Store(online)
	return s
}

// Set changes the answer.
func (s *Static) Set(online bool) { s.v.Store(online) }

// Reachable implements Probe.
func (s *Static) Reachable(context.Context) bool { return s.v.Load() }

// LogIndicator reports offline mode through the log.
type LogIndicator struct {
	Log *zap.Logger
}

// Offline implements Indicator.
func (l LogIndicator) Offline() {
	if l.Log != nil {
		l.Log.Warn("offline mode: changes are kept locally until the server is reachable")
	}
}

// Online implements Indicator.
func (l LogIndicator) Online() {
	if l.Log != nil {
		l.Log.Info("online: pending changes will be synchronized")
	}
}
