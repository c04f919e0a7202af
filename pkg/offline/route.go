package offline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

// maxCutoverRetries bounds how often a request restarts because the version
// it started on was superseded mid-flight.
const maxCutoverRetries = 3

// Route answers req from cache or network according to its tier. A request
// is answered entirely by one version's generations.
func (m *Manager) Route(req *http.Request) (*http.Response, error) {
	for attempt := 0; attempt < maxCutoverRetries; attempt++ {
		v := m.current(req.Context())
		if v == nil {
			break
		}
		resp, err := m.routeVersion(req, v)
		if errors.Is(err, errSuperseded) {
			continue
		}
		return resp, err
	}
	return m.passthrough(req)
}

func (m *Manager) routeVersion(req *http.Request, v *Version) (*http.Response, error) {
	man := &v.manifest
	if req.URL.Host == "" {
		var err error
		if req, err = man.resolve(req); err != nil {
			return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, req.Method, req.URL, err)
		}
	}
	key := RequestKey(req.Method, req.URL)

	switch tier := man.Classify(req.URL); tier {
	case CoreStatic:
		return m.cacheFirst(req, v, man.StaticGeneration(), key, true)
	case RemoteDependency:
		return m.cacheFirst(req, v, man.DynamicGeneration(), key, false)
	default:
		return m.networkFirst(req, v, key)
	}
}

func (m *Manager) cacheFirst(req *http.Request, v *Version, generation, key string, docFallback bool) (*http.Response, error) {
	ctx := req.Context()
	e, ok, err := m.match(ctx, v, generation, key)
	if err != nil {
		return nil, err
	}
	if ok {
		m.hits.Add(1)
		return toResponse(req, e, "hit"), nil
	}
	m.misses.Add(1)

	fetched, netErr := m.fetch(req)
	if netErr == nil {
		if fetched.StatusCode == http.StatusOK && req.Method == http.MethodGet {
			stored := *fetched
			stored.Generation = generation
			m.put(ctx, v, stored)
		}
		return toResponse(req, fetched, "miss"), nil
	}

	if docFallback && v.manifest.IsPage(req.URL.Path) {
		root, err := url.Parse(v.manifest.URL(v.manifest.RootDocument))
		if err == nil {
			doc, ok, err := m.match(ctx, v, generation, RequestKey(http.MethodGet, root))
			if err != nil {
				return nil, err
			}
			if ok {
				m.logger.Debug("serving root document fallback", zap.String("url", req.URL.String()))
				return toResponse(req, doc, "fallback"), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, req.Method, req.URL, netErr)
}

func (m *Manager) networkFirst(req *http.Request, v *Version, key string) (*http.Response, error) {
	fetched, netErr := m.fetch(req)
	if netErr == nil {
		return toResponse(req, fetched, "network"), nil
	}

	e, ok, err := m.matchAny(req.Context(), v, key)
	if err != nil {
		return nil, err
	}
	if ok {
		m.hits.Add(1)
		return toResponse(req, e, "fallback"), nil
	}
	return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, req.Method, req.URL, netErr)
}

func (m *Manager) passthrough(req *http.Request) (*http.Response, error) {
	fetched, err := m.fetch(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrRequestFailed, req.Method, req.URL, err)
	}
	return toResponse(req, fetched, "network"), nil
}

// match reads one generation of v, failing with errSuperseded if v is no
// longer active. Store errors count as a miss.
func (m *Manager) match(ctx context.Context, v *Version, generation, key string) (*models.CachedResponse, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != v {
		return nil, false, errSuperseded
	}
	e, ok, err := m.store.Match(ctx, generation, key)
	if err != nil {
		m.logger.Warn("cache match failed", zap.String("generation", generation), zap.Error(err))
		return nil, false, nil
	}
	return e, ok, nil
}

func (m *Manager) matchAny(ctx context.Context, v *Version, key string) (*models.CachedResponse, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != v {
		return nil, false, errSuperseded
	}
	e, ok, err := m.store.MatchAny(ctx, v.manifest.Generations(), key)
	if err != nil {
		m.logger.Warn("cache match failed", zap.Error(err))
		return nil, false, nil
	}
	return e, ok, nil
}

// put stores e unless v was superseded since the request started, so a slow
// request cannot refill a generation that activation already deleted.
func (m *Manager) put(ctx context.Context, v *Version, e models.CachedResponse) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.active != v {
		return
	}
	err := m.store.Put(ctx, e)
	switch {
	case errors.Is(err, ErrNoGeneration):
		m.logger.Debug("cache generation gone, entry dropped", zap.String("generation", e.Generation))
	case err != nil:
		m.logger.Warn("cache put failed", zap.String("key", e.Key), zap.Error(err))
	}
}

type transport struct{ m *Manager }

func (t transport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.m.Route(req)
}

// Transport returns a RoundTripper that sends every request through Route.
func (m *Manager) Transport() http.RoundTripper {
	return transport{m: m}
}

// Handler serves the application shell: each incoming request is rewritten
// onto origin and answered by Route.
func (m *Manager) Handler(origin string) (http.Handler, error) {
	target, err := url.Parse(origin)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("invalid origin %q", origin)
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := r.Clone(r.Context())
		out.RequestURI = ""
		u := *target
		u.Path = r.URL.Path
		u.RawPath = r.URL.RawPath
		u.RawQuery = r.URL.RawQuery
		out.URL = &u
		out.Host = u.Host

		resp, err := m.Route(out)
		if err != nil {
			m.logger.Debug("shell request failed", zap.String("path", r.URL.Path), zap.Error(err))
			http.Error(w, "offline: resource not available", http.StatusGatewayTimeout)
			return
		}
		defer resp.Body.Close()

		for k, vals := range resp.Header {
			for _, v := range vals {
				w.Header().Add(k, v)
			}
		}
		w.WriteHeader(resp.StatusCode)
		_, _ = io.Copy(w, resp.Body)
	}), nil
}
