// Package offline intercepts outbound HTTP requests, answers them from
// versioned cache generations where possible, and manages the install and
// activation of those generations.
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
)

var (
	// ErrRequestFailed is returned when neither network nor cache can answer.
	ErrRequestFailed = errors.New("request failed")
	// ErrInstallFailed is returned when a required core asset cannot be fetched.
	ErrInstallFailed = errors.New("install failed")
	// ErrNotInstalled is returned by Activate when no version is waiting.
	ErrNotInstalled = errors.New("no installed version to activate")

	errSuperseded = errors.New("version superseded")
)

// CacheHeader reports how a response was produced: hit, miss, fallback or
// network.
const CacheHeader = "X-Imgclass-Cache"

const metaActiveManifest = "active_manifest"

// Phase is the lifecycle phase of a deployed version.
type Phase int32

const (
	Installing Phase = iota
	Installed
	Activating
	Active
	Superseded
	// Redundant marks a version whose install failed.
	Redundant
)

func (p Phase) String() string {
	return [...]string{"installing", "installed", "activating", "active", "superseded", "redundant"}[p]
}

// Version is one deployed manifest and its lifecycle phase.
type Version struct {
	manifest Manifest
	phase    atomic.Int32
	// raw is the persisted form of manifest once the version is active.
	raw string
}

func newVersion(m Manifest) *Version {
	v := &Version{manifest: m}
	v.setPhase(Installing)
	return v
}

func (v *Version) setPhase(p Phase) { v.phase.Store(int32(p)) }

// Phase returns the current lifecycle phase.
func (v *Version) Phase() Phase { return Phase(v.phase.Load()) }

// Manifest returns the version's manifest.
func (v *Version) Manifest() Manifest { return v.manifest }

// Manager routes requests through versioned cache generations.
type Manager struct {
	store       GenerationStore
	client      *http.Client
	logger      *zap.Logger
	concurrency int

	// mu guards the active/installed pointers. Activation holds it for
	// writing across the whole sweep, so no request sees a half-activated
	// version.
	mu        sync.RWMutex
	active    *Version
	installed *Version

	hits   atomic.Int64
	misses atomic.Int64
}

// Option configures a Manager.
type Option func(*Manager)

// WithClient sets the client used to reach the network. It must not route
// back through the Manager.
func WithClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithInstallConcurrency bounds parallel fetches during install.
func WithInstallConcurrency(n int) Option { return func(m *Manager) { m.concurrency = n } }

// NewManager creates a Manager with no active version; until one is
// activated every request goes straight to the network.
func NewManager(store GenerationStore, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		client:      &http.Client{Timeout: 60 * time.Second},
		logger:      zap.NewNop(),
		concurrency: 4,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Active returns the active version, or nil.
func (m *Manager) Active() *Version {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// Install fetches every asset of man into fresh generations. Any core asset
// failure aborts the install and nothing is written; remote assets are best
// effort and are filled lazily if they fail here.
func (m *Manager) Install(ctx context.Context, man Manifest) (*Version, error) {
	if err := man.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}
	v := newVersion(man)
	log := m.logger.With(zap.String("version", man.Version))
	log.Info("installing cache version", zap.Int("core_assets", len(man.CoreAssets)), zap.Int("remote_assets", len(man.RemoteAssets)))

	var mu sync.Mutex
	var entries []models.CachedResponse
	collect := func(e models.CachedResponse) {
		mu.Lock()
		entries = append(entries, e)
		mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for _, p := range man.CoreAssets {
		target := man.URL(p)
		g.Go(func() error {
			e, err := m.prefetch(gctx, target)
			if err != nil {
				return err
			}
			e.Generation = man.StaticGeneration()
			collect(*e)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		v.setPhase(Redundant)
		log.Warn("cache install failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, man.Version, err)
	}

	var rg errgroup.Group
	rg.SetLimit(m.concurrency)
	for _, target := range man.RemoteAssets {
		rg.Go(func() error {
			e, err := m.prefetch(ctx, target)
			if err != nil {
				log.Warn("remote asset prefetch failed", zap.String("url", target), zap.Error(err))
				return nil
			}
			e.Generation = man.DynamicGeneration()
			collect(*e)
			return nil
		})
	}
	_ = rg.Wait()

	if err := m.store.Populate(ctx, man.Generations(), entries); err != nil {
		v.setPhase(Redundant)
		return nil, fmt.Errorf("%w: %s: %w", ErrInstallFailed, man.Version, err)
	}

	v.setPhase(Installed)
	m.mu.Lock()
	m.installed = v
	m.mu.Unlock()
	log.Info("cache version installed", zap.Int("entries", len(entries)))
	return v, nil
}

func (m *Manager) prefetch(ctx context.Context, target string) (*models.CachedResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", target, err)
	}
	e, err := m.fetch(req)
	if err != nil {
		return nil, err
	}
	if e.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", target, e.StatusCode)
	}
	return e, nil
}

// Activate promotes the installed version: every generation not owned by it
// is deleted, then it becomes the version answering requests.
func (m *Manager) Activate(ctx context.Context) (*Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v := m.installed
	if v == nil {
		return nil, ErrNotInstalled
	}
	v.setPhase(Activating)
	log := m.logger.With(zap.String("version", v.manifest.Version))

	if err := m.sweep(ctx, v.manifest.Generations()); err != nil {
		v.setPhase(Installed)
		return nil, err
	}

	raw, err := json.Marshal(v.manifest)
	if err != nil {
		v.setPhase(Installed)
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := m.store.SetMeta(ctx, metaActiveManifest, string(raw)); err != nil {
		v.setPhase(Installed)
		return nil, err
	}

	prev := m.active
	v.raw = string(raw)
	m.active = v
	m.installed = nil
	v.setPhase(Active)
	if prev != nil && prev != v {
		prev.setPhase(Superseded)
	}
	log.Info("cache version active")
	return v, nil
}

func (m *Manager) sweep(ctx context.Context, keep []string) error {
	names, err := m.store.Names(ctx)
	if err != nil {
		return fmt.Errorf("list generations: %w", err)
	}
	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[k] = true
	}
	for _, n := range names {
		if keepSet[n] {
			continue
		}
		if err := m.store.Delete(ctx, n); err != nil {
			return fmt.Errorf("delete generation %s: %w", n, err)
		}
		m.logger.Info("deleted old cache generation", zap.String("generation", n))
	}
	return nil
}

// Upgrade installs and activates man unless its version is already active.
func (m *Manager) Upgrade(ctx context.Context, man Manifest) (*Version, error) {
	if cur := m.current(ctx); cur != nil && cur.manifest.Version == man.Version {
		return cur, nil
	}
	if _, err := m.Install(ctx, man); err != nil {
		return nil, err
	}
	return m.Activate(ctx)
}

// Restore re-activates the last persisted active version, if its
// generations still exist. It reports whether a version was restored.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	raw, ok, err := m.store.GetMeta(ctx, metaActiveManifest)
	if err != nil || !ok {
		return false, err
	}
	man, err := decodeManifest(raw)
	if err != nil {
		return false, err
	}
	names, err := m.store.Names(ctx)
	if err != nil {
		return false, fmt.Errorf("list generations: %w", err)
	}
	have := make(map[string]bool, len(names))
	for _, n := range names {
		have[n] = true
	}
	if !have[man.StaticGeneration()] {
		return false, nil
	}

	v := newVersion(man)
	v.raw = raw
	v.setPhase(Active)
	m.mu.Lock()
	m.active = v
	m.mu.Unlock()
	m.logger.Info("restored cache version", zap.String("version", man.Version))
	return true, nil
}

func decodeManifest(raw string) (Manifest, error) {
	var man Manifest
	if err := json.Unmarshal([]byte(raw), &man); err != nil {
		return Manifest{}, fmt.Errorf("decode active manifest: %w", err)
	}
	return man, nil
}

// current returns the active version after adopting whatever version is
// recorded as active in the store. Another process sharing the database may
// have activated a newer version or cleared the cache.
func (m *Manager) current(ctx context.Context) *Version {
	raw, ok, err := m.store.GetMeta(ctx, metaActiveManifest)
	if err != nil {
		m.logger.Warn("read active manifest failed", zap.Error(err))
		return m.Active()
	}
	v := m.Active()
	if (v == nil && !ok) || (v != nil && ok && v.raw == raw) {
		return v
	}
	return m.adopt(ctx)
}

func (m *Manager) adopt(ctx context.Context) *Version {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, ok, err := m.store.GetMeta(ctx, metaActiveManifest)
	if err != nil {
		m.logger.Warn("read active manifest failed", zap.Error(err))
		return m.active
	}
	prev := m.active
	if (prev == nil && !ok) || (prev != nil && ok && prev.raw == raw) {
		return prev
	}

	var next *Version
	if ok {
		man, err := decodeManifest(raw)
		if err != nil {
			m.logger.Warn("ignoring unreadable active manifest", zap.Error(err))
			return prev
		}
		next = newVersion(man)
		next.raw = raw
		next.setPhase(Active)
	}
	m.active = next
	if prev != nil {
		prev.setPhase(Superseded)
	}
	if next != nil {
		m.logger.Info("adopted cache version activated elsewhere", zap.String("version", next.manifest.Version))
	} else {
		m.logger.Info("cache cleared elsewhere")
	}
	return next
}

// Clear deletes every generation and forgets the active version.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.sweep(ctx, nil); err != nil {
		return err
	}
	if err := m.store.DeleteMeta(ctx, metaActiveManifest); err != nil {
		return err
	}
	if m.active != nil {
		m.active.setPhase(Superseded)
	}
	m.active = nil
	m.installed = nil
	return nil
}

// Stats reports generation sizes and hit/miss counters.
func (m *Manager) Stats(ctx context.Context) (models.CacheStats, error) {
	gens, err := m.store.Stats(ctx)
	if err != nil {
		return models.CacheStats{}, err
	}
	st := models.CacheStats{
		Generations: gens,
		Hits:        m.hits.Load(),
		Misses:      m.misses.Load(),
	}
	if v := m.current(ctx); v != nil {
		st.ActiveVersion = v.manifest.Version
	}
	return st, nil
}

// fetch performs a network request and reads the whole response.
func (m *Manager) fetch(req *http.Request) (*models.CachedResponse, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &models.CachedResponse{
		Key:        RequestKey(req.Method, req.URL),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		StoredAt:   time.Now(),
	}, nil
}

// toResponse materialises a stored or fetched entry for req.
func toResponse(req *http.Request, e *models.CachedResponse, source string) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set(CacheHeader, source)
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode)),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}
