package offline_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kevinhaoaus/web-image-classifier/pkg/models"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline"
	"github.com/kevinhaoaus/web-image-classifier/pkg/offline/sqlite"
)

// switchNet is the manager's network. Setting down makes every request fail
// the way an unreachable host does.
type switchNet struct {
	down  atomic.Bool
	calls atomic.Int64
}

func (n *switchNet) RoundTrip(req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.down.Load() {
		return nil, errors.New("network unreachable")
	}
	return http.DefaultTransport.RoundTrip(req)
}

type fixture struct {
	origin  *httptest.Server
	remote  *httptest.Server
	net     *switchNet
	dbPath  string
	store   *sqlite.Store
	manager *offline.Manager
	client  *http.Client

	slowHit chan struct{}
	release chan struct{}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		net:     &switchNet{},
		dbPath:  filepath.Join(t.TempDir(), "cache.db"),
		slowHit: make(chan struct{}, 1),
		release: make(chan struct{}),
	}

	f.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "missing"):
			http.NotFound(w, r)
		case r.URL.Path == "/" || r.URL.Path == "/index.html":
			w.Header().Set("Content-Type", "text/html")
			fmt.Fprint(w, "<html>shell</html>")
		default:
			fmt.Fprintf(w, "origin %s", r.URL.Path)
		}
	}))
	t.Cleanup(f.origin.Close)

	f.remote = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "missing"):
			http.NotFound(w, r)
		case r.URL.Path == "/npm/slow.js":
			f.slowHit <- struct{}{}
			<-f.release
			fmt.Fprint(w, "remote slow")
		default:
			fmt.Fprintf(w, "remote %s", r.URL.Path)
		}
	}))
	t.Cleanup(f.remote.Close)

	f.open(t)
	return f
}

// open (re)creates the store and manager over the fixture's database file.
func (f *fixture) open(t *testing.T) {
	t.Helper()
	store, err := sqlite.New(f.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	f.store = store
	f.manager = offline.NewManager(store, offline.WithClient(&http.Client{Transport: f.net}))
	f.client = &http.Client{Transport: f.manager.Transport()}
}

func (f *fixture) manifest(version string, extraCore ...string) offline.Manifest {
	return offline.Manifest{
		Version:      version,
		Origin:       f.origin.URL,
		CoreAssets:   append([]string{"/index.html", "/app.js", "/style.css"}, extraCore...),
		RemoteAssets: []string{f.remote.URL + "/npm/lib.js"},
		RemoteHost:   "127.0.0.1",
		RemoteMarker: "/npm/",
	}
}

func (f *fixture) get(t *testing.T, url string) (status int, source, body string, err error) {
	t.Helper()
	resp, err := f.client.Get(url)
	if err != nil {
		return 0, "", "", err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, resp.Header.Get(offline.CacheHeader), string(b), nil
}

func (f *fixture) names(t *testing.T) []string {
	t.Helper()
	names, err := f.store.Names(context.Background())
	require.NoError(t, err)
	return names
}

func TestUpgradeServesCoreAssetsOffline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)
	assert.Equal(t, offline.Active, v.Phase())
	assert.ElementsMatch(t, []string{"static-assets-v1", "dynamic-content-v1"}, f.names(t))

	f.net.down.Store(true)

	status, source, body, err := f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "hit", source)
	assert.Equal(t, "origin /app.js", body)

	_, source, body, err = f.get(t, f.remote.URL+"/npm/lib.js")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
	assert.Equal(t, "remote /npm/lib.js", body)
}

func TestFragmentIsIgnoredForCacheIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)
	f.net.down.Store(true)

	_, source, _, err := f.get(t, f.origin.URL+"/style.css#top")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
}

func TestInstallFailureKeepsPreviousVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	_, err = f.manager.Upgrade(ctx, f.manifest("v2", "/missing.js"))
	require.ErrorIs(t, err, offline.ErrInstallFailed)

	require.NotNil(t, f.manager.Active())
	assert.Equal(t, "v1", f.manager.Active().Manifest().Version)
	assert.ElementsMatch(t, []string{"static-assets-v1", "dynamic-content-v1"}, f.names(t))

	f.net.down.Store(true)
	_, source, _, err := f.get(t, f.origin.URL+"/index.html")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
}

func TestActivationDeletesOtherGenerations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)
	require.NoError(t, f.store.Populate(ctx, []string{"legacy-cache"}, []models.CachedResponse{
		{Generation: "legacy-cache", Key: "GET http://legacy/", StatusCode: 200},
	}))

	v2, err := f.manager.Upgrade(ctx, f.manifest("v2"))
	require.NoError(t, err)

	assert.Equal(t, offline.Superseded, v1.Phase())
	assert.Equal(t, offline.Active, v2.Phase())
	assert.ElementsMatch(t, []string{"static-assets-v2", "dynamic-content-v2"}, f.names(t))
}

func TestUpgradeSameVersionIsNoop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v1, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)
	calls := f.net.calls.Load()

	again, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)
	assert.Same(t, v1, again)
	assert.Equal(t, calls, f.net.calls.Load())
}

func TestActivateWithoutInstall(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Activate(context.Background())
	assert.ErrorIs(t, err, offline.ErrNotInstalled)
}

func TestRootFallsBackToRootDocumentOffline(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)
	f.net.down.Store(true)

	status, source, body, err := f.get(t, f.origin.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "fallback", source)
	assert.Equal(t, "<html>shell</html>", body)
}

func TestCoreAssetFetchedLazilyAfterInstall(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)

	// "/" is core static but not listed for prefetch.
	_, source, _, err := f.get(t, f.origin.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "miss", source)

	_, source, body, err := f.get(t, f.origin.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
	assert.Equal(t, "<html>shell</html>", body)
}

func TestRemoteDependencyMissOfflineFails(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)
	f.net.down.Store(true)

	_, _, _, err = f.get(t, f.remote.URL+"/npm/other.js")
	require.Error(t, err)
	assert.ErrorIs(t, err, offline.ErrRequestFailed)
}

func TestRemoteDependencyCachedOnFirstUse(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)

	_, source, _, err := f.get(t, f.remote.URL+"/npm/other.js")
	require.NoError(t, err)
	assert.Equal(t, "miss", source)

	f.net.down.Store(true)
	_, source, body, err := f.get(t, f.remote.URL+"/npm/other.js")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
	assert.Equal(t, "remote /npm/other.js", body)
}

func TestNonOKResponsesAreNotCached(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)

	status, source, _, err := f.get(t, f.remote.URL+"/npm/missing.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "miss", source)

	status, source, _, err = f.get(t, f.remote.URL+"/npm/missing.js")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "miss", source)
}

func TestRemotePrefetchIsBestEffort(t *testing.T) {
	f := newFixture(t)
	man := f.manifest("v1")
	man.RemoteAssets = append(man.RemoteAssets, f.remote.URL+"/npm/missing.js")

	_, err := f.manager.Upgrade(context.Background(), man)
	require.NoError(t, err)
}

func TestOtherTierIsNetworkFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	v, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	target := f.origin.URL + "/api/data"
	_, source, body, err := f.get(t, target)
	require.NoError(t, err)
	assert.Equal(t, "network", source)
	assert.Equal(t, "origin /api/data", body)

	// Network-first responses are not stored.
	f.net.down.Store(true)
	_, _, _, err = f.get(t, target)
	assert.ErrorIs(t, err, offline.ErrRequestFailed)

	man := v.Manifest()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, f.store.Put(ctx, models.CachedResponse{
		Generation: man.DynamicGeneration(),
		Key:        offline.RequestKey(http.MethodGet, req.URL),
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       []byte("cached data"),
	}))

	_, source, body, err = f.get(t, target)
	require.NoError(t, err)
	assert.Equal(t, "fallback", source)
	assert.Equal(t, "cached data", body)
}

func TestNoActiveVersionPassesThrough(t *testing.T) {
	f := newFixture(t)

	_, source, body, err := f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, "network", source)
	assert.Equal(t, "origin /app.js", body)
	assert.Empty(t, f.names(t))

	f.net.down.Store(true)
	_, _, _, err = f.get(t, f.origin.URL+"/app.js")
	assert.ErrorIs(t, err, offline.ErrRequestFailed)
}

func TestRestoreReactivatesPersistedVersion(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Upgrade(ctx, f.manifest("v3"))
	require.NoError(t, err)
	require.NoError(t, f.store.Close())

	f.open(t)
	require.Nil(t, f.manager.Active())
	ok, err := f.manager.Restore(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "v3", f.manager.Active().Manifest().Version)

	f.net.down.Store(true)
	_, source, _, err := f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
}

func TestRestoreWithNothingPersisted(t *testing.T) {
	f := newFixture(t)
	ok, err := f.manager.Restore(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearDropsEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Clear(ctx))
	assert.Nil(t, f.manager.Active())
	assert.Empty(t, f.names(t))

	ok, err := f.manager.Restore(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsCountsHitsAndMisses(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	_, _, _, err = f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	_, _, _, err = f.get(t, f.remote.URL+"/npm/new.js")
	require.NoError(t, err)

	st, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v1", st.ActiveVersion)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)

	byName := map[string]models.GenerationStats{}
	for _, g := range st.Generations {
		byName[g.Name] = g
	}
	assert.Equal(t, int64(3), byName["static-assets-v1"].Entries)
	assert.Equal(t, int64(2), byName["dynamic-content-v1"].Entries)
}

func TestSlowResponseDoesNotRefillSupersededGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	done := make(chan string, 1)
	go func() {
		resp, err := f.client.Get(f.remote.URL + "/npm/slow.js")
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		done <- string(b)
	}()

	select {
	case <-f.slowHit:
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never reached the remote")
	}

	_, err = f.manager.Upgrade(ctx, f.manifest("v2"))
	require.NoError(t, err)
	close(f.release)

	select {
	case body := <-done:
		assert.Equal(t, "remote slow", body)
	case <-time.After(5 * time.Second):
		t.Fatal("slow request never completed")
	}

	assert.ElementsMatch(t, []string{"static-assets-v2", "dynamic-content-v2"}, f.names(t))
}

func TestHandlerServesShellFromCache(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)
	f.net.down.Store(true)

	h, err := f.manager.Handler(f.origin.URL)
	require.NoError(t, err)
	shell := httptest.NewServer(h)
	t.Cleanup(shell.Close)

	resp, err := http.Get(shell.URL + "/app.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hit", resp.Header.Get(offline.CacheHeader))
	assert.Equal(t, "origin /app.js", string(body))

	resp2, err := http.Get(shell.URL + "/not-cached.png")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusGatewayTimeout, resp2.StatusCode)
}

func TestHandlerRejectsBadOrigin(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Handler("not a url")
	assert.Error(t, err)
}

func TestHostlessRequestUsesOriginIdentity(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Upgrade(context.Background(), f.manifest("v1"))
	require.NoError(t, err)
	f.net.down.Store(true)

	req, err := http.NewRequest(http.MethodGet, "/app.js", nil)
	require.NoError(t, err)
	resp, err := f.manager.Route(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, "hit", resp.Header.Get(offline.CacheHeader))
	assert.Equal(t, "origin /app.js", string(body))
}

func TestManagersSharingDatabaseFollowActivation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.manager.Upgrade(ctx, f.manifest("v1"))
	require.NoError(t, err)

	otherStore, err := sqlite.New(f.dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { otherStore.Close() })
	other := offline.NewManager(otherStore, offline.WithClient(&http.Client{Transport: f.net}))
	_, err = other.Upgrade(ctx, f.manifest("v2"))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"static-assets-v2", "dynamic-content-v2"}, f.names(t))

	// A lazy fill through the first manager lands in v2, never in a v1
	// generation that activation already deleted.
	_, source, _, err := f.get(t, f.remote.URL+"/npm/new.js")
	require.NoError(t, err)
	assert.Equal(t, "miss", source)
	assert.ElementsMatch(t, []string{"static-assets-v2", "dynamic-content-v2"}, f.names(t))

	st, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v2", st.ActiveVersion)

	f.net.down.Store(true)
	_, source, _, err = f.get(t, f.remote.URL+"/npm/new.js")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
	_, source, _, err = f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, "hit", source)
	f.net.down.Store(false)

	require.NoError(t, other.Clear(ctx))
	_, source, _, err = f.get(t, f.origin.URL+"/app.js")
	require.NoError(t, err)
	assert.Equal(t, "network", source)
	assert.Nil(t, f.manager.Active())
	assert.Empty(t, f.names(t))
}
