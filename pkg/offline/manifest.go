package offline

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// Tier is the routing category of a request.
type Tier int

const (
	Other Tier = iota
	CoreStatic
	RemoteDependency
)

func (t Tier) String() string {
	switch t {
	case CoreStatic:
		return "core-static"
	case RemoteDependency:
		return "remote-dependency"
	default:
		return "other"
	}
}

// Generation name prefixes; the manifest version is appended.
const (
	staticPrefix  = "static-assets-"
	dynamicPrefix = "dynamic-content-"
)

// Manifest lists the assets of one deployed version.
type Manifest struct {
	Version       string   `json:"version"`
	Origin        string   `json:"origin"`
	CoreAssets    []string `json:"core_assets"`
	RootDocument  string   `json:"root_document"`
	PageExtension string   `json:"page_extension"`
	RemoteAssets  []string `json:"remote_assets"`
	RemoteHost    string   `json:"remote_host"`
	RemoteMarker  string   `json:"remote_marker"`
}

// Validate checks the manifest and fills defaults.
func (m *Manifest) Validate() error {
	if m.Version == "" {
		return errors.New("manifest: version is required")
	}
	u, err := url.Parse(m.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("manifest: origin %q must be an absolute URL", m.Origin)
	}
	if m.RootDocument == "" {
		m.RootDocument = "/index.html"
	}
	if m.PageExtension == "" {
		m.PageExtension = ".html"
	}
	for _, p := range m.CoreAssets {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("manifest: core asset %q must be an absolute path", p)
		}
	}
	for _, raw := range m.RemoteAssets {
		if u, err := url.Parse(raw); err != nil || u.Host == "" {
			return fmt.Errorf("manifest: remote asset %q must be an absolute URL", raw)
		}
	}
	return nil
}

// StaticGeneration is the CoreStatic generation name.
func (m *Manifest) StaticGeneration() string { return staticPrefix + m.Version }

// DynamicGeneration is the RemoteDependency generation name.
func (m *Manifest) DynamicGeneration() string { return dynamicPrefix + m.Version }

// Generations returns every generation name owned by this version.
func (m *Manifest) Generations() []string {
	return []string{m.StaticGeneration(), m.DynamicGeneration()}
}

// URL resolves a core asset path against the origin.
func (m *Manifest) URL(path string) string {
	return strings.TrimSuffix(m.Origin, "/") + path
}

func (m *Manifest) originHost() string {
	u, err := url.Parse(m.Origin)
	if err != nil {
		return ""
	}
	return u.Host
}

// Classify assigns a tier to a request URL. CoreStatic requires the path to
// be listed in the manifest (or be the root) and the request to target the
// origin; a host-less URL counts as same-origin.
func (m *Manifest) Classify(u *url.URL) Tier {
	if u.Host == "" || u.Host == m.originHost() {
		if u.Path == "/" || u.Path == "" {
			return CoreStatic
		}
		for _, p := range m.CoreAssets {
			if p == u.Path {
				return CoreStatic
			}
		}
	}
	if m.RemoteHost != "" && u.Hostname() == m.RemoteHost && strings.Contains(u.Path, m.RemoteMarker) {
		return RemoteDependency
	}
	return Other
}

// resolve returns a copy of req whose host-less URL is made absolute against
// the origin, so it shares a cache identity with the installed assets.
func (m *Manifest) resolve(req *http.Request) (*http.Request, error) {
	base, err := url.Parse(m.Origin)
	if err != nil {
		return req, err
	}
	out := req.Clone(req.Context())
	out.URL = base.ResolveReference(req.URL)
	out.Host = out.URL.Host
	out.RequestURI = ""
	return out, nil
}

// IsPage reports whether path may fall back to the root document.
func (m *Manifest) IsPage(path string) bool {
	return path == "/" || path == "" || strings.HasSuffix(path, m.PageExtension)
}

// RequestKey is the cache identity of a request: method plus full URL,
// query included, fragment dropped.
func RequestKey(method string, u *url.URL) string {
	if method == "" {
		method = http.MethodGet
	}
	c := *u
	c.Fragment = ""
	c.RawFragment = ""
	return method + " " + c.String()
}
