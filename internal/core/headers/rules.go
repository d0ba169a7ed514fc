// Package headers is the Header-Injection Hook: an in-process
// stand-in for a browser's dynamic network rules API, letting the pipeline
// attach Origin/Referer headers to CDN requests that require them.
package headers

import (
	"hash/fnv"
	"net/url"
	"strings"
	"sync"
)

// Rule is one installed header injection, scoped to a URL prefix.
type Rule struct {
	ID      int64
	Origin  string
	Referer string
	Prefix  string
}

// Registry tracks installed rules per downloadId and answers header
// lookups for outgoing requests. The zero value is ready to use.
type Registry struct {
	mu    sync.RWMutex
	rules map[int64]Rule
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{rules: make(map[int64]Rule)}
}

// Add installs two rules (Origin, Referer) for cdnURL scoped to its host
// and directory, derived from pageURL, and returns their ids. Rule ids are
// deterministic hashes of downloadID so repeated calls for the same
// download produce the same ids; installation never fails, matching the
// "absence is non-fatal" contract — callers that need a real facility can
// still treat a zero-length result as "nothing installed" if they choose.
func (r *Registry) Add(downloadID, cdnURL, pageURL string) []int64 {
	origin := pageOrigin(pageURL)
	if origin == "" {
		return nil
	}
	prefix := urlPrefix(cdnURL)
	if prefix == "" {
		return nil
	}

	originID := ruleID(downloadID)
	refererID := (originID + 1) & 0x7fffffff

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rules == nil {
		r.rules = make(map[int64]Rule)
	}
	r.rules[originID] = Rule{ID: originID, Origin: origin, Prefix: prefix}
	r.rules[refererID] = Rule{ID: refererID, Referer: pageURL, Prefix: prefix}
	return []int64{originID, refererID}
}

// Remove uninstalls ruleIds. Idempotent: removing an id that isn't present
// is a no-op, so callers can always invoke it on every exit path.
func (r *Registry) Remove(ruleIds []int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ruleIds {
		delete(r.rules, id)
	}
}

// HeadersFor returns the Origin/Referer headers any installed rule
// contributes for targetURL. The pipeline merges them into its playlist
// and variant text fetches; fragment and key fetches do not consult the
// registry.
func (r *Registry) HeadersFor(targetURL string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := map[string]string{}
	for _, rule := range r.rules {
		if !strings.HasPrefix(targetURL, rule.Prefix) {
			continue
		}
		if rule.Origin != "" {
			out["Origin"] = rule.Origin
		}
		if rule.Referer != "" {
			out["Referer"] = rule.Referer
		}
	}
	return out
}

func ruleID(downloadID string) int64 {
	h := fnv.New32a()
	h.Write([]byte(downloadID))
	return int64(h.Sum32() & 0x7fffffff)
}

func pageOrigin(pageURL string) string {
	u, err := url.Parse(pageURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func urlPrefix(cdnURL string) string {
	u, err := url.Parse(cdnURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	dir := u.Path
	if idx := strings.LastIndex(dir, "/"); idx >= 0 {
		dir = dir[:idx+1]
	}
	return u.Scheme + "://" + u.Host + dir
}
