package crawler

import (
	"net/url"
	"strings"

	"github.com/VladCristian27/rag-site-auditor/pkg/types"
)

// Frontier is the pending queue and visited set of a single crawl run.
// It is owned by one goroutine and is not safe for concurrent use.
type Frontier struct {
	queue   []types.FrontierEntry
	head    int
	visited map[string]struct{}
}

// NewFrontier returns an empty frontier.
func NewFrontier() *Frontier {
	return &Frontier{visited: make(map[string]struct{})}
}

// Push appends an entry to the tail of the queue.
func (f *Frontier) Push(entry types.FrontierEntry) {
	f.queue = append(f.queue, entry)
}

// Pop removes and returns the head of the queue.
func (f *Frontier) Pop() (types.FrontierEntry, bool) {
	if f.head >= len(f.queue) {
		return types.FrontierEntry{}, false
	}
	entry := f.queue[f.head]
	f.queue[f.head] = types.FrontierEntry{}
	f.head++
	if f.head == len(f.queue) {
		f.queue = f.queue[:0]
		f.head = 0
	}
	return entry, true
}

// Len reports the number of queued entries.
func (f *Frontier) Len() int {
	return len(f.queue) - f.head
}

// Visited reports whether u has already been dequeued for processing.
func (f *Frontier) Visited(u *url.URL) bool {
	_, ok := f.visited[canonicalKey(u)]
	return ok
}

// MarkVisited records u. It returns false if u was already visited.
func (f *Frontier) MarkVisited(u *url.URL) bool {
	key := canonicalKey(u)
	if _, ok := f.visited[key]; ok {
		return false
	}
	f.visited[key] = struct{}{}
	return true
}

// canonicalURL returns a copy of u with scheme and host lowercased, the
// default port and fragment dropped, and an empty path written as "/".
// Records and revisit checks are keyed by its string form.
func canonicalURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	c := *u
	c.User = nil
	c.Scheme = strings.ToLower(c.Scheme)
	if c.Scheme == "" {
		c.Scheme = "http"
	}
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port := u.Port(); port != "" && port != defaultPortForScheme(c.Scheme) {
		host += ":" + port
	}
	c.Host = host
	c.Fragment = ""
	c.RawFragment = ""
	if c.Path == "" && c.Opaque == "" {
		c.Path = "/"
		c.RawPath = ""
	}
	return &c
}

func canonicalKey(u *url.URL) string {
	if u == nil {
		return ""
	}
	return canonicalURL(u).String()
}

func defaultPortForScheme(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	default:
		return ""
	}
}
