package transport

import (
	"context"
	"strings"
)

// Mux routes endpoint names to openers by prefix. Names matching no prefix
// go to the fallback opener.
type Mux struct {
	fallback Opener
	routes   []route
}

type route struct {
	opener Opener
	prefix string
}

// NewMux returns a Mux that hands unmatched names to fallback, or to
// FileOpener when fallback is nil.
func NewMux(fallback Opener) *Mux {
	if fallback == nil {
		fallback = FileOpener{}
	}
	return &Mux{fallback: fallback}
}

// Handle registers o for names beginning with prefix. The longest matching
// prefix wins.
func (m *Mux) Handle(prefix string, o Opener) {
	m.routes = append(m.routes, route{prefix: prefix, opener: o})
}

func (m *Mux) Open(ctx context.Context, name string, mode Mode, flags OpenFlags) (Handle, error) {
	return m.lookup(name).Open(ctx, name, mode, flags)
}

func (m *Mux) lookup(name string) Opener {
	best := -1
	for i, r := range m.routes {
		if strings.HasPrefix(name, r.prefix) && (best < 0 || len(r.prefix) > len(m.routes[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return m.fallback
	}
	return m.routes[best].opener
}
