package marketdata

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"factorlab/internal/domain"
)

// Factory builds a PriceFeed on first use.
type Factory func() (PriceFeed, error)

// ClientPool caches named price-feed clients for the lifetime of a process.
// Feeds are built lazily by Load and released together by Clear.
type ClientPool struct {
	mu        sync.RWMutex
	factories map[string]Factory
	feeds     map[string]PriceFeed
	log       *slog.Logger
}

// NewClientPool creates an empty pool.
func NewClientPool(log *slog.Logger) *ClientPool {
	if log == nil {
		log = slog.Default()
	}
	return &ClientPool{
		factories: make(map[string]Factory),
		feeds:     make(map[string]PriceFeed),
		log:       log.With("component", "client-pool"),
	}
}

// Register associates a factory with name. A loaded feed of the same name is
// kept until Clear.
func (p *ClientPool) Register(name string, f Factory) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.factories[name] = f
}

// Load returns the feed registered under name, building it on first use.
func (p *ClientPool) Load(name string) (PriceFeed, error) {
	p.mu.RLock()
	feed, ok := p.feeds[name]
	p.mu.RUnlock()
	if ok {
		return feed, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if feed, ok := p.feeds[name]; ok {
		return feed, nil
	}
	factory, ok := p.factories[name]
	if !ok {
		return nil, fmt.Errorf("%w: no price feed registered as %q", domain.ErrConfiguration, name)
	}
	feed, err := factory()
	if err != nil {
		return nil, fmt.Errorf("building price feed %q: %w", name, err)
	}
	p.feeds[name] = feed
	p.log.Info("price feed loaded", "name", name)
	return feed, nil
}

// Get returns an already-loaded feed without building it.
func (p *ClientPool) Get(name string) (PriceFeed, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	feed, ok := p.feeds[name]
	return feed, ok
}

// Names lists registered feed names in sorted order.
func (p *ClientPool) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := make([]string, 0, len(p.factories))
	for n := range p.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear drops every loaded feed, closing those that implement io.Closer.
// Registrations are kept, so the next Load rebuilds.
func (p *ClientPool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, feed := range p.feeds {
		if c, ok := feed.(io.Closer); ok {
			if err := c.Close(); err != nil {
				p.log.Warn("closing price feed", "name", name, "error", err)
			}
		}
		delete(p.feeds, name)
	}
}
