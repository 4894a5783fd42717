package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"github.com/chatmesh/gateway/internal/logging"
)

const lookupTimeout = 5 * time.Second

// ErrNoInstances signals that no healthy instance is known for a service.
type ErrNoInstances struct {
	Service string
}

func (e *ErrNoInstances) Error() string {
	return fmt.Sprintf("no instances available for service %s", e.Service)
}

type entry struct {
	instances     []string
	lastRefreshed time.Time
}

// Cache maps service names to healthy instance URLs, backed by the Consul
// health API. Entries refresh in the background; a refresh failure keeps
// the stale entry, an empty refresh drops it.
type Cache struct {
	client          *consulapi.Client
	refreshInterval time.Duration

	mu      sync.RWMutex
	entries map[string]*entry

	stop chan struct{}
	once sync.Once
}

// New creates a cache against the Consul agent at consulURL.
func New(consulURL string, refreshInterval time.Duration) (*Cache, error) {
	cfg := consulapi.DefaultConfig()
	if consulURL != "" {
		u, err := url.Parse(consulURL)
		if err != nil {
			return nil, fmt.Errorf("parse consul url: %w", err)
		}
		if u.Host != "" {
			cfg.Address = u.Host
		} else {
			cfg.Address = consulURL
		}
		if u.Scheme != "" {
			cfg.Scheme = u.Scheme
		}
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}
	return &Cache{
		client:          client,
		refreshInterval: refreshInterval,
		entries:         make(map[string]*entry),
		stop:            make(chan struct{}),
	}, nil
}

// Resolve returns one healthy instance URL for serviceName, picked
// uniformly at random. A cache miss triggers a synchronous lookup.
func (c *Cache) Resolve(ctx context.Context, serviceName string) (string, error) {
	c.mu.RLock()
	e, ok := c.entries[serviceName]
	c.mu.RUnlock()
	if ok && len(e.instances) > 0 {
		return pick(e.instances), nil
	}

	instances, err := c.lookup(ctx, serviceName)
	if err != nil {
		return "", &ErrNoInstances{Service: serviceName}
	}
	if len(instances) == 0 {
		return "", &ErrNoInstances{Service: serviceName}
	}

	c.mu.Lock()
	c.entries[serviceName] = &entry{instances: instances, lastRefreshed: time.Now()}
	c.mu.Unlock()

	return pick(instances), nil
}

// lookup queries the Consul health API for passing instances.
func (c *Cache) lookup(ctx context.Context, serviceName string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := c.client.Health().Service(serviceName, "", true, opts)
	if err != nil {
		return nil, err
	}

	instances := make([]string, 0, len(entries))
	for _, se := range entries {
		addr := se.Service.Address
		if addr == "" {
			addr = se.Node.Address
		}
		instances = append(instances, fmt.Sprintf("http://%s:%d", addr, se.Service.Port))
	}
	return instances, nil
}

// Start launches the background refresh loop.
func (c *Cache) Start() {
	go c.refreshLoop()
}

func (c *Cache) refreshLoop() {
	ticker := time.NewTicker(c.refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.refreshAll()
		case <-c.stop:
			return
		}
	}
}

// refreshAll re-resolves every known service. The network calls run
// outside the lock; only the swap takes it.
func (c *Cache) refreshAll() {
	c.mu.RLock()
	names := make([]string, 0, len(c.entries))
	for name := range c.entries {
		names = append(names, name)
	}
	c.mu.RUnlock()

	for _, name := range names {
		instances, err := c.lookup(context.Background(), name)
		if err != nil {
			// transient registry error, keep the stale entry
			logging.Warn("service refresh failed",
				zap.String("service", name), zap.Error(err))
			continue
		}

		c.mu.Lock()
		if len(instances) == 0 {
			delete(c.entries, name)
		} else {
			c.entries[name] = &entry{instances: instances, lastRefreshed: time.Now()}
		}
		c.mu.Unlock()

		if len(instances) == 0 {
			logging.Warn("service has no healthy instances, dropped",
				zap.String("service", name))
		}
	}
}

// Instances returns the cached instance list for a service, if any.
func (c *Cache) Instances(serviceName string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if e, ok := c.entries[serviceName]; ok {
		out := make([]string, len(e.instances))
		copy(out, e.instances)
		return out
	}
	return nil
}

// Stop terminates the refresh loop.
func (c *Cache) Stop() {
	c.once.Do(func() { close(c.stop) })
}

func pick(instances []string) string {
	if len(instances) == 1 {
		return instances[0]
	}
	return instances[rand.Intn(len(instances))]
}
