package exchange

import (
	"fmt"
	"slices"
	"sync"
)

// Container is a thread-safe registry of exchange instances keyed by name.
type Container struct {
	mu        sync.RWMutex
	exchanges map[string]Exchange
}

func NewContainer() *Container {
	return &Container{
		exchanges: make(map[string]Exchange),
	}
}

// Register adds an exchange under name, replacing any previous entry.
func (c *Container) Register(name string, ex Exchange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exchanges[name] = ex
}

func (c *Container) Get(name string) (Exchange, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	ex, exists := c.exchanges[name]
	if !exists {
		return nil, fmt.Errorf("exchange %q not found", name)
	}
	return ex, nil
}

// Names returns the registered names in sorted order.
func (c *Container) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.exchanges))
	for name := range c.exchanges {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (c *Container) Exists(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, exists := c.exchanges[name]
	return exists
}

// Close closes every registered exchange and empties the container.
// It returns the first error encountered.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var first error
	for name, ex := range c.exchanges {
		if err := ex.Close(); err != nil && first == nil {
			first = fmt.Errorf("close %s: %w", name, err)
		}
	}
	c.exchanges = make(map[string]Exchange)
	return first
}
