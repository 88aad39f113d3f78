package exchange

import (
	"fmt"
	"sort"
	"sync"

	"github.com/aqs-base/ccew/types"
)

// Factory constructs a fresh adapter instance. Each client owns its own
// adapter; factories must not share mutable state between instances.
type Factory func() Adapter

var (
	registryMu sync.RWMutex
	registry   = make(map[types.ExchangeName]Factory)
)

// Register makes an adapter constructor available under its exchange name.
// Adapter packages call this from init; importing the package is enough to
// enable the exchange.
func Register(name types.ExchangeName, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("exchange: adapter %q registered twice", name))
	}
	registry[name] = f
}

// New builds an adapter for the named exchange.
func New(name types.ExchangeName) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown exchange: %s", name)
	}
	return f(), nil
}

// Registered returns the names of all registered exchanges, sorted.
func Registered() []types.ExchangeName {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]types.ExchangeName, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
