package txmanager

import (
	"fmt"
	"sort"
	"sync"

	"xatm/resource"
)

// registryCenter maps factory ids to the proxies the coordinator drives.
// Factory ids are persisted in the log, so a registered id can only ever
// name one resource manager.
type registryCenter struct {
	mu      sync.RWMutex
	proxies map[string]*resource.Proxy
}

func newRegistryCenter() *registryCenter {
	return &registryCenter{
		proxies: make(map[string]*resource.Proxy),
	}
}

// register adds f. Registering the same factory again is a no-op and reports
// added as false.
func (r *registryCenter) register(f resource.Factory) (p *resource.Proxy, added bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.proxies[f.ID()]; ok {
		if p.ResourceManager() != f.ResourceManager() {
			return nil, false, fmt.Errorf("factory id %s already registered for resource manager %s",
				f.ID(), p.ResourceManager())
		}
		return p, false, nil
	}
	p = resource.NewProxy(f)
	r.proxies[f.ID()] = p
	return p, true, nil
}

func (r *registryCenter) proxy(id string) (*resource.Proxy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.proxies[id]
	return p, ok
}

func (r *registryCenter) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.proxies))
	for id := range r.proxies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
