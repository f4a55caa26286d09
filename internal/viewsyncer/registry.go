package viewsyncer

import "sync"

// Registry tracks the Service instances running in this process, keyed by
// client group id. A process serving multiple groups (up to however many
// groupcoord leases it holds at once) shares one Registry between the
// goroutine that starts/stops services and the httpapi debug surface that
// reads them.
type Registry struct {
	mu       sync.RWMutex
	services map[string]*Service
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds svc under its own ClientGroupID, replacing any prior entry
// for that group.
func (r *Registry) Register(svc *Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[svc.ClientGroupID()] = svc
}

// Unregister removes the service for clientGroupID, if present.
func (r *Registry) Unregister(clientGroupID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.services, clientGroupID)
}

// Get returns the running service for clientGroupID, if any.
func (r *Registry) Get(clientGroupID string) (*Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[clientGroupID]
	return svc, ok
}

// Len reports how many groups this process currently serves.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// ClientGroupIDs lists the groups currently registered, in no particular order.
func (r *Registry) ClientGroupIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	return ids
}
