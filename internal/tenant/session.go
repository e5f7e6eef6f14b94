package tenant

import (
	"sync"

	"github.com/vetpulse/vetsync/internal/logging"
)

// TenantListener is called after the active tenant changes. prev or next may be zero.
type TenantListener func(prev, next Scope)

// ConnectivityListener is called when the device goes online or offline.
type ConnectivityListener func(online bool)

// Session tracks the signed-in tenant and network reachability.
type Session struct {
	mu        sync.RWMutex
	scope     Scope
	online    bool
	nextID    int
	tenantLs  map[int]TenantListener
	connectLs map[int]ConnectivityListener
}

// NewSession creates a Session with no tenant. online seeds the connectivity state.
func NewSession(online bool) *Session {
	return &Session{
		online:    online,
		tenantLs:  make(map[int]TenantListener),
		connectLs: make(map[int]ConnectivityListener),
	}
}

// Scope returns the active scope, or a tenant-context error when none is set.
func (s *Session) Scope() (Scope, error) {
	s.mu.RLock()
	scope := s.scope
	s.mu.RUnlock()
	if err := scope.Validate(); err != nil {
		return Scope{}, err
	}
	return scope, nil
}

// SetScope switches the active tenant. Listeners fire only when the tenant,
// practice or user actually changes.
func (s *Session) SetScope(next Scope) error {
	if err := next.Validate(); err != nil {
		return err
	}
	s.switchTo(next)
	return nil
}

// Clear signs out. Listeners receive a zero next scope.
func (s *Session) Clear() {
	s.switchTo(Scope{})
}

func (s *Session) switchTo(next Scope) {
	s.mu.Lock()
	prev := s.scope
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.scope = next
	listeners := make([]TenantListener, 0, len(s.tenantLs))
	for _, l := range s.tenantLs {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	logging.Info("Tenant scope changed", map[string]interface{}{
		"previous_tenant": prev.TenantID,
		"tenant":          next.TenantID,
	})
	for _, l := range listeners {
		l(prev, next)
	}
}

// IsOnline reports the last known connectivity state.
func (s *Session) IsOnline() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// SetOnline records connectivity. Listeners fire only on transitions.
func (s *Session) SetOnline(online bool) {
	s.mu.Lock()
	if s.online == online {
		s.mu.Unlock()
		return
	}
	s.online = online
	listeners := make([]ConnectivityListener, 0, len(s.connectLs))
	for _, l := range s.connectLs {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	for _, l := range listeners {
		l(online)
	}
}

// OnTenantChange registers l and returns a function that removes it.
func (s *Session) OnTenantChange(l TenantListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.tenantLs[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.tenantLs, id)
	}
}

// OnConnectivityChange registers l and returns a function that removes it.
func (s *Session) OnConnectivityChange(l ConnectivityListener) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.connectLs[id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.connectLs, id)
	}
}
