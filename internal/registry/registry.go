package registry

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/mwistrand/aussie/internal/errors"
	"github.com/mwistrand/aussie/internal/logging"
)

// MatchKind tags the two route lookup outcomes.
type MatchKind int

const (
	// MatchEndpoint means a specific endpoint pattern matched.
	MatchEndpoint MatchKind = iota
	// MatchServiceOnly means the service exists but no endpoint matched;
	// the request passes through with service-level defaults.
	MatchServiceOnly
)

// RouteLookup is the result of resolving a request path against the registry.
type RouteLookup struct {
	Kind         MatchKind
	Service      *ServiceRegistration
	Endpoint     *EndpointConfig // nil iff Kind == MatchServiceOnly
	ResidualPath string          // path within the service, leading slash
	TargetPath   string
	PathVars     map[string]string
}

// compiledRoute pairs an endpoint with its owning service for the
// cross-service gateway route table.
type compiledRoute struct {
	service  *ServiceRegistration
	endpoint *EndpointConfig
}

// snapshot is the immutable registry view shared with readers.
type snapshot struct {
	services map[string]*ServiceRegistration
	// gatewayRoutes is the union of all endpoints, sorted most specific
	// first, matched for /gateway/ virtual paths.
	gatewayRoutes []compiledRoute
}

// Registry maintains the authoritative in-memory view of registered
// services. Readers observe an atomic snapshot pointer; writers serialize on
// a mutex, write through the repository, and swap a fresh snapshot.
type Registry struct {
	repo Repository
	snap atomic.Pointer[snapshot]
	mu   sync.Mutex
}

// New creates a registry over the given repository.
func New(repo Repository) *Registry {
	r := &Registry{repo: repo}
	r.snap.Store(&snapshot{services: map[string]*ServiceRegistration{}})
	return r
}

// Register atomically replaces any prior registration for the same id and
// returns the stored version. The repository write happens before the
// snapshot swap so the persisted and live views agree at commit time.
func (r *Registry) Register(ctx context.Context, reg *ServiceRegistration) (int64, error) {
	if err := reg.compile(); err != nil {
		return 0, errors.ErrBadRequest.WithDetail(err.Error())
	}

	r.mu.Lock()

	cur := r.snap.Load()
	if prior, ok := cur.services[reg.ServiceID]; ok {
		reg.Version = prior.Version + 1
	}

	if err := r.repo.Upsert(ctx, reg); err != nil {
		r.mu.Unlock()
		return 0, errors.ErrStoreUnavailable.WithCause(err)
	}

	next := cur.clone()
	next.services[reg.ServiceID] = reg
	next.rebuildGatewayRoutes()
	r.snap.Store(next)
	r.mu.Unlock()

	// Publish outside the write lock: subscribers may reload synchronously.
	if err := r.repo.Publish(ctx, reg.ServiceID); err != nil {
		logging.Warn("failed to publish registry invalidation",
			zap.String("service_id", reg.ServiceID), zap.Error(err))
	}

	return reg.Version, nil
}

// Unregister removes a registration. Returns false when the id was unknown.
func (r *Registry) Unregister(ctx context.Context, serviceID string) (bool, error) {
	r.mu.Lock()

	cur := r.snap.Load()
	if _, ok := cur.services[serviceID]; !ok {
		r.mu.Unlock()
		return false, nil
	}

	if _, err := r.repo.Delete(ctx, serviceID); err != nil {
		r.mu.Unlock()
		return false, errors.ErrStoreUnavailable.WithCause(err)
	}

	next := cur.clone()
	delete(next.services, serviceID)
	next.rebuildGatewayRoutes()
	r.snap.Store(next)
	r.mu.Unlock()

	if err := r.repo.Publish(ctx, serviceID); err != nil {
		logging.Warn("failed to publish registry invalidation",
			zap.String("service_id", serviceID), zap.Error(err))
	}

	return true, nil
}

// GetService returns the registration for the id, if any. O(1), wait-free.
func (r *Registry) GetService(serviceID string) (*ServiceRegistration, bool) {
	s, ok := r.snap.Load().services[serviceID]
	return s, ok
}

// Services returns all current registrations sorted by id.
func (r *Registry) Services() []*ServiceRegistration {
	snap := r.snap.Load()
	out := make([]*ServiceRegistration, 0, len(snap.services))
	for _, s := range snap.services {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ServiceID < out[j].ServiceID })
	return out
}

// FindRoute resolves a request path and method to a route. The first path
// segment is the service id, except the reserved "gateway" prefix, whose
// remainder is matched against the union of all registered endpoints.
func (r *Registry) FindRoute(requestPath, method string) (*RouteLookup, bool) {
	snap := r.snap.Load()

	trimmed := strings.TrimPrefix(requestPath, "/")
	serviceID, residual, _ := strings.Cut(trimmed, "/")
	residual = "/" + residual

	if serviceID == "gateway" {
		return snap.findGatewayRoute(residual, method)
	}
	if serviceID == "" || ReservedServiceIDs[serviceID] {
		return nil, false
	}

	svc, ok := snap.services[serviceID]
	if !ok {
		return nil, false
	}

	if lookup, ok := matchEndpoints(svc, residual, method); ok {
		return lookup, true
	}

	// Pass-through: the service exists but no endpoint claimed the path.
	return &RouteLookup{
		Kind:         MatchServiceOnly,
		Service:      svc,
		ResidualPath: residual,
		TargetPath:   joinPrefix(svc.RoutePrefix, residual),
	}, true
}

// matchEndpoints walks the service's endpoints most specific first.
func matchEndpoints(svc *ServiceRegistration, residual, method string) (*RouteLookup, bool) {
	type candidate struct {
		ep   *EndpointConfig
		vars map[string]string
	}
	var best *candidate
	for i := range svc.Endpoints {
		ep := &svc.Endpoints[i]
		if ep.pattern == nil || !ep.MatchesMethod(method) {
			continue
		}
		vars, ok := ep.pattern.Match(residual)
		if !ok {
			continue
		}
		if best == nil || ep.pattern.MoreSpecificThan(best.ep.pattern) {
			best = &candidate{ep: ep, vars: vars}
		}
	}
	if best == nil {
		return nil, false
	}
	return &RouteLookup{
		Kind:         MatchEndpoint,
		Service:      svc,
		Endpoint:     best.ep,
		ResidualPath: residual,
		TargetPath:   joinPrefix(svc.RoutePrefix, residual),
		PathVars:     best.vars,
	}, true
}

// findGatewayRoute matches a /gateway/ virtual path against the sorted union
// table; the first match is the most specific.
func (s *snapshot) findGatewayRoute(residual, method string) (*RouteLookup, bool) {
	for _, cr := range s.gatewayRoutes {
		if !cr.endpoint.MatchesMethod(method) {
			continue
		}
		vars, ok := cr.endpoint.pattern.Match(residual)
		if !ok {
			continue
		}
		return &RouteLookup{
			Kind:         MatchEndpoint,
			Service:      cr.service,
			Endpoint:     cr.endpoint,
			ResidualPath: residual,
			TargetPath:   joinPrefix(cr.service.RoutePrefix, residual),
			PathVars:     vars,
		}, true
	}
	return nil, false
}

// Reload replaces the snapshot with the repository's current contents.
// Transient read errors retry with jittered backoff, at most three attempts.
func (r *Registry) Reload(ctx context.Context) error {
	var regs []*ServiceRegistration

	op := func() error {
		var err error
		regs, err = r.repo.List(ctx)
		return err
	}
	bo := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), 2)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("registry reload: %w", err)
	}

	next := &snapshot{services: make(map[string]*ServiceRegistration, len(regs))}
	for _, reg := range regs {
		if err := reg.compile(); err != nil {
			logging.Warn("skipping invalid persisted registration",
				zap.String("service_id", reg.ServiceID), zap.Error(err))
			continue
		}
		next.services[reg.ServiceID] = reg
	}
	next.rebuildGatewayRoutes()

	r.mu.Lock()
	r.snap.Store(next)
	r.mu.Unlock()

	logging.Info("registry reloaded", zap.Int("services", len(next.services)))
	return nil
}

// Watch subscribes to the repository invalidation channel and reloads on
// every event. It blocks until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) error {
	return r.repo.Subscribe(ctx, func(serviceID string) {
		reloadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := r.Reload(reloadCtx); err != nil {
			logging.Error("registry reload after invalidation failed",
				zap.String("service_id", serviceID), zap.Error(err))
		}
	})
}

func (s *snapshot) clone() *snapshot {
	next := &snapshot{services: make(map[string]*ServiceRegistration, len(s.services)+1)}
	for k, v := range s.services {
		next.services[k] = v
	}
	return next
}

// rebuildGatewayRoutes rebuilds the cross-service union table sorted most
// specific first, ties broken by service id for determinism.
func (s *snapshot) rebuildGatewayRoutes() {
	s.gatewayRoutes = s.gatewayRoutes[:0]
	for _, svc := range s.services {
		for i := range svc.Endpoints {
			s.gatewayRoutes = append(s.gatewayRoutes, compiledRoute{service: svc, endpoint: &svc.Endpoints[i]})
		}
	}
	sort.SliceStable(s.gatewayRoutes, func(i, j int) bool {
		pi, pj := s.gatewayRoutes[i].endpoint.pattern, s.gatewayRoutes[j].endpoint.pattern
		if pi.MoreSpecificThan(pj) {
			return true
		}
		if pj.MoreSpecificThan(pi) {
			return false
		}
		return s.gatewayRoutes[i].service.ServiceID < s.gatewayRoutes[j].service.ServiceID
	})
}

// joinPrefix joins an optional route prefix and a residual path with a
// single slash.
func joinPrefix(prefix, residual string) string {
	if prefix == "" {
		return residual
	}
	p := strings.TrimSuffix(prefix, "/")
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if residual == "/" {
		return p
	}
	return p + residual
}
