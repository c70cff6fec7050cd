/*
resource.go - Resource kinds, namespaces and the resolver registry

PURPOSE:
  Polymorphic references ("reservable", "chargeable") are stored as a kind
  tag plus an id. The set of kinds is closed; each kind is resolved through
  a small adapter owned by the collaborator that holds the real entity.

HOW IT WORKS:
  1. The owning collaborator implements ResourceResolver for its kinds
  2. Wiring code registers it on a ResolverRegistry
  3. Services call registry.LoadResource(ctx, kind, id) to verify a
     reference before persisting it

NAMESPACES:
  The conflict detector keys claims by (namespace, id). Rooms and
  equipment items live in separate namespaces so a room and a guitar that
  happen to share an id never collide.

SEE ALSO:
  - conflict.go: Uses ResourceKey
  - booking/service.go: Resolves reservables before booking
*/
package generic

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// ResourceKind is the closed set of entity kinds the core references.
type ResourceKind string

const (
	// Reservables
	KindUser  ResourceKind = "user"
	KindBand  ResourceKind = "band"
	KindEvent ResourceKind = "event"

	// Chargeables
	KindReservation ResourceKind = "reservation"
	KindLoan        ResourceKind = "loan"
	KindSale        ResourceKind = "sale"
)

// IsReservable reports whether the kind may hold a reservation.
func (k ResourceKind) IsReservable() bool {
	return k == KindUser || k == KindBand || k == KindEvent
}

// IsChargeable reports whether the kind may be the subject of a charge.
func (k ResourceKind) IsChargeable() bool {
	return k == KindReservation || k == KindLoan || k == KindSale
}

// ParseResourceKind validates a kind tag.
func ParseResourceKind(s string) (ResourceKind, error) {
	k := ResourceKind(s)
	if k.IsReservable() || k.IsChargeable() {
		return k, nil
	}
	return "", &ValidationError{Code: "unknown_kind", Field: "kind", Message: fmt.Sprintf("unknown resource kind %q", s)}
}

// Namespace partitions claim keys for the conflict detector.
type Namespace string

const (
	NamespaceSpace     Namespace = "space"
	NamespaceEquipment Namespace = "equipment"
)

// ResourceKey identifies one exclusively claimable resource.
type ResourceKey struct {
	Namespace Namespace
	ID        string
}

func SpaceKey(id string) ResourceKey     { return ResourceKey{Namespace: NamespaceSpace, ID: id} }
func EquipmentKey(id string) ResourceKey { return ResourceKey{Namespace: NamespaceEquipment, ID: id} }

func (k ResourceKey) String() string { return string(k.Namespace) + "/" + k.ID }

// =============================================================================
// RESOLVERS
// =============================================================================

// Resource is what a resolver knows about a referenced entity.
type Resource struct {
	Ref     Ref
	Name    string
	OwnerID UserID
}

// ResourceResolver loads an entity owned by another component.
// It returns an error wrapping ErrNotFound when the entity doesn't exist.
type ResourceResolver interface {
	LoadResource(ctx context.Context, kind ResourceKind, id string) (Resource, error)
}

// ResolverFunc adapts a function to ResourceResolver.
type ResolverFunc func(ctx context.Context, kind ResourceKind, id string) (Resource, error)

func (f ResolverFunc) LoadResource(ctx context.Context, kind ResourceKind, id string) (Resource, error) {
	return f(ctx, kind, id)
}

// ResolverRegistry dispatches LoadResource by kind.
type ResolverRegistry struct {
	mu        sync.RWMutex
	resolvers map[ResourceKind]ResourceResolver
}

func NewResolverRegistry() *ResolverRegistry {
	return &ResolverRegistry{resolvers: make(map[ResourceKind]ResourceResolver)}
}

// Register installs r for kind, replacing any previous resolver.
func (reg *ResolverRegistry) Register(kind ResourceKind, r ResourceResolver) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	reg.resolvers[kind] = r
}

// Kinds lists the registered kinds in sorted order.
func (reg *ResolverRegistry) Kinds() []ResourceKind {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	kinds := make([]ResourceKind, 0, len(reg.resolvers))
	for k := range reg.resolvers {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

func (reg *ResolverRegistry) LoadResource(ctx context.Context, kind ResourceKind, id string) (Resource, error) {
	reg.mu.RLock()
	r, ok := reg.resolvers[kind]
	reg.mu.RUnlock()
	if !ok {
		return Resource{}, &ValidationError{Code: "unknown_kind", Field: "kind", Message: fmt.Sprintf("no resolver for kind %q", kind)}
	}
	return r.LoadResource(ctx, kind, id)
}

// AcceptingResolver trusts every id for the kinds it is registered under.
// Used when the owning collaborator validates references itself.
func AcceptingResolver() ResourceResolver {
	return ResolverFunc(func(_ context.Context, kind ResourceKind, id string) (Resource, error) {
		if id == "" {
			return Resource{}, &ValidationError{Code: "missing_id", Field: "id", Message: "resource id is required"}
		}
		return Resource{Ref: Ref{Kind: kind, ID: id}}, nil
	})
}
