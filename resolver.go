package docswarm

import (
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// Resolver proposes a merged value for a concurrent conflict. Resolvers are
// side-effect free with respect to storage; they compute only. A resolver
// requests deletion by setting the resolver delete marker on the returned
// metadata.
type Resolver interface {
	// TryResolve returns the resolved metadata and body, and whether this
	// resolver accepts the conflict. incomingBody is nil on delete
	// replication.
	TryResolve(id string, incoming Metadata, incomingBody any, existingBody any) (Metadata, any, bool, error)
}

// ResolverChain invokes resolvers in registration order; the first
// acceptance wins. The chain is read-only after construction.
type ResolverChain struct {
	resolvers []Resolver
	log       *logrus.Entry
}

func NewResolverChain(resolvers []Resolver, log *logrus.Entry) *ResolverChain {
	return &ResolverChain{
		resolvers: resolvers,
		log:       log.WithField("component", "resolvers"),
	}
}

// Resolve offers the conflict to each resolver in order. A failing resolver
// is treated as having declined; its error is logged and folded into the
// returned error so callers can surface the full sweep.
func (rc *ResolverChain) Resolve(id string, incoming Metadata, incomingBody any, existingBody any) (Metadata, any, bool, error) {
	var errs error
	for _, r := range rc.resolvers {
		meta, body, ok, err := r.TryResolve(id, incoming, incomingBody, existingBody)
		if err != nil {
			rc.log.Errorf("resolver %T failed for %s: %v", r, id, err)
			errs = multierr.Append(errs, err)
			continue
		}
		if ok {
			return meta, body, true, errs
		}
	}
	return nil, nil, false, errs
}

// Len returns the number of registered resolvers.
func (rc *ResolverChain) Len() int {
	return len(rc.resolvers)
}

// RemoteWinsResolver resolves every conflict in favor of the incoming
// version. On delete replication it requests deletion through the resolver
// delete marker.
type RemoteWinsResolver struct{}

func (RemoteWinsResolver) TryResolve(id string, incoming Metadata, incomingBody any, existingBody any) (Metadata, any, bool, error) {
	resolved := cloneMetadata(incoming)
	delete(resolved, MetaReplicationConflict)
	if incomingBody == nil {
		resolved[MetaResolverDeleteMarker] = true
		return resolved, nil, true, nil
	}
	return resolved, incomingBody, true, nil
}

// LocalWinsResolver resolves every conflict in favor of the locally stored
// version, advancing the metadata to the incoming version so the decision
// replicates back out instead of re-conflicting.
type LocalWinsResolver struct{}

func (LocalWinsResolver) TryResolve(id string, incoming Metadata, incomingBody any, existingBody any) (Metadata, any, bool, error) {
	if existingBody == nil {
		return nil, nil, false, nil
	}
	resolved := cloneMetadata(incoming)
	delete(resolved, MetaReplicationConflict)
	delete(resolved, MetaDeleteMarker)
	return resolved, existingBody, true, nil
}
