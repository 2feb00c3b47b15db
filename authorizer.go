package rebac

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gofrs/uuid/v5"
)

// PermissionCache is the advisory cache in front of the checker. Implemented
// by cache.PermissionCache; a nil cache disables caching entirely.
type PermissionCache interface {
	Get(ctx context.Context, user, relation, object string) (allowed, ok bool)
	Set(ctx context.Context, user, relation, object string, allowed bool)
	Invalidate(ctx context.Context, user, relation, object string)
	InvalidateUser(ctx context.Context, user string)
	InvalidateObject(ctx context.Context, object string)
	Clear(ctx context.Context)
}

// Authorizer is the narrow API the rest of the system calls into: permission
// checks against the active model, tuple mutation with cache invalidation,
// and model activation. Construct it with a Storage backend, a Checker and
// an optional cache.
type Authorizer struct {
	storage Storage
	checker *Checker
	cache   PermissionCache
	log     *slog.Logger

	active atomic.Pointer[AuthorizationModel]
}

func NewAuthorizer(storage Storage, checker *Checker, cache PermissionCache, log *slog.Logger) *Authorizer {
	if log == nil {
		log = slog.Default()
	}
	return &Authorizer{
		storage: storage,
		checker: checker,
		cache:   cache,
		log:     log,
	}
}

// ActiveModel returns the administratively active model, memoized until the
// next activation.
func (a *Authorizer) ActiveModel(ctx context.Context) (*AuthorizationModel, error) {
	if m := a.active.Load(); m != nil {
		return m, nil
	}
	m, err := a.storage.ActiveModel(ctx)
	if err != nil {
		return nil, err
	}
	a.active.Store(m)
	return m, nil
}

// Check resolves whether the subject holds the relation on the object,
// consulting the cache first. Cached entries are only used for latest-state
// requests; snapshot reads always evaluate. Aborted evaluations propagate
// as errors wrapping ErrAborted and are never cached.
func (a *Authorizer) Check(ctx context.Context, req CheckRequest) (bool, error) {
	model, err := a.ActiveModel(ctx)
	if err != nil {
		return false, fmt.Errorf("no active authorization model: %w", err)
	}

	key := req.Key()
	user, object := key.Subject(), key.Object()
	cacheable := a.cache != nil && req.Txid == 0
	if cacheable {
		if allowed, ok := a.cache.Get(ctx, user, req.Relation, object); ok {
			return allowed, nil
		}
	}

	allowed, err := a.checker.Check(ctx, model, req)
	if err != nil {
		return false, err
	}
	if cacheable {
		a.cache.Set(ctx, user, req.Relation, object, allowed)
	}
	return allowed, nil
}

// Write mutates tuples and invalidates every cache entry that could have
// depended on the touched subjects and objects. Keys are validated against
// the active model before any transaction is opened.
func (a *Authorizer) Write(ctx context.Context, writes, deletes []TupleKey) (WriteResult, error) {
	model, err := a.ActiveModel(ctx)
	if err != nil {
		return WriteResult{}, fmt.Errorf("no active authorization model: %w", err)
	}
	for _, k := range append(append([]TupleKey{}, writes...), deletes...) {
		if err := k.Validate(); err != nil {
			return WriteResult{}, fmt.Errorf("%w: %s", err, k.String())
		}
		if !model.IsValid(k) {
			return WriteResult{}, fmt.Errorf("%w: %s does not match the active model", ErrInvalidKey, k.String())
		}
	}

	result, err := a.storage.Write(ctx, writes, deletes)
	if err != nil {
		return WriteResult{}, err
	}

	if a.cache != nil {
		for _, k := range append(append([]TupleKey{}, writes...), deletes...) {
			a.cache.InvalidateObject(ctx, k.Object())
			a.cache.InvalidateUser(ctx, k.SubjectType+":"+k.SubjectID)
		}
	}
	return result, nil
}

// Publish persists a freshly compiled model version. The model stays
// inactive until Activate is called.
func (a *Authorizer) Publish(ctx context.Context, model *AuthorizationModel) error {
	return a.storage.SaveModel(ctx, model)
}

// Activate makes one model version active, clears the memoized pointer and
// the permission cache: results computed under the old model are void.
func (a *Authorizer) Activate(ctx context.Context, id uuid.UUID) error {
	if err := a.storage.ActivateModel(ctx, id); err != nil {
		return err
	}
	a.active.Store(nil)
	if a.cache != nil {
		a.cache.Clear(ctx)
	}
	a.log.Info("activated authorization model", slog.String("model_id", id.String()))
	return nil
}
