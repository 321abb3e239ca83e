// Package identity resolves the loose participant references that arrive
// in send requests (external ids, account names, phone numbers, legacy
// database ids) into user records, and derives the messaging-plane id a
// user is addressed by.
package identity

import (
	"context"
	"strconv"
	"time"

	"github.com/haasonsaas/relay/internal/auth"
	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/storage"
)

// Store is the user-lookup surface the resolver needs.
type Store interface {
	UserByOpenID(ctx context.Context, openID string) (*storage.User, error)
	UserByName(ctx context.Context, name string) (*storage.User, error)
	UserByPhone(ctx context.Context, phone string) (*storage.User, error)
	UserByID(ctx context.Context, id int64) (*storage.User, error)
}

// Cache holds positive resolution results. Misses are never cached; a
// user created a second ago must be resolvable on the next request.
type Cache interface {
	ResolvedUser(ctx context.Context, query string) (int64, bool, error)
	CacheResolvedUser(ctx context.Context, query string, userID int64, ttl time.Duration) error
}

// DefaultCacheTTL is how long a positive resolution stays cached.
const DefaultCacheTTL = time.Hour

// Resolver maps request identifiers to user rows.
type Resolver struct {
	store Store
	cache Cache // nil disables caching
	ttl   time.Duration
}

// NewResolver creates a resolver. cache may be nil.
func NewResolver(store Store, cache Cache) *Resolver {
	return &Resolver{store: store, cache: cache, ttl: DefaultCacheTTL}
}

// Resolve finds the user a request identifier refers to. Lookup order is
// external id, account name, phone, then for numeric queries the legacy
// database id. The order matters: external ids are numeric too,
// so they must win over the legacy id namespace.
func (r *Resolver) Resolve(ctx context.Context, query string) (*storage.User, error) {
	if query == "" {
		return nil, imerr.InvalidInput("empty user reference")
	}

	if r.cache != nil {
		if id, ok, err := r.cache.ResolvedUser(ctx, query); err == nil && ok {
			if user, err := r.store.UserByID(ctx, id); err == nil {
				return user, nil
			}
			// cached row vanished; fall through to a full lookup
		}
	}

	user, err := r.lookup(ctx, query)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		_ = r.cache.CacheResolvedUser(ctx, query, user.ID, r.ttl)
	}
	return user, nil
}

func (r *Resolver) lookup(ctx context.Context, query string) (*storage.User, error) {
	if user, err := r.store.UserByOpenID(ctx, query); err == nil {
		return user, nil
	} else if imerr.CodeOf(err) != imerr.CodeNotFound {
		return nil, err
	}

	if user, err := r.store.UserByName(ctx, query); err == nil {
		return user, nil
	} else if imerr.CodeOf(err) != imerr.CodeNotFound {
		return nil, err
	}

	if user, err := r.store.UserByPhone(ctx, query); err == nil {
		return user, nil
	} else if imerr.CodeOf(err) != imerr.CodeNotFound {
		return nil, err
	}

	if id, convErr := strconv.ParseInt(query, 10, 64); convErr == nil {
		if user, err := r.store.UserByID(ctx, id); err == nil {
			return user, nil
		} else if imerr.CodeOf(err) != imerr.CodeNotFound {
			return nil, err
		}
	}

	return nil, imerr.NotFound("user not found")
}

// ResolveAuthenticated maps a verified token identity to its user row.
// Tokens minted since the external-id migration carry is_open_id and skip
// the multi-step lookup; older tokens hold the database id.
func (r *Resolver) ResolveAuthenticated(ctx context.Context, id auth.Identity) (*storage.User, error) {
	if id.IsOpenID {
		return r.store.UserByOpenID(ctx, id.Subject)
	}
	if dbID, err := strconv.ParseInt(id.Subject, 10, 64); err == nil {
		return r.store.UserByID(ctx, dbID)
	}
	return r.Resolve(ctx, id.Subject)
}

// ByID looks up a user by database id directly, skipping the multi-step
// lookup. Used where the id provably came from the database, such as a
// subscription row.
func (r *Resolver) ByID(ctx context.Context, id int64) (*storage.User, error) {
	return r.store.UserByID(ctx, id)
}

// MQTTID is the numeric id used in a user's topic (user/<N>/inbox): the
// external id when it parses as a number, else the database id.
func MQTTID(u *storage.User) string {
	ext := u.ExternalID()
	if _, err := strconv.ParseUint(ext, 10, 64); err == nil {
		return ext
	}
	return strconv.FormatInt(u.ID, 10)
}
