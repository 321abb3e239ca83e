// Package registry manages subscription ids: the opaque routing handles
// that stand in for user ids on the JSON gateway variant. The database is
// authoritative; an in-memory mirror keeps the hot path off MySQL and
// survives lookups when the database is briefly unavailable.
package registry

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/relay/internal/imerr"
	"github.com/haasonsaas/relay/internal/observability"
)

// Store is the persistence surface the registry needs.
type Store interface {
	InsertSubscription(ctx context.Context, subscriptionID string, userID int64) error
	FreshSubscriptionIDs(ctx context.Context, userID int64, windowHours int) ([]string, error)
	LatestFreshSubscriptionID(ctx context.Context, userID int64, windowHours int) (string, error)
	UserIDBySubscription(ctx context.Context, subscriptionID string) (int64, error)
	TouchSubscription(ctx context.Context, subscriptionID string) error
	PruneSubscriptions(ctx context.Context, windowHours int) (int64, error)
}

// DefaultWindowHours is the routing freshness window: subscriptions older
// than this are treated as dead routes.
const DefaultWindowHours = 24

// NewID mints a subscription id. The sub_ prefix keeps the id namespace
// recognizable in topics and logs.
func NewID() string {
	return "sub_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

type entry struct {
	userID  int64
	created time.Time
}

// Registry is the subscription-id service. Safe for concurrent use.
type Registry struct {
	store  Store
	window int
	log    *observability.Logger

	mu     sync.RWMutex
	bySub  map[string]entry
	byUser map[int64][]string
}

// New creates a registry over the given store. windowHours <= 0 selects
// the default 24-hour window.
func New(store Store, windowHours int, log *observability.Logger) *Registry {
	if windowHours <= 0 {
		windowHours = DefaultWindowHours
	}
	return &Registry{
		store:  store,
		window: windowHours,
		log:    log.WithFields("component", "registry"),
		bySub:  make(map[string]entry),
		byUser: make(map[int64][]string),
	}
}

func (r *Registry) mirror(subscriptionID string, userID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bySub[subscriptionID]; ok {
		return
	}
	r.bySub[subscriptionID] = entry{userID: userID, created: time.Now()}
	r.byUser[userID] = append(r.byUser[userID], subscriptionID)
}

// GetOrCreate returns the user's newest in-window subscription id,
// minting and persisting a new one when none is fresh. Called at login.
func (r *Registry) GetOrCreate(ctx context.Context, userID int64) (string, error) {
	existing, err := r.store.LatestFreshSubscriptionID(ctx, userID, r.window)
	if err == nil {
		r.mirror(existing, userID)
		return existing, nil
	}
	if imerr.CodeOf(err) != imerr.CodeNotFound {
		return "", err
	}

	id := NewID()
	if err := r.store.InsertSubscription(ctx, id, userID); err != nil {
		return "", err
	}
	r.mirror(id, userID)
	r.log.Info(ctx, "subscription created", "user_id", userID, "subscription_id", id)
	return id, nil
}

// Create always mints a new subscription id, for multi-device logins
// where each session needs its own topic.
func (r *Registry) Create(ctx context.Context, userID int64) (string, error) {
	id := NewID()
	if err := r.store.InsertSubscription(ctx, id, userID); err != nil {
		return "", err
	}
	r.mirror(id, userID)
	return id, nil
}

// SubscriptionIDs returns the user's live routing ids. Memory answers
// first; when the mirror is cold (after a restart) the fresh rows are
// loaded from the database and mirrored for next time. Mirror entries
// are filtered by the freshness window at read time; the hourly prune
// alone would leave them routable up to an hour past it.
func (r *Registry) SubscriptionIDs(ctx context.Context, userID int64) ([]string, error) {
	cutoff := time.Now().Add(-time.Duration(r.window) * time.Hour)
	r.mu.RLock()
	var ids []string
	for _, id := range r.byUser[userID] {
		if e, ok := r.bySub[id]; ok && e.created.After(cutoff) {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()
	if len(ids) > 0 {
		return ids, nil
	}

	ids, err := r.store.FreshSubscriptionIDs(ctx, userID, r.window)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		r.mirror(id, userID)
	}
	return ids, nil
}

// UserID resolves a subscription id to its user. Database first; the
// mirror answers only when the database errors, so a stale mirror entry
// never overrides an authoritative miss.
func (r *Registry) UserID(ctx context.Context, subscriptionID string) (int64, error) {
	userID, err := r.store.UserIDBySubscription(ctx, subscriptionID)
	if err == nil {
		r.mirror(subscriptionID, userID)
		return userID, nil
	}
	if imerr.CodeOf(err) == imerr.CodeNotFound {
		return 0, err
	}

	r.mu.RLock()
	e, ok := r.bySub[subscriptionID]
	r.mu.RUnlock()
	if ok {
		r.log.Warn(ctx, "subscription lookup served from memory, database unavailable",
			"subscription_id", subscriptionID, "error", err)
		return e.userID, nil
	}
	return 0, err
}

// Touch resets the freshness window of a live subscription. The gateway
// calls it on heartbeat so long-lived idle connections stay routable past
// the window.
func (r *Registry) Touch(ctx context.Context, subscriptionID string) error {
	r.mu.Lock()
	if e, ok := r.bySub[subscriptionID]; ok {
		e.created = time.Now()
		r.bySub[subscriptionID] = e
	}
	r.mu.Unlock()
	return r.store.TouchSubscription(ctx, subscriptionID)
}

// Remove drops a subscription from the mirror. The database row ages out
// via the freshness window; removal here just stops routing immediately.
func (r *Registry) Remove(subscriptionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.bySub[subscriptionID]
	if !ok {
		return
	}
	delete(r.bySub, subscriptionID)
	ids := r.byUser[e.userID]
	for i, id := range ids {
		if id == subscriptionID {
			r.byUser[e.userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.byUser[e.userID]) == 0 {
		delete(r.byUser, e.userID)
	}
}

// Prune deletes aged-out rows from the database and evicts matching
// mirror entries.
func (r *Registry) Prune(ctx context.Context) error {
	n, err := r.store.PruneSubscriptions(ctx, r.window)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-time.Duration(r.window) * time.Hour)
	r.mu.Lock()
	for id, e := range r.bySub {
		if e.created.Before(cutoff) {
			delete(r.bySub, id)
			ids := r.byUser[e.userID]
			for i, sid := range ids {
				if sid == id {
					r.byUser[e.userID] = append(ids[:i], ids[i+1:]...)
					break
				}
			}
			if len(r.byUser[e.userID]) == 0 {
				delete(r.byUser, e.userID)
			}
		}
	}
	r.mu.Unlock()

	if n > 0 {
		r.log.Info(ctx, "stale subscriptions pruned", "rows", n)
	}
	return nil
}

// StartPruner schedules Prune on the given cron spec and starts the
// scheduler. The returned cron should be stopped on shutdown.
func (r *Registry) StartPruner(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.Prune(ctx); err != nil {
			r.log.Error(ctx, "subscription prune failed", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
