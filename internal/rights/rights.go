// Package rights resolves per-user access flags from group membership. A user
// holds a right on a target when any of their groups grants it; flags from
// multiple groups merge with OR, so granting always wins over silence.
package rights

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"lattice-backend/internal/cache"
	"lattice-backend/internal/store"
)

// DefaultTTL is how long a user's merged rights map stays cached.
const DefaultTTL = 30 * time.Minute

// Targets the engine grants rights on.
const (
	TargetTable = "Table"
	TargetMenu  = "Menu"
)

type Flag int

const (
	FlagView Flag = iota + 1
	FlagAdd
	FlagEdit
	FlagRemove
	FlagExecute
)

// Key identifies one securable: a target kind plus the subject's id.
type Key struct {
	Target    string
	SubjectID string
}

// Flags is the merged set of access flags a user holds on one key.
type Flags struct {
	View    bool `json:"view"`
	Add     bool `json:"add"`
	Edit    bool `json:"edit"`
	Remove  bool `json:"remove"`
	Execute bool `json:"execute"`
}

func (f Flags) Has(flag Flag) bool {
	switch flag {
	case FlagView:
		return f.View
	case FlagAdd:
		return f.Add
	case FlagEdit:
		return f.Edit
	case FlagRemove:
		return f.Remove
	case FlagExecute:
		return f.Execute
	}
	return false
}

func (f Flags) merge(o Flags) Flags {
	return Flags{
		View:    f.View || o.View,
		Add:     f.Add || o.Add,
		Edit:    f.Edit || o.Edit,
		Remove:  f.Remove || o.Remove,
		Execute: f.Execute || o.Execute,
	}
}

// Engine loads and caches merged rights maps.
type Engine struct {
	store *store.Store
	cache cache.Cache
	ttl   time.Duration

	// userKeys tracks which cache keys exist per user so invalidation can
	// clear every tenant variant without enumerating the cache.
	mu       sync.Mutex
	userKeys map[string]map[string]struct{}
}

func New(s *store.Store, c cache.Cache, ttl time.Duration) *Engine {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Engine{
		store:    s,
		cache:    c,
		ttl:      ttl,
		userKeys: make(map[string]map[string]struct{}),
	}
}

func rightsKey(userID, tenantID string) string {
	return "rights:" + userID + ":" + tenantID
}

// GetUserRights returns the user's merged rights map for one tenant, from
// cache when fresh.
func (e *Engine) GetUserRights(ctx context.Context, userID, tenantID string) (map[Key]Flags, error) {
	key := rightsKey(userID, tenantID)
	if hit, ok := cache.Typed[map[Key]Flags](e.cache, key); ok {
		return hit, nil
	}

	merged, err := e.load(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}

	e.cache.Set(key, merged, e.ttl)
	e.mu.Lock()
	if e.userKeys[userID] == nil {
		e.userKeys[userID] = make(map[string]struct{})
	}
	e.userKeys[userID][key] = struct{}{}
	e.mu.Unlock()

	return merged, nil
}

func (e *Engine) load(ctx context.Context, userID, tenantID string) (map[Key]Flags, error) {
	d := e.store.Dialect
	rows, err := store.QueryRows(ctx, e.store.DB,
		`SELECT r.target, r.subject_id, r.right1, r.right2, r.right3, r.right4, r.right5
		 FROM _rights r
		 JOIN _user_groups ug ON ug.group_id = r.group_id
		 JOIN _groups g ON g.id = r.group_id
		 WHERE ug.user_id = `+d.Placeholder(1)+`
		   AND r.tenant_id = `+d.Placeholder(2)+`
		   AND r.deleted = `+d.Placeholder(3)+`
		   AND ug.deleted = `+d.Placeholder(4)+`
		   AND g.deleted = `+d.Placeholder(5),
		userID, tenantID, false, false, false)
	if err != nil {
		return nil, fmt.Errorf("load rights for user %s: %w", userID, err)
	}

	merged := make(map[Key]Flags, len(rows))
	for _, row := range rows {
		k := Key{
			Target:    store.RowString(row, "target"),
			SubjectID: store.RowString(row, "subject_id"),
		}
		f := Flags{
			View:    store.RowBool(row, "right1"),
			Add:     store.RowBool(row, "right2"),
			Edit:    store.RowBool(row, "right3"),
			Remove:  store.RowBool(row, "right4"),
			Execute: store.RowBool(row, "right5"),
		}
		merged[k] = merged[k].merge(f)
	}
	return merged, nil
}

// HasRight reports whether the user holds one flag on a target/subject pair.
// Absence of a rights row means no access.
func (e *Engine) HasRight(ctx context.Context, userID, tenantID, target, subjectID string, flag Flag) (bool, error) {
	merged, err := e.GetUserRights(ctx, userID, tenantID)
	if err != nil {
		return false, err
	}
	return merged[Key{Target: target, SubjectID: subjectID}].Has(flag), nil
}

// AuthorizedMenuIDs returns the menu subjects the user may view, sorted.
func (e *Engine) AuthorizedMenuIDs(ctx context.Context, userID, tenantID string) ([]string, error) {
	merged, err := e.GetUserRights(ctx, userID, tenantID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0)
	for k, f := range merged {
		if k.Target == TargetMenu && f.View {
			ids = append(ids, k.SubjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// InvalidateCache drops every cached rights map of one user, across tenants.
// Call after changing the user's group memberships or any right row touching
// their groups.
func (e *Engine) InvalidateCache(userID string) {
	e.mu.Lock()
	keys := e.userKeys[userID]
	delete(e.userKeys, userID)
	e.mu.Unlock()
	for key := range keys {
		e.cache.Remove(key)
	}
}
