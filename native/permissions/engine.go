// Package permissions implements the hierarchical, membership-nonce-scoped
// grant model used to authorize writes to group-owned paths in the key/value
// store.
package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// Flag is a permission bit a grant can carry. Flags are hierarchical: a
// grant carrying a higher flag implicitly satisfies a check for any lower
// flag, so a MANAGE grant authorizes WRITE and MODERATE actions without a
// separate grant for each.
type Flag uint8

const (
	Write    Flag = 1 << 0
	Moderate Flag = 1 << 1
	Manage   Flag = 1 << 2
)

// rank orders flags from least to most privileged. It lets Satisfies compare
// two flags that are not the same bit, which a plain bitmask AND cannot do
// once WRITE (1) and MODERATE (2) need a total order against MANAGE (4).
func (f Flag) rank() int {
	switch {
	case f&Manage != 0:
		return 3
	case f&Moderate != 0:
		return 2
	case f&Write != 0:
		return 1
	default:
		return 0
	}
}

// Satisfies reports whether a grant carrying f authorizes an action that
// requires the given flag.
func (f Flag) Satisfies(required Flag) bool {
	if required == 0 {
		return true
	}
	return f.rank() >= required.rank()
}

// String renders the flag's effective (highest) level for logs and events.
func (f Flag) String() string {
	switch {
	case f&Manage != 0:
		return "manage"
	case f&Moderate != 0:
		return "moderate"
	case f&Write != 0:
		return "write"
	default:
		return "none"
	}
}

// ErrPermissionDenied is returned when a grantee has no grant, or only a
// stale membership-nonce-invalidated grant, authorizing the required flag.
var ErrPermissionDenied = errors.New("permissions: denied")

// ErrNotAMember is returned when a grant is requested for someone who is not
// presently a member of the owning group.
var ErrNotAMember = errors.New("permissions: grantee is not a current member")

// Grant records that grantee holds flag on path, scoped to the grantee's
// group membership epoch at the time the grant was issued. MemberNonce is
// compared against the grantee's live join-nonce on every check: a member
// who left and rejoined the owning group has a higher live nonce, which
// silently invalidates grants issued before the rejoin without an explicit
// revoke pass over every path they ever touched.
type Grant struct {
	GroupID     string `json:"group_id"`
	Path        string `json:"path"`
	Grantee     string `json:"grantee"`
	Flag        Flag   `json:"flag"`
	MemberNonce uint64 `json:"member_nonce"`
}

// Membership resolves a grantee's current join-nonce within a group. A
// grantee who is not presently a member reports ok=false.
type Membership interface {
	CurrentNonce(groupID, grantee string) (nonce uint64, ok bool)
}

// GrantStore persists grants, keyed by (groupID, path, grantee).
type GrantStore interface {
	Get(groupID, path, grantee string) (Grant, bool, error)
	Put(grant Grant) error
	Delete(groupID, path, grantee string) error
	// ListForPath returns every grant recorded for a path across grantees.
	ListForPath(groupID, path string) ([]Grant, error)
}

// Engine evaluates and manages permission grants against a GrantStore and an
// optional Membership view. A nil Membership disables nonce invalidation,
// which is only appropriate for tests exercising the grant store in
// isolation from a group's membership state.
type Engine struct {
	store      GrantStore
	membership Membership
}

// New constructs a permission Engine.
func New(store GrantStore, membership Membership) *Engine {
	return &Engine{store: store, membership: membership}
}

// Check reports whether grantee currently holds at least the required flag
// on path within groupID, taking membership-nonce invalidation into account.
// A grant issued on a parent path authorizes every descendant path: Check
// walks from path up through each ancestor ("groups/g1/content/posts/42" →
// "groups/g1/content/posts" → "groups/g1/content" → "groups/g1" → "groups"
// → root) and succeeds at the first live grant satisfying required, so a
// MODERATE grant on "groups/g1/content" covers a WRITE check on any post
// beneath it without a grant issued per-post.
func (e *Engine) Check(groupID, path, grantee string, required Flag) error {
	for current, atRoot := path, false; ; {
		grant, ok, err := e.store.Get(groupID, current, grantee)
		if err != nil {
			return fmt.Errorf("permissions: check %s on %s: %w", grantee, path, err)
		}
		if ok && e.grantIsLive(groupID, grantee, grant) && grant.Flag.Satisfies(required) {
			return nil
		}
		if atRoot {
			return ErrPermissionDenied
		}
		current, atRoot = parentPath(current)
	}
}

// grantIsLive reports whether grant still reflects the grantee's current
// membership epoch.
func (e *Engine) grantIsLive(groupID, grantee string, grant Grant) bool {
	if e.membership == nil {
		return true
	}
	liveNonce, member := e.membership.CurrentNonce(groupID, grantee)
	return member && liveNonce == grant.MemberNonce
}

// parentPath returns the next ancestor of path one path-segment up, and
// whether that ancestor is the root (the empty path, checked once and then
// stopped at). Paths are "/"-separated with no leading or trailing slash.
func parentPath(path string) (parent string, atRoot bool) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", true
	}
	return path[:idx], false
}

// Grant issues or replaces a grant, stamping it with the grantee's current
// join-nonce so it is automatically invalidated on their next rejoin.
func (e *Engine) Grant(groupID, path, grantee string, flag Flag) error {
	var nonce uint64
	if e.membership != nil {
		live, ok := e.membership.CurrentNonce(groupID, grantee)
		if !ok {
			return fmt.Errorf("permissions: grant %s on %s: %w", grantee, path, ErrNotAMember)
		}
		nonce = live
	}
	if err := e.store.Put(Grant{GroupID: groupID, Path: path, Grantee: grantee, Flag: flag, MemberNonce: nonce}); err != nil {
		return fmt.Errorf("permissions: grant %s on %s: %w", grantee, path, err)
	}
	return nil
}

// Revoke removes a grant outright.
func (e *Engine) Revoke(groupID, path, grantee string) error {
	if err := e.store.Delete(groupID, path, grantee); err != nil {
		return fmt.Errorf("permissions: revoke %s on %s: %w", grantee, path, err)
	}
	return nil
}

// ListForPath exposes the underlying store's enumeration of every grant on
// a path.
func (e *Engine) ListForPath(groupID, path string) ([]Grant, error) {
	grants, err := e.store.ListForPath(groupID, path)
	if err != nil {
		return nil, fmt.Errorf("permissions: list %s: %w", path, err)
	}
	return grants, nil
}
