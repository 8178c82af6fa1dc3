package permissions

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMembership struct {
	nonces map[string]uint64
	absent map[string]bool
}

func newFakeMembership() *fakeMembership {
	return &fakeMembership{nonces: map[string]uint64{}, absent: map[string]bool{}}
}

func (m *fakeMembership) CurrentNonce(groupID, grantee string) (uint64, bool) {
	key := groupID + "/" + grantee
	if m.absent[key] {
		return 0, false
	}
	return m.nonces[key], true
}

func TestFlagSatisfiesHierarchy(t *testing.T) {
	require.True(t, Manage.Satisfies(Write))
	require.True(t, Manage.Satisfies(Moderate))
	require.True(t, Manage.Satisfies(Manage))
	require.True(t, Moderate.Satisfies(Write))
	require.False(t, Moderate.Satisfies(Manage))
	require.False(t, Write.Satisfies(Moderate))
}

func TestEngineGrantAndCheck(t *testing.T) {
	membership := newFakeMembership()
	membership.nonces["grp1/alice.near"] = 0
	engine := New(NewMemoryGrantStore(), membership)

	require.NoError(t, engine.Grant("grp1", "posts/hello", "alice.near", Moderate))
	require.NoError(t, engine.Check("grp1", "posts/hello", "alice.near", Write))
	require.NoError(t, engine.Check("grp1", "posts/hello", "alice.near", Moderate))
	require.ErrorIs(t, engine.Check("grp1", "posts/hello", "alice.near", Manage), ErrPermissionDenied)
}

func TestEngineRejectsGrantToNonMember(t *testing.T) {
	membership := newFakeMembership()
	membership.absent["grp1/eve.near"] = true
	engine := New(NewMemoryGrantStore(), membership)

	err := engine.Grant("grp1", "posts/hello", "eve.near", Write)
	require.ErrorIs(t, err, ErrNotAMember)
}

func TestEngineInvalidatesGrantOnRejoin(t *testing.T) {
	membership := newFakeMembership()
	membership.nonces["grp1/alice.near"] = 0
	engine := New(NewMemoryGrantStore(), membership)

	require.NoError(t, engine.Grant("grp1", "posts/hello", "alice.near", Manage))
	require.NoError(t, engine.Check("grp1", "posts/hello", "alice.near", Manage))

	// alice leaves and rejoins: her live nonce advances past the grant's
	// recorded nonce, which must silently invalidate the stale grant.
	membership.nonces["grp1/alice.near"] = 1
	require.ErrorIs(t, engine.Check("grp1", "posts/hello", "alice.near", Write), ErrPermissionDenied)
}

func TestEngineDeniesUnknownGrantee(t *testing.T) {
	engine := New(NewMemoryGrantStore(), newFakeMembership())
	require.ErrorIs(t, engine.Check("grp1", "posts/hello", "stranger.near", Write), ErrPermissionDenied)
}

func TestEngineCheckWalksUpToParentGrant(t *testing.T) {
	membership := newFakeMembership()
	membership.nonces["grp1/bob.near"] = 0
	engine := New(NewMemoryGrantStore(), membership)

	require.NoError(t, engine.Grant("grp1", "groups/g1/content", "bob.near", Moderate))

	require.NoError(t, engine.Check("grp1", "groups/g1/content/posts/42", "bob.near", Write))
	require.ErrorIs(t, engine.Check("grp1", "groups/g1/content/posts/42", "bob.near", Manage), ErrPermissionDenied)
}

func TestEngineCheckPrefersMostSpecificGrant(t *testing.T) {
	membership := newFakeMembership()
	membership.nonces["grp1/bob.near"] = 0
	engine := New(NewMemoryGrantStore(), membership)

	require.NoError(t, engine.Grant("grp1", "groups/g1/content", "bob.near", Write))
	require.NoError(t, engine.Grant("grp1", "groups/g1/content/posts/42", "bob.near", Manage))

	require.NoError(t, engine.Check("grp1", "groups/g1/content/posts/42", "bob.near", Manage))
}

func TestEngineRevoke(t *testing.T) {
	membership := newFakeMembership()
	membership.nonces["grp1/alice.near"] = 0
	engine := New(NewMemoryGrantStore(), membership)

	require.NoError(t, engine.Grant("grp1", "posts/hello", "alice.near", Write))
	require.NoError(t, engine.Revoke("grp1", "posts/hello", "alice.near"))
	require.ErrorIs(t, engine.Check("grp1", "posts/hello", "alice.near", Write), ErrPermissionDenied)
}
