package groups

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJoinLeaveRejoinNonce(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))

	nonce, err := store.Join("group:42", "alice.near", LevelWrite)
	require.NoError(t, err)
	require.EqualValues(t, 0, nonce)

	_, err = store.Join("group:42", "alice.near", LevelWrite)
	require.ErrorIs(t, err, ErrAlreadyMember)

	require.NoError(t, store.Leave("group:42", "alice.near"))
	require.ErrorIs(t, store.Leave("group:42", "alice.near"), ErrNotMember)

	nonce, err = store.Join("group:42", "alice.near", LevelWrite)
	require.NoError(t, err)
	require.EqualValues(t, 1, nonce)
}

func TestJoinAlwaysCapsAtWriteLevel(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))

	_, err := store.Join("group:42", "alice.near", LevelModerate)
	require.NoError(t, err)

	group, ok := store.groups["group:42"]
	require.True(t, ok)
	require.Equal(t, LevelWrite, group.Members["alice.near"].Level)
}

func TestOwnerCannotLeaveOrBeBlacklisted(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))

	require.ErrorIs(t, store.Leave("group:42", "owner.near"), ErrOwnerCannotLeave)
	require.ErrorIs(t, store.Blacklist("group:42", "owner.near"), ErrOwnerCannotLeave)
}

func TestTransferOwnership(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))
	_, err := store.Join("group:42", "alice.near", LevelWrite)
	require.NoError(t, err)

	require.ErrorIs(t, store.TransferOwnership("group:42", "owner.near", true), ErrCannotTransferToSelf)
	require.ErrorIs(t, store.TransferOwnership("group:42", "nobody.near", true), ErrNotMember)

	require.NoError(t, store.TransferOwnership("group:42", "alice.near", true))
	cfg, err := store.Config("group:42")
	require.NoError(t, err)
	require.Equal(t, "alice.near", cfg.Owner)
	require.ErrorIs(t, store.Leave("group:42", "owner.near"), ErrNotMember, "old owner was removed by removeOld")
}

func TestSetPrivacyAndBlacklist(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))

	require.NoError(t, store.SetPrivacy("group:42", true))
	cfg, err := store.Config("group:42")
	require.NoError(t, err)
	require.True(t, cfg.IsPrivate)

	require.NoError(t, store.Blacklist("group:42", "mallory.near"))
	_, err = store.Join("group:42", "mallory.near", LevelWrite)
	require.ErrorIs(t, err, ErrBlacklisted)

	require.NoError(t, store.Unblacklist("group:42", "mallory.near"))
	_, err = store.Join("group:42", "mallory.near", LevelWrite)
	require.NoError(t, err)
}

func TestActiveMemberCount(t *testing.T) {
	store := NewStore()
	require.NoError(t, store.Create("group:42", "owner.near", Config{}))
	_, err := store.Join("group:42", "alice.near", LevelWrite)
	require.NoError(t, err)
	_, err = store.Join("group:42", "bob.near", LevelWrite)
	require.NoError(t, err)
	require.NoError(t, store.Leave("group:42", "bob.near"))

	count, err := store.ActiveMemberCount("group:42")
	require.NoError(t, err)
	require.Equal(t, 2, count, "owner plus alice; bob left")
}

func TestPayerOfPath(t *testing.T) {
	require.Equal(t, "group:42", PayerOfPath("group:42/members/alice.near"))
	require.Equal(t, "", PayerOfPath("alice.near/profile/bio"))
}

func TestQuotaEngineChargeAndRefund(t *testing.T) {
	store := NewMemorySponsorStore()
	require.NoError(t, store.Put(SponsorAccount{
		GroupID:           "group:42",
		Enabled:           true,
		AllowanceBytes:    100,
		AllowanceMaxBytes: 1000,
		DailyRefillBytes:  0,
		LastRefillNanos:   1,
	}))
	now := int64(1)
	engine := NewQuotaEngine(store, func() int64 { return now })

	require.NoError(t, engine.Charge("group:42", 60))
	account, err := engine.Peek("group:42", "")
	require.NoError(t, err)
	require.EqualValues(t, 40, account.AllowanceBytes)

	err = engine.Charge("group:42", 41)
	require.ErrorIs(t, err, ErrStorageQuotaExceeded)

	require.NoError(t, engine.Charge("group:42", -20))
	account, err = engine.Peek("group:42", "")
	require.NoError(t, err)
	require.EqualValues(t, 60, account.AllowanceBytes)
}

// TestSponsorAccountRefillMatchesLiteralScenario mirrors the documented
// refill example: a daily_refill=100, max=150 account refills fully over
// two days without overshooting the cap, and a separately shrunk-cap
// account never claws back bytes already on hand.
func TestSponsorAccountRefillMatchesLiteralScenario(t *testing.T) {
	const nanosPerDay = 24 * 60 * 60 * 1_000_000_000
	account := SponsorAccount{
		DailyRefillBytes:  100,
		AllowanceMaxBytes: 150,
		AllowanceBytes:    0,
		LastRefillNanos:   1,
	}
	account.refill(1 + 2*nanosPerDay)
	require.EqualValues(t, 150, account.AllowanceBytes)
	require.EqualValues(t, 1+2*nanosPerDay, account.LastRefillNanos)

	shrunk := SponsorAccount{
		DailyRefillBytes:  100,
		AllowanceMaxBytes: 50,
		AllowanceBytes:    100,
		LastRefillNanos:   1,
	}
	now := int64(2 * nanosPerDay)
	shrunk.refill(now)
	require.EqualValues(t, 100, shrunk.AllowanceBytes, "policy shrink must not claw back held balance")
	require.Equal(t, now, shrunk.LastRefillNanos)
}

func TestQuotaEngineRefillsOverTimeAndSaturates(t *testing.T) {
	store := NewMemorySponsorStore()
	require.NoError(t, store.Put(SponsorAccount{
		GroupID:           "group:42",
		Enabled:           true,
		AllowanceBytes:    0,
		AllowanceMaxBytes: 100,
		DailyRefillBytes:  864_000, // 10 bytes/sec expressed as a daily rate
		LastRefillNanos:   1,
	}))
	now := int64(1)
	engine := NewQuotaEngine(store, func() int64 { return now })

	now = 1 + 5_000_000_000 // 5 seconds later, 50 bytes should have refilled
	account, err := engine.Peek("group:42", "")
	require.NoError(t, err)
	require.EqualValues(t, 50, account.AllowanceBytes)

	now = 1 + 100_000_000_000 // 100 seconds later, should saturate at the cap
	account, err = engine.Peek("group:42", "")
	require.NoError(t, err)
	require.EqualValues(t, 100, account.AllowanceBytes)
}

func TestQuotaEnginePayerWithNoAccountIsUncharged(t *testing.T) {
	engine := NewQuotaEngine(NewMemorySponsorStore(), func() int64 { return 0 })
	require.NoError(t, engine.Charge("", 1000))
}

func TestQuotaEngineDisabledAccountRejectsSpend(t *testing.T) {
	store := NewMemorySponsorStore()
	require.NoError(t, store.Put(SponsorAccount{
		GroupID:           "group:42",
		Enabled:           false,
		AllowanceBytes:    1000,
		AllowanceMaxBytes: 1000,
		LastRefillNanos:   1,
	}))
	engine := NewQuotaEngine(store, func() int64 { return 1 })
	err := engine.Charge("group:42", 10)
	require.ErrorIs(t, err, ErrStorageQuotaExceeded)
}

func TestQuotaEngineLazySyncsNonOverrideAccountFromDefault(t *testing.T) {
	store := NewMemorySponsorStore()
	require.NoError(t, store.PutDefault(GroupSponsorDefault{
		GroupID: "group:42", Enabled: true, DailyRefillBytes: 10, AllowanceMaxBytes: 500, Version: 1,
	}))
	require.NoError(t, store.Put(SponsorAccount{
		GroupID: "group:42", Target: "alice.near", AllowanceMaxBytes: 100, AllowanceBytes: 80, LastRefillNanos: 1,
	}))
	engine := NewQuotaEngine(store, func() int64 { return 1 })

	require.NoError(t, engine.ChargeFor("group:42", "alice.near", 0))
	account, err := engine.Peek("group:42", "alice.near")
	require.NoError(t, err)
	require.EqualValues(t, 1, account.AppliedDefaultVersion)
	require.EqualValues(t, 500, account.AllowanceMaxBytes)
	require.EqualValues(t, 80, account.AllowanceBytes, "sync must not claw back a balance above the new cap's old value")
}

func TestQuotaEngineOverrideAccountIgnoresDefaultSync(t *testing.T) {
	store := NewMemorySponsorStore()
	require.NoError(t, store.PutDefault(GroupSponsorDefault{
		GroupID: "group:42", Enabled: true, DailyRefillBytes: 10, AllowanceMaxBytes: 500, Version: 1,
	}))
	require.NoError(t, store.Put(SponsorAccount{
		GroupID: "group:42", Target: "bob.near", IsOverride: true, AllowanceMaxBytes: 100, AllowanceBytes: 80, LastRefillNanos: 1,
	}))
	engine := NewQuotaEngine(store, func() int64 { return 1 })

	require.NoError(t, engine.ChargeFor("group:42", "bob.near", 0))
	account, err := engine.Peek("group:42", "bob.near")
	require.NoError(t, err)
	require.EqualValues(t, 100, account.AllowanceMaxBytes, "an override record must not pick up the group default")
}
