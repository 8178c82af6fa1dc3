// Package groups implements group membership tracking and the
// sponsor-funded storage quota that lets a group absorb storage costs on
// behalf of its members instead of charging each member's own account.
package groups

import (
	"errors"
	"fmt"
	"sync"
)

// ErrGroupNotFound is returned when an operation targets an unknown group.
var ErrGroupNotFound = errors.New("groups: group not found")

// ErrAlreadyMember is returned when Join is called for an account that is
// already an active member.
var ErrAlreadyMember = errors.New("groups: already a member")

// ErrNotMember is returned when Leave or a membership-scoped operation
// targets an account that is not currently an active member.
var ErrNotMember = errors.New("groups: not a member")

// ErrBlacklisted is returned when Join, AddMember, or TransferOwnership
// targets an account presently on the group's blacklist.
var ErrBlacklisted = errors.New("groups: account is blacklisted")

// ErrOwnerCannotLeave is returned when Leave or Blacklist targets the
// group's current owner, who must transfer ownership first.
var ErrOwnerCannotLeave = errors.New("groups: owner cannot leave or be blacklisted")

// ErrCannotTransferToSelf is returned by TransferOwnership when newOwner is
// already the group's owner.
var ErrCannotTransferToSelf = errors.New("groups: cannot transfer ownership to self")

// ErrMemberDriven is returned when a caller attempts a direct, unvoted
// operation (set_privacy, transfer_ownership, a direct join) a member-driven group requires
// a proposal for instead.
var ErrMemberDriven = errors.New("groups: member-driven group requires a proposal for this change")

// Level is the default permission level a membership record carries on the
// group's own content root, encoded with the same WRITE/MODERATE/MANAGE
// bits the permissions package uses for path grants, kept as an independent
// type here so groups never needs to import permissions.
type Level uint8

const (
	LevelWrite    Level = 1 << 0
	LevelModerate Level = 1 << 1
	LevelManage   Level = 1 << 2
)

// VotingConfig is a member-driven group's proposal thresholds, expressed in
// basis points for quorum and pass-threshold so the governance engine's
// integer tally arithmetic never touches a float.
type VotingConfig struct {
	QuorumBps           uint64
	PassThresholdBps    uint64
	VotingPeriodSeconds int64
}

// DefaultVotingConfig matches the defaults a newly created group gets unless
// its creation config overrides them: 25% quorum, just-over-half pass
// threshold, and a seven day voting window.
func DefaultVotingConfig() VotingConfig {
	return VotingConfig{QuorumBps: 2500, PassThresholdBps: 5001, VotingPeriodSeconds: 7 * 24 * 60 * 60}
}

// Config is a group's governance and visibility configuration.
type Config struct {
	Owner          string
	IsPrivate      bool
	MemberDriven   bool
	VotingConfig   VotingConfig
	CreatedAtNanos int64
	UpdatedAtNanos int64
}

// Stats counts events a group has seen over its lifetime. Counters are
// cumulative and never decrease; TotalMembers instead tracks the live
// active count, adjusted on join/leave/blacklist.
type Stats struct {
	TotalMembers      int
	TotalJoinRequests int
}

// Member tracks one account's participation in a group. JoinNonce increases
// every time the account (re)joins, which is what lets the permission
// engine invalidate stale grants on rejoin without an explicit sweep.
type Member struct {
	AccountID     string
	JoinNonce     uint64
	Active        bool
	Level         Level
	JoinedAtNanos int64
	AddedBy       string
}

// Group is the in-memory membership record for a group. Group content
// (posts, profile fields) lives in the key/value store like any other
// content; Group here tracks what membership and governance need: config,
// who is in, at what level and nonce, and the blacklist and stats that gate
// and describe membership changes.
type Group struct {
	ID        string
	Config    Config
	Members   map[string]*Member
	Blacklist map[string]bool
	Stats     Stats
}

// Store tracks groups and their membership. It is a separate concern from
// the key/value store because membership state needs concurrency-safe,
// structured access (nonce increments, active-member counts) that a flat
// byte-value store does not provide cheaply.
type Store struct {
	mu            sync.RWMutex
	groups        map[string]*Group
	now           func() int64
	defaultVoting VotingConfig
}

// NewStore returns an empty group Store. Unless WithClock is passed, its
// clock always reports zero, which is only appropriate for tests that do not
// assert on timestamps.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{groups: make(map[string]*Group), now: func() int64 { return 0 }, defaultVoting: DefaultVotingConfig()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StoreOption configures a Store at construction time.
type StoreOption func(*Store)

// WithClock overrides the Store's time source, used to stamp CreatedAtNanos,
// UpdatedAtNanos, and JoinedAtNanos.
func WithClock(now func() int64) StoreOption {
	return func(s *Store) { s.now = now }
}

// WithDefaultVotingConfig overrides the voting config a new group gets when
// its creation config leaves VotingConfig zero, in place of the package's
// hardcoded DefaultVotingConfig().
func WithDefaultVotingConfig(cfg VotingConfig) StoreOption {
	return func(s *Store) { s.defaultVoting = cfg }
}

// Create registers a new group, applying the member_driven⇒is_private
// invariant and default voting config, and seats owner as its first member
// with the full Manage level. It is an error to create a group id that
// already exists. A config with MemberDriven=true always ends up with
// IsPrivate=true: a bool field cannot tell an explicit false from an unset
// one, so such a config is made private rather than rejected.
func (s *Store) Create(groupID, owner string, cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; ok {
		return fmt.Errorf("groups: create %s: %w", groupID, errors.New("already exists"))
	}
	if cfg.MemberDriven {
		cfg.IsPrivate = true
	}
	if cfg.VotingConfig == (VotingConfig{}) {
		cfg.VotingConfig = s.defaultVoting
	}
	now := s.now()
	cfg.Owner = owner
	cfg.CreatedAtNanos = now
	cfg.UpdatedAtNanos = now

	s.groups[groupID] = &Group{
		ID:     groupID,
		Config: cfg,
		Members: map[string]*Member{
			owner: {AccountID: owner, Level: LevelManage, Active: true, JoinedAtNanos: now, AddedBy: owner},
		},
		Blacklist: make(map[string]bool),
		Stats:     Stats{TotalMembers: 1},
	}
	return nil
}

// Config returns a copy of groupID's current configuration.
func (s *Store) Config(groupID string) (Config, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return Config{}, fmt.Errorf("groups: config %s: %w", groupID, ErrGroupNotFound)
	}
	return group.Config, nil
}

// Stats returns a copy of groupID's current counters.
func (s *Store) Stats(groupID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return Stats{}, fmt.Errorf("groups: stats %s: %w", groupID, ErrGroupNotFound)
	}
	return group.Stats, nil
}

// AddMember seats accountID at level, bypassing the public self-join WRITE
// cap. It is the primitive both Join (capped) and governance execution
// build on: a passed MemberInvite seats at the invited level, a passed
// JoinRequest or membership_change add at LevelWrite.
func (s *Store) AddMember(groupID, accountID string, level Level, addedBy string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("groups: add member %s: %w", groupID, ErrGroupNotFound)
	}
	if group.Blacklist[accountID] {
		return 0, fmt.Errorf("groups: add member %s to %s: %w", accountID, groupID, ErrBlacklisted)
	}
	member, existed := group.Members[accountID]
	if existed && member.Active {
		return 0, fmt.Errorf("groups: add member %s to %s: %w", accountID, groupID, ErrAlreadyMember)
	}
	now := s.now()
	if !existed {
		member = &Member{AccountID: accountID}
		group.Members[accountID] = member
	} else {
		member.JoinNonce++
	}
	member.Active = true
	member.Level = level
	member.JoinedAtNanos = now
	member.AddedBy = addedBy
	group.Stats.TotalMembers++
	return member.JoinNonce, nil
}

// Join adds accountID as an active member through the direct, non-voted
// path: requestedLevel is capped at LevelWrite regardless of what was
// asked for, since a self-service join must never grant self-elevation.
// Member-driven groups route joins through a JoinRequest proposal instead
// (see the governance package) and must not call Join directly.
func (s *Store) Join(groupID, accountID string, requestedLevel Level) (uint64, error) {
	return s.AddMember(groupID, accountID, LevelWrite, accountID)
}

// Leave marks accountID inactive without discarding its nonce history, so a
// future rejoin still advances from the correct value. The group's owner
// cannot leave; they must transfer ownership first.
func (s *Store) Leave(groupID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: leave %s: %w", groupID, ErrGroupNotFound)
	}
	if group.Config.Owner == accountID {
		return fmt.Errorf("groups: leave %s as %s: %w", groupID, accountID, ErrOwnerCannotLeave)
	}
	member, ok := group.Members[accountID]
	if !ok || !member.Active {
		return fmt.Errorf("groups: leave %s as %s: %w", groupID, accountID, ErrNotMember)
	}
	member.Active = false
	group.Stats.TotalMembers--
	return nil
}

// TransferOwnership moves groupID's ownership to newOwner, who must already
// be an active, non-blacklisted member and not the current owner. It does
// not itself enforce the member-driven-requires-a-proposal rule; a direct
// caller (as opposed to governance executing a passed GroupUpdate proposal)
// is expected to check Config(groupID).MemberDriven first and reject with
// ErrMemberDriven before calling this. If removeOld, the previous owner's
// membership is soft-deleted (Active set false) once they are no longer
// owner, the same as a voluntary Leave.
func (s *Store) TransferOwnership(groupID, newOwner string, removeOld bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: transfer ownership %s: %w", groupID, ErrGroupNotFound)
	}
	if newOwner == group.Config.Owner {
		return fmt.Errorf("groups: transfer ownership %s: %w", groupID, ErrCannotTransferToSelf)
	}
	member, ok := group.Members[newOwner]
	if !ok || !member.Active {
		return fmt.Errorf("groups: transfer ownership %s to %s: %w", groupID, newOwner, ErrNotMember)
	}
	if group.Blacklist[newOwner] {
		return fmt.Errorf("groups: transfer ownership %s to %s: %w", groupID, newOwner, ErrBlacklisted)
	}

	oldOwner := group.Config.Owner
	group.Config.Owner = newOwner
	group.Config.UpdatedAtNanos = s.now()
	member.Level = LevelManage

	if removeOld {
		if old, ok := group.Members[oldOwner]; ok && old.Active {
			old.Active = false
			group.Stats.TotalMembers--
		}
	}
	return nil
}

// SetPrivacy flips groupID's visibility. As with TransferOwnership, the
// member-driven-requires-a-proposal rule is the direct caller's
// responsibility to enforce, not this method's.
func (s *Store) SetPrivacy(groupID string, isPrivate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: set privacy %s: %w", groupID, ErrGroupNotFound)
	}
	group.Config.IsPrivate = isPrivate
	group.Config.UpdatedAtNanos = s.now()
	return nil
}

// SetVotingConfig replaces groupID's voting thresholds wholesale. Unlike
// TransferOwnership and SetPrivacy, this is only ever reached through a
// passed VotingConfigChange proposal (a group cannot vote to stop requiring
// votes, but it can always vote to change its own thresholds), so there is
// no direct-call counterpart or member-driven restriction to enforce here.
func (s *Store) SetVotingConfig(groupID string, cfg VotingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: set voting config %s: %w", groupID, ErrGroupNotFound)
	}
	group.Config.VotingConfig = cfg
	group.Config.UpdatedAtNanos = s.now()
	return nil
}

// Blacklist adds accountID to groupID's blacklist and soft-deletes any
// active membership it holds, which also renders every grant issued to it
// inert via the permission engine's nonce-scoping rule. The owner can never
// be blacklisted; they must transfer ownership first.
func (s *Store) Blacklist(groupID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: blacklist %s: %w", groupID, ErrGroupNotFound)
	}
	if group.Config.Owner == accountID {
		return fmt.Errorf("groups: blacklist %s in %s: %w", accountID, groupID, ErrOwnerCannotLeave)
	}
	group.Blacklist[accountID] = true
	if member, ok := group.Members[accountID]; ok && member.Active {
		member.Active = false
		group.Stats.TotalMembers--
	}
	return nil
}

// Unblacklist removes accountID from groupID's blacklist. It does not
// restore membership; a previously blacklisted account must rejoin through
// the ordinary join path afterward.
func (s *Store) Unblacklist(groupID, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	group, ok := s.groups[groupID]
	if !ok {
		return fmt.Errorf("groups: unblacklist %s: %w", groupID, ErrGroupNotFound)
	}
	delete(group.Blacklist, accountID)
	return nil
}

// IsBlacklisted reports whether accountID is presently blacklisted from
// groupID.
func (s *Store) IsBlacklisted(groupID, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return false, fmt.Errorf("groups: is blacklisted %s: %w", groupID, ErrGroupNotFound)
	}
	return group.Blacklist[accountID], nil
}

// ActiveMemberCount reports how many members of groupID are presently
// active. Governance uses this to snapshot locked_member_count at proposal
// submission time.
func (s *Store) ActiveMemberCount(groupID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return 0, fmt.Errorf("groups: count %s: %w", groupID, ErrGroupNotFound)
	}
	count := 0
	for _, m := range group.Members {
		if m.Active {
			count++
		}
	}
	return count, nil
}

// ActiveMembers returns the account ids of every presently active member of
// groupID, used by dissolution to walk membership without exposing the
// underlying map.
func (s *Store) ActiveMembers(groupID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("groups: active members %s: %w", groupID, ErrGroupNotFound)
	}
	var out []string
	for _, m := range group.Members {
		if m.Active {
			out = append(out, m.AccountID)
		}
	}
	return out, nil
}

// IsMember reports whether accountID is a presently active member of
// groupID, used by the governance engine to carve the JoinRequest proposal
// kind out of the general active-membership requirement every other
// proposal kind enforces.
func (s *Store) IsMember(groupID, accountID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return false, fmt.Errorf("groups: is member %s: %w", groupID, ErrGroupNotFound)
	}
	member, ok := group.Members[accountID]
	return ok && member.Active, nil
}

// CurrentNonce implements permissions.Membership: it reports a member's live
// join nonce, and whether they are presently active.
func (s *Store) CurrentNonce(groupID, accountID string) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	group, ok := s.groups[groupID]
	if !ok {
		return 0, false
	}
	member, ok := group.Members[accountID]
	if !ok || !member.Active {
		return 0, false
	}
	return member.JoinNonce, true
}
