package governance

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"onsocial-core/native/permissions"
)

type fakeMembers struct {
	active      map[string]map[string]uint64
	blacklisted map[string]map[string]bool
}

func newFakeMembers() *fakeMembers {
	return &fakeMembers{active: map[string]map[string]uint64{}, blacklisted: map[string]map[string]bool{}}
}

func (f *fakeMembers) add(groupID, account string, nonce uint64) {
	if f.active[groupID] == nil {
		f.active[groupID] = map[string]uint64{}
	}
	f.active[groupID][account] = nonce
}

func (f *fakeMembers) blacklist(groupID, account string) {
	if f.blacklisted[groupID] == nil {
		f.blacklisted[groupID] = map[string]bool{}
	}
	f.blacklisted[groupID][account] = true
}

func (f *fakeMembers) ActiveMemberCount(groupID string) (int, error) {
	return len(f.active[groupID]), nil
}

func (f *fakeMembers) CurrentNonce(groupID, accountID string) (uint64, bool) {
	nonce, ok := f.active[groupID][accountID]
	return nonce, ok
}

func (f *fakeMembers) IsMember(groupID, accountID string) (bool, error) {
	_, ok := f.active[groupID][accountID]
	return ok, nil
}

func (f *fakeMembers) IsBlacklisted(groupID, accountID string) (bool, error) {
	return f.blacklisted[groupID][accountID], nil
}

type fakeExecutor struct {
	paramChanges   []ParamChangePayload
	granted        []PermissionPayload
	revoked        []PermissionPayload
	dissolved      []string
	membershipOps  []MembershipChangePayload
	groupUpdates   []GroupUpdatePayload
	invites        []MemberInvitePayload
	votingChanges  []VotingConfigChangePayload
}

func (f *fakeExecutor) ApplyParamChange(groupID, key, value string) error {
	f.paramChanges = append(f.paramChanges, ParamChangePayload{Key: key, Value: value})
	return nil
}

func (f *fakeExecutor) ApplyMembershipChange(groupID string, add, remove []string) error {
	f.membershipOps = append(f.membershipOps, MembershipChangePayload{Add: add, Remove: remove})
	return nil
}

func (f *fakeExecutor) ApplyPermissionGrant(groupID, path, grantee string, flag permissions.Flag) error {
	f.granted = append(f.granted, PermissionPayload{Path: path, Grantee: grantee, Flag: uint8(flag)})
	return nil
}

func (f *fakeExecutor) ApplyPermissionRevoke(groupID, path, grantee string) error {
	f.revoked = append(f.revoked, PermissionPayload{Path: path, Grantee: grantee})
	return nil
}

func (f *fakeExecutor) ApplyDissolve(groupID string) error {
	f.dissolved = append(f.dissolved, groupID)
	return nil
}

func (f *fakeExecutor) ApplyGroupUpdate(groupID string, p GroupUpdatePayload) error {
	f.groupUpdates = append(f.groupUpdates, p)
	return nil
}

func (f *fakeExecutor) ApplyMemberInvite(groupID, accountID string, level uint8, invitedBy string) error {
	f.invites = append(f.invites, MemberInvitePayload{AccountID: accountID, Level: level})
	return nil
}

func (f *fakeExecutor) ApplyVotingConfigChange(groupID string, quorumBps, passThresholdBps uint64, votingPeriodSeconds int64) error {
	f.votingChanges = append(f.votingChanges, VotingConfigChangePayload{QuorumBps: quorumBps, PassThresholdBps: passThresholdBps, VotingPeriodSeconds: votingPeriodSeconds})
	return nil
}

func newTestEngine(t *testing.T, members *fakeMembers, executor *fakeExecutor, policy Policy, clock *int64) *Engine {
	t.Helper()
	return New(NewMemoryProposalStore(), members, executor, StaticPolicy(policy), func() int64 { return *clock })
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}

func TestSubmitProposalRequiresActiveMember(t *testing.T) {
	members := newFakeMembers()
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	_, err := engine.SubmitProposal("grp1", KindDissolve, mustJSON(t, DissolvePayload{}), "alice.near")
	require.ErrorIs(t, err, ErrNotActiveMember)
}

func TestSubmitProposalValidatesPayload(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	_, err := engine.SubmitProposal("grp1", KindParamChange, mustJSON(t, ParamChangePayload{}), "alice.near")
	require.Error(t, err)

	_, err = engine.SubmitProposal("grp1", "unknown.kind", mustJSON(t, struct{}{}), "alice.near")
	require.ErrorIs(t, err, ErrUnknownKind)
}

func TestFullLifecycleParamChange(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	members.add("grp1", "bob.near", 0)
	members.add("grp1", "carol.near", 0)
	executor := &fakeExecutor{}
	clock := int64(0)
	engine := newTestEngine(t, members, executor, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindParamChange, mustJSON(t, ParamChangePayload{Key: "theme", Value: "dark"}), "alice.near")
	require.NoError(t, err)
	require.EqualValues(t, 3, proposal.LockedMemberCount)

	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))
	require.NoError(t, engine.CastVote(proposal.ID, "bob.near", VoteYes))

	// Two of three already voted yes, which decides the outcome early
	// regardless of carol's vote: the voting window has not closed.
	finalized, err := engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPassed, finalized.Status)

	require.NoError(t, engine.Execute(proposal.ID))
	require.ErrorIs(t, engine.Execute(proposal.ID), ErrAlreadyExecuted)
	require.Len(t, executor.paramChanges, 1)
	require.Equal(t, "theme", executor.paramChanges[0].Key)
}

func TestFinalizeRejectsEarlyWhenDefeatInevitable(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	members.add("grp1", "bob.near", 0)
	members.add("grp1", "carol.near", 0)
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindDissolve, mustJSON(t, DissolvePayload{}), "alice.near")
	require.NoError(t, err)

	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteNo))
	require.NoError(t, engine.CastVote(proposal.ID, "bob.near", VoteNo))

	finalized, err := engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, finalized.Status)
}

func TestFinalizeBlocksWhileUndecidedAndOpen(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	members.add("grp1", "bob.near", 0)
	members.add("grp1", "carol.near", 0)
	members.add("grp1", "dave.near", 0)
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindDissolve, mustJSON(t, DissolvePayload{}), "alice.near")
	require.NoError(t, err)
	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))

	_, err = engine.Finalize(proposal.ID)
	require.ErrorIs(t, err, ErrStillVoting)

	clock = proposal.VotingEndNanos
	finalized, err := engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusRejected, finalized.Status)
}

func TestCastVoteRejectsAfterWindowCloses(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	members.add("grp1", "bob.near", 0)
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindDissolve, mustJSON(t, DissolvePayload{}), "alice.near")
	require.NoError(t, err)

	clock = proposal.VotingEndNanos
	err = engine.CastVote(proposal.ID, "bob.near", VoteYes)
	require.ErrorIs(t, err, ErrVotingClosed)
}

func TestExecuteRequiresPassedStatus(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 5000, PassThresholdBps: 5000, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindDissolve, mustJSON(t, DissolvePayload{}), "alice.near")
	require.NoError(t, err)

	err = engine.Execute(proposal.ID)
	require.ErrorIs(t, err, ErrNotPassed)
}

func TestPermissionGrantProposalExecutes(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	executor := &fakeExecutor{}
	clock := int64(0)
	engine := newTestEngine(t, members, executor, Policy{QuorumBps: 0, PassThresholdBps: 0, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindPathPermissionGrant, mustJSON(t, PermissionPayload{
		Path: "posts/hello", Grantee: "bob.near", Flag: uint8(permissions.Moderate),
	}), "alice.near")
	require.NoError(t, err)

	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))
	finalized, err := engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPassed, finalized.Status)

	require.NoError(t, engine.Execute(proposal.ID))
	require.Len(t, executor.granted, 1)
	require.Equal(t, "bob.near", executor.granted[0].Grantee)
}

func TestJoinRequestAllowsNonMemberProposerButRejectsExistingOrBlacklisted(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	members.blacklist("grp1", "mallory.near")
	clock := int64(0)
	engine := newTestEngine(t, members, &fakeExecutor{}, Policy{QuorumBps: 0, PassThresholdBps: 0, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindJoinRequest, mustJSON(t, JoinRequestPayload{}), "newbie.near")
	require.NoError(t, err)
	require.Equal(t, "newbie.near", proposal.Proposer)

	_, err = engine.SubmitProposal("grp1", KindJoinRequest, mustJSON(t, JoinRequestPayload{}), "alice.near")
	require.ErrorIs(t, err, ErrAlreadyActiveMember)

	_, err = engine.SubmitProposal("grp1", KindJoinRequest, mustJSON(t, JoinRequestPayload{}), "mallory.near")
	require.ErrorIs(t, err, ErrBlacklistedProposer)
}

func TestJoinRequestExecutesAsMembershipChange(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	executor := &fakeExecutor{}
	clock := int64(0)
	engine := newTestEngine(t, members, executor, Policy{QuorumBps: 0, PassThresholdBps: 0, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindJoinRequest, mustJSON(t, JoinRequestPayload{}), "newbie.near")
	require.NoError(t, err)
	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))
	_, err = engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(proposal.ID))

	require.Len(t, executor.membershipOps, 1)
	require.Equal(t, []string{"newbie.near"}, executor.membershipOps[0].Add)
}

func TestGroupUpdateMemberInviteAndVotingConfigChangeExecute(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	executor := &fakeExecutor{}
	clock := int64(0)
	engine := newTestEngine(t, members, executor, Policy{QuorumBps: 0, PassThresholdBps: 0, VotingPeriodSeconds: 3600}, &clock)

	private := true
	runToExecution := func(kind ProposalKind, payload json.RawMessage) {
		proposal, err := engine.SubmitProposal("grp1", kind, payload, "alice.near")
		require.NoError(t, err)
		require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))
		_, err = engine.Finalize(proposal.ID)
		require.NoError(t, err)
		require.NoError(t, engine.Execute(proposal.ID))
	}

	runToExecution(KindGroupUpdate, mustJSON(t, GroupUpdatePayload{IsPrivate: &private}))
	require.Len(t, executor.groupUpdates, 1)
	require.True(t, *executor.groupUpdates[0].IsPrivate)

	runToExecution(KindMemberInvite, mustJSON(t, MemberInvitePayload{AccountID: "bob.near", Level: 2}))
	require.Len(t, executor.invites, 1)
	require.Equal(t, "bob.near", executor.invites[0].AccountID)

	runToExecution(KindVotingConfigChange, mustJSON(t, VotingConfigChangePayload{QuorumBps: 3000, PassThresholdBps: 6000, VotingPeriodSeconds: 86400}))
	require.Len(t, executor.votingChanges, 1)
	require.EqualValues(t, 3000, executor.votingChanges[0].QuorumBps)
}

func TestCustomProposalExecutesWithoutExecutorCallback(t *testing.T) {
	members := newFakeMembers()
	members.add("grp1", "alice.near", 0)
	executor := &fakeExecutor{}
	clock := int64(0)
	engine := newTestEngine(t, members, executor, Policy{QuorumBps: 0, PassThresholdBps: 0, VotingPeriodSeconds: 3600}, &clock)

	proposal, err := engine.SubmitProposal("grp1", KindCustomProposal, mustJSON(t, CustomProposalPayload{Title: "rebrand"}), "alice.near")
	require.NoError(t, err)
	require.NoError(t, engine.CastVote(proposal.ID, "alice.near", VoteYes))
	_, err = engine.Finalize(proposal.ID)
	require.NoError(t, err)
	require.NoError(t, engine.Execute(proposal.ID))
}
