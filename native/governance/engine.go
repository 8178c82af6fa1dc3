package governance

import (
	"encoding/json"
	"errors"
	"fmt"

	"onsocial-core/core/events"
	"onsocial-core/core/types"
	"onsocial-core/native/permissions"
)

var (
	// ErrProposalNotFound is returned when a proposal id has no record.
	ErrProposalNotFound = errors.New("governance: proposal not found")
	// ErrVotingClosed is returned when a vote is cast after the voting
	// window closed or the proposal already finalized.
	ErrVotingClosed = errors.New("governance: voting closed")
	// ErrNotActiveMember is returned when the proposer or voter is not a
	// current active member of the group.
	ErrNotActiveMember = errors.New("governance: not an active member")
	// ErrNotPassed is returned when Execute is called on a proposal that
	// did not pass.
	ErrNotPassed = errors.New("governance: proposal has not passed")
	// ErrAlreadyExecuted is returned when Execute is called twice.
	ErrAlreadyExecuted = errors.New("governance: proposal already executed")
	// ErrStillVoting is returned when Finalize is called before the voting
	// window closed and the outcome is not yet decided early.
	ErrStillVoting = errors.New("governance: voting window still open")
	// ErrUnknownKind is returned when a proposal's kind has no registered
	// validator or executor path.
	ErrUnknownKind = errors.New("governance: unknown proposal kind")
	// ErrAlreadyActiveMember is returned when a join_request is submitted by
	// an account that is already an active member.
	ErrAlreadyActiveMember = errors.New("governance: already an active member")
	// ErrBlacklistedProposer is returned when a join_request is submitted by
	// an account presently on the group's blacklist.
	ErrBlacklistedProposer = errors.New("governance: proposer is blacklisted")
)

// Policy bounds one group's governance parameters. Unlike earlier versions
// of this engine, Policy is never held engine-wide: PolicyView resolves it
// per group, so two groups the same Engine serves can run different quorum,
// pass threshold, and voting period rules.
type Policy struct {
	QuorumBps           uint64
	PassThresholdBps    uint64
	VotingPeriodSeconds int64
}

// ProposalStore persists proposals, votes, and the audit trail.
type ProposalStore interface {
	NextProposalID() (uint64, error)
	PutProposal(Proposal) error
	GetProposal(id uint64) (Proposal, bool, error)
	PutVote(Vote) error
	ListVotes(proposalID uint64) ([]Vote, error)
	AppendAudit(AuditRecord) error
}

// MembershipView resolves active membership for quorum snapshots,
// proposer/voter eligibility checks, and the blacklist check JoinRequest
// needs since its proposer is, by definition, not yet a member.
type MembershipView interface {
	ActiveMemberCount(groupID string) (int, error)
	CurrentNonce(groupID, accountID string) (uint64, bool)
	IsMember(groupID, accountID string) (bool, error)
	IsBlacklisted(groupID, accountID string) (bool, error)
}

// PolicyView resolves the voting policy a group's proposals are bound by.
// Implementations snapshot this from the group's own stored config rather
// than a single value shared across every group an Engine serves.
type PolicyView interface {
	VotingPolicy(groupID string) (Policy, error)
}

// Executor applies a passed proposal's payload to the runtime state it
// targets.
type Executor interface {
	ApplyParamChange(groupID, key, value string) error
	ApplyMembershipChange(groupID string, add, remove []string) error
	ApplyPermissionGrant(groupID, path, grantee string, flag permissions.Flag) error
	ApplyPermissionRevoke(groupID, path, grantee string) error
	ApplyDissolve(groupID string) error
	ApplyGroupUpdate(groupID string, p GroupUpdatePayload) error
	ApplyMemberInvite(groupID, accountID string, level uint8, invitedBy string) error
	ApplyVotingConfigChange(groupID string, quorumBps, passThresholdBps uint64, votingPeriodSeconds int64) error
}

// Engine runs the proposal/vote state machine for a single runtime. It is
// not goroutine-safe; callers serialize access the way a contract host
// serializes calls.
type Engine struct {
	state    ProposalStore
	members  MembershipView
	executor Executor
	emitter  events.Emitter
	now      func() int64
	policies PolicyView
}

// New constructs an Engine. now returns the current time in unix
// nanoseconds.
func New(state ProposalStore, members MembershipView, executor Executor, policies PolicyView, now func() int64) *Engine {
	return &Engine{state: state, members: members, executor: executor, policies: policies, now: now}
}

// staticPolicy is a PolicyView that ignores groupID and always returns the
// same Policy, for callers (and tests) that do not need per-group
// governance parameters.
type staticPolicy Policy

func (p staticPolicy) VotingPolicy(string) (Policy, error) { return Policy(p), nil }

// StaticPolicy wraps a single Policy as a PolicyView every group shares.
func StaticPolicy(p Policy) PolicyView { return staticPolicy(p) }

// SetEmitter wires an event emitter; a nil emitter is safe to leave unset.
func (e *Engine) SetEmitter(emitter events.Emitter) { e.emitter = emitter }

func (e *Engine) emit(name string, data types.EventData) {
	if e.emitter == nil {
		return
	}
	e.emitter.Emit(types.NewEvent(name, data))
}

func (e *Engine) audit(event AuditEvent, proposalID uint64, actor, details string) {
	_ = e.state.AppendAudit(AuditRecord{
		Timestamp:  e.now(),
		Event:      event,
		ProposalID: proposalID,
		Actor:      actor,
		Details:    details,
	})
}

// SubmitProposal validates the payload for kind, snapshots the group's
// active member count and voting policy, and opens the voting window.
//
// Every kind but JoinRequest requires proposer to already be an active
// member. JoinRequest is submitted by the would-be member themself, so it
// is checked the other way around: proposer must not already be a member,
// and must not be on the group's blacklist.
func (e *Engine) SubmitProposal(groupID string, kind ProposalKind, payload json.RawMessage, proposer string) (Proposal, error) {
	if kind == KindJoinRequest {
		if member, err := e.members.IsMember(groupID, proposer); err != nil {
			return Proposal{}, fmt.Errorf("governance: submit proposal for %s: %w", groupID, err)
		} else if member {
			return Proposal{}, fmt.Errorf("governance: submit join_request for %s: %w", groupID, ErrAlreadyActiveMember)
		}
		if blacklisted, err := e.members.IsBlacklisted(groupID, proposer); err != nil {
			return Proposal{}, fmt.Errorf("governance: submit proposal for %s: %w", groupID, err)
		} else if blacklisted {
			return Proposal{}, fmt.Errorf("governance: submit join_request for %s: %w", groupID, ErrBlacklistedProposer)
		}
	} else if _, ok := e.members.CurrentNonce(groupID, proposer); !ok {
		return Proposal{}, fmt.Errorf("governance: submit proposal for %s: %w", groupID, ErrNotActiveMember)
	}
	if err := validatePayload(kind, payload); err != nil {
		return Proposal{}, err
	}
	locked, err := e.members.ActiveMemberCount(groupID)
	if err != nil {
		return Proposal{}, fmt.Errorf("governance: submit proposal: %w", err)
	}
	policy, err := e.policies.VotingPolicy(groupID)
	if err != nil {
		return Proposal{}, fmt.Errorf("governance: submit proposal: %w", err)
	}
	id, err := e.state.NextProposalID()
	if err != nil {
		return Proposal{}, fmt.Errorf("governance: submit proposal: %w", err)
	}
	now := e.now()
	proposal := Proposal{
		ID:                id,
		GroupID:           groupID,
		Kind:              kind,
		Payload:           payload,
		Proposer:          proposer,
		Status:            StatusVoting,
		LockedMemberCount: uint64(locked),
		QuorumBps:         policy.QuorumBps,
		PassThresholdBps:  policy.PassThresholdBps,
		SubmittedAtNanos:  now,
		VotingEndNanos:    now + policy.VotingPeriodSeconds*1_000_000_000,
	}
	if err := e.state.PutProposal(proposal); err != nil {
		return Proposal{}, fmt.Errorf("governance: submit proposal: %w", err)
	}
	e.audit(AuditEventProposed, id, proposer, string(kind))
	e.emit("proposal_submitted", types.EventData{Operation: "submit_proposal", GroupID: groupID, ProposalID: fmt.Sprintf("%d", id), Actor: proposer})
	return proposal, nil
}

// validatePayload enforces the minimal structural rules each proposal kind
// requires before it is allowed to enter a vote. Deep semantic validation
// (e.g. does the named permission path exist) happens at execution time,
// matching the duck-typed, late-validated boundary the rest of this runtime
// uses for JSON arguments.
func validatePayload(kind ProposalKind, payload json.RawMessage) error {
	switch kind {
	case KindParamChange:
		var p ParamChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid param_change payload: %w", err)
		}
		if p.Key == "" {
			return errors.New("governance: param_change requires a non-empty key")
		}
	case KindMembershipChange:
		var p MembershipChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid membership_change payload: %w", err)
		}
		if len(p.Add) == 0 && len(p.Remove) == 0 {
			return errors.New("governance: membership_change requires at least one add or remove")
		}
	case KindPathPermissionGrant, KindPathPermissionRevoke:
		var p PermissionPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid permission payload: %w", err)
		}
		if p.Path == "" || p.Grantee == "" {
			return errors.New("governance: permission proposals require path and grantee")
		}
	case KindDissolve:
		// DissolvePayload has no required fields.
	case KindGroupUpdate:
		var p GroupUpdatePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid group_update payload: %w", err)
		}
		if p.TransferOwnerTo == "" && p.IsPrivate == nil {
			return errors.New("governance: group_update requires at least one change")
		}
	case KindMemberInvite:
		var p MemberInvitePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid member_invite payload: %w", err)
		}
		if p.AccountID == "" {
			return errors.New("governance: member_invite requires an account_id")
		}
	case KindJoinRequest:
		// JoinRequestPayload has no required fields.
	case KindVotingConfigChange:
		var p VotingConfigChangePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid voting_config_change payload: %w", err)
		}
		if p.QuorumBps > 10_000 || p.PassThresholdBps > 10_000 {
			return errors.New("governance: voting_config_change bps fields must not exceed 10000")
		}
		if p.VotingPeriodSeconds <= 0 {
			return errors.New("governance: voting_config_change requires a positive voting_period_seconds")
		}
	case KindCustomProposal:
		var p CustomProposalPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return fmt.Errorf("governance: invalid custom_proposal payload: %w", err)
		}
		if p.Title == "" {
			return errors.New("governance: custom_proposal requires a title")
		}
	default:
		return fmt.Errorf("governance: %q: %w", kind, ErrUnknownKind)
	}
	return nil
}

// CastVote records a ballot, rejecting votes from non-members, repeat
// votes, and votes cast after the window closed or the proposal already
// finalized.
func (e *Engine) CastVote(proposalID uint64, voter string, choice VoteChoice) error {
	if !choice.Valid() {
		return fmt.Errorf("governance: cast vote: invalid choice %q", choice)
	}
	proposal, ok, err := e.state.GetProposal(proposalID)
	if err != nil {
		return fmt.Errorf("governance: cast vote: %w", err)
	}
	if !ok {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, ErrProposalNotFound)
	}
	if proposal.Status != StatusVoting {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, ErrVotingClosed)
	}
	if e.now() >= proposal.VotingEndNanos {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, ErrVotingClosed)
	}
	if _, ok := e.members.CurrentNonce(proposal.GroupID, voter); !ok {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, ErrNotActiveMember)
	}
	votes, err := e.state.ListVotes(proposalID)
	if err != nil {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, err)
	}
	for _, v := range votes {
		if v.Voter == voter {
			return fmt.Errorf("governance: cast vote %d: %s has already voted", proposalID, voter)
		}
	}
	if err := e.state.PutVote(Vote{ProposalID: proposalID, Voter: voter, Choice: choice}); err != nil {
		return fmt.Errorf("governance: cast vote %d: %w", proposalID, err)
	}
	e.audit(AuditEventVote, proposalID, voter, string(choice))
	e.emit("vote_cast", types.EventData{Operation: "cast_vote", GroupID: proposal.GroupID, ProposalID: fmt.Sprintf("%d", proposalID), Actor: voter})
	return nil
}

// Tally returns the current vote aggregate for a proposal without mutating
// any state.
func (e *Engine) Tally(proposalID uint64) (Tally, error) {
	proposal, ok, err := e.state.GetProposal(proposalID)
	if err != nil {
		return Tally{}, err
	}
	if !ok {
		return Tally{}, fmt.Errorf("governance: tally %d: %w", proposalID, ErrProposalNotFound)
	}
	votes, err := e.state.ListVotes(proposalID)
	if err != nil {
		return Tally{}, err
	}
	return ComputeTally(votes, proposal.LockedMemberCount, proposal.QuorumBps, proposal.PassThresholdBps), nil
}

// Finalize closes a proposal's voting window, either because it ended or
// because the outcome is already mathematically decided (see
// EarlyOutcome). Calling Finalize before either condition holds returns
// ErrStillVoting.
func (e *Engine) Finalize(proposalID uint64) (Proposal, error) {
	proposal, ok, err := e.state.GetProposal(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	if !ok {
		return Proposal{}, fmt.Errorf("governance: finalize %d: %w", proposalID, ErrProposalNotFound)
	}
	if proposal.Status != StatusVoting {
		return proposal, nil
	}
	votes, err := e.state.ListVotes(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	tally := ComputeTally(votes, proposal.LockedMemberCount, proposal.QuorumBps, proposal.PassThresholdBps)
	decided, passed := EarlyOutcome(tally, proposal.QuorumBps, proposal.PassThresholdBps)
	windowClosed := e.now() >= proposal.VotingEndNanos
	if !decided && !windowClosed {
		return Proposal{}, fmt.Errorf("governance: finalize %d: %w", proposalID, ErrStillVoting)
	}
	if !decided && windowClosed {
		passed = tally.PassThresholdMet && tally.QuorumMet
	}
	if passed {
		proposal.Status = StatusPassed
	} else {
		proposal.Status = StatusRejected
	}
	if err := e.state.PutProposal(proposal); err != nil {
		return Proposal{}, fmt.Errorf("governance: finalize %d: %w", proposalID, err)
	}
	e.audit(AuditEventFinalized, proposalID, "", proposal.Status.String())
	e.emit("proposal_finalized", types.EventData{Operation: "finalize", GroupID: proposal.GroupID, ProposalID: fmt.Sprintf("%d", proposalID)})
	return proposal, nil
}

// Execute applies a passed proposal's payload through the Executor and
// marks it executed. Execute is idempotent: calling it again on an already
// executed proposal returns ErrAlreadyExecuted rather than re-applying the
// payload.
func (e *Engine) Execute(proposalID uint64) error {
	proposal, ok, err := e.state.GetProposal(proposalID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("governance: execute %d: %w", proposalID, ErrProposalNotFound)
	}
	if proposal.Status == StatusExecuted {
		return fmt.Errorf("governance: execute %d: %w", proposalID, ErrAlreadyExecuted)
	}
	if proposal.Status != StatusPassed {
		return fmt.Errorf("governance: execute %d: %w", proposalID, ErrNotPassed)
	}
	if err := e.apply(proposal); err != nil {
		return fmt.Errorf("governance: execute %d: %w", proposalID, err)
	}
	proposal.Status = StatusExecuted
	if err := e.state.PutProposal(proposal); err != nil {
		return fmt.Errorf("governance: execute %d: %w", proposalID, err)
	}
	e.audit(AuditEventExecuted, proposalID, "", string(proposal.Kind))
	e.emit("proposal_executed", types.EventData{Operation: "execute", GroupID: proposal.GroupID, ProposalID: fmt.Sprintf("%d", proposalID)})
	return nil
}

func (e *Engine) apply(proposal Proposal) error {
	switch proposal.Kind {
	case KindParamChange:
		var p ParamChangePayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyParamChange(proposal.GroupID, p.Key, p.Value)
	case KindMembershipChange:
		var p MembershipChangePayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyMembershipChange(proposal.GroupID, p.Add, p.Remove)
	case KindPathPermissionGrant:
		var p PermissionPayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyPermissionGrant(proposal.GroupID, p.Path, p.Grantee, permissions.Flag(p.Flag))
	case KindPathPermissionRevoke:
		var p PermissionPayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyPermissionRevoke(proposal.GroupID, p.Path, p.Grantee)
	case KindDissolve:
		return e.executor.ApplyDissolve(proposal.GroupID)
	case KindGroupUpdate:
		var p GroupUpdatePayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyGroupUpdate(proposal.GroupID, p)
	case KindMemberInvite:
		var p MemberInvitePayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyMemberInvite(proposal.GroupID, p.AccountID, p.Level, proposal.Proposer)
	case KindJoinRequest:
		return e.executor.ApplyMembershipChange(proposal.GroupID, []string{proposal.Proposer}, nil)
	case KindVotingConfigChange:
		var p VotingConfigChangePayload
		if err := json.Unmarshal(proposal.Payload, &p); err != nil {
			return err
		}
		return e.executor.ApplyVotingConfigChange(proposal.GroupID, p.QuorumBps, p.PassThresholdBps, p.VotingPeriodSeconds)
	case KindCustomProposal:
		return nil
	default:
		return fmt.Errorf("%q: %w", proposal.Kind, ErrUnknownKind)
	}
}
