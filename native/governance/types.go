// Package governance implements the democratic proposal/vote state machine
// groups use to change their own settings, membership, and permission
// grants without a single member holding unilateral control.
package governance

import "encoding/json"

// ProposalKind enumerates the canonical proposal targets this runtime
// supports. Dispatch on kind is a tagged variant over a JSON payload rather
// than a Go interface per kind, matching how the contract's JSON argument
// boundary is expressed.
type ProposalKind string

const (
	KindParamChange          ProposalKind = "param_change"
	KindMembershipChange     ProposalKind = "membership_change"
	KindPathPermissionGrant  ProposalKind = "path_permission_grant"
	KindPathPermissionRevoke ProposalKind = "path_permission_revoke"
	KindDissolve             ProposalKind = "dissolve"
	// KindGroupUpdate covers the settings changes a member-driven group
	// cannot apply by direct call: transferring ownership and flipping
	// privacy. A non-member-driven group's owner still has the direct
	// group_transfer_ownership/group_set_privacy actions available and does
	// not need a proposal for these.
	KindGroupUpdate ProposalKind = "group_update"
	// KindMemberInvite seats a named account at an explicit level,
	// submitted by an existing member rather than the invitee.
	KindMemberInvite ProposalKind = "member_invite"
	// KindJoinRequest is submitted by the would-be member themself, which is
	// why SubmitProposal carves it out of the active-membership requirement
	// every other proposal kind enforces on its proposer.
	KindJoinRequest ProposalKind = "join_request"
	// KindVotingConfigChange adjusts a group's own quorum, pass threshold,
	// or voting period.
	KindVotingConfigChange ProposalKind = "voting_config_change"
	// KindCustomProposal carries an opaque, application-defined payload this
	// engine does not interpret. It still runs the full propose/vote/
	// finalize/execute lifecycle and emits the same audit trail and events;
	// Execute applying it is a no-op beyond that, leaving any off-engine
	// effect to whatever is listening for proposal_executed.
	KindCustomProposal ProposalKind = "custom_proposal"
)

// ProposalStatus enumerates the lifecycle phases a proposal transitions
// through.
type ProposalStatus uint8

const (
	StatusVoting ProposalStatus = iota
	StatusPassed
	StatusRejected
	StatusExecuted
)

// String renders the status for logs, events, and API responses.
func (s ProposalStatus) String() string {
	switch s {
	case StatusVoting:
		return "voting"
	case StatusPassed:
		return "passed"
	case StatusRejected:
		return "rejected"
	case StatusExecuted:
		return "executed"
	default:
		return "unspecified"
	}
}

// Proposal captures a group governance proposal's immutable metadata and
// mutable lifecycle state. LockedMemberCount is snapshotted from active
// membership at submission time so later joins or leaves cannot shift the
// quorum denominator mid-vote.
// Proposal's QuorumBps and PassThresholdBps are snapshotted from the
// group's voting config at submission time, for the same reason
// LockedMemberCount is: a policy change mid-vote (itself only reachable
// through a passed VotingConfigChange proposal) must not retroactively
// shift the bar an already-open vote has to clear.
type Proposal struct {
	ID                uint64          `json:"id"`
	GroupID           string          `json:"group_id"`
	Kind              ProposalKind    `json:"kind"`
	Payload           json.RawMessage `json:"payload"`
	Proposer          string          `json:"proposer"`
	Status            ProposalStatus  `json:"status"`
	LockedMemberCount uint64          `json:"locked_member_count"`
	QuorumBps         uint64          `json:"quorum_bps"`
	PassThresholdBps  uint64          `json:"pass_threshold_bps"`
	SubmittedAtNanos  int64           `json:"submitted_at_nanos"`
	VotingEndNanos    int64           `json:"voting_end_nanos"`
}

// VoteChoice enumerates the supported ballot selections.
type VoteChoice string

const (
	VoteYes     VoteChoice = "yes"
	VoteNo      VoteChoice = "no"
	VoteAbstain VoteChoice = "abstain"
)

// Valid reports whether the choice is one this runtime accepts.
func (c VoteChoice) Valid() bool {
	switch c {
	case VoteYes, VoteNo, VoteAbstain:
		return true
	default:
		return false
	}
}

// Vote records a single member's ballot.
type Vote struct {
	ProposalID uint64     `json:"proposal_id"`
	Voter      string     `json:"voter"`
	Choice     VoteChoice `json:"choice"`
}

// ParamChangePayload updates a single named group setting.
type ParamChangePayload struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// MembershipChangePayload adds and/or removes members as a single proposal.
type MembershipChangePayload struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// PermissionPayload names the path, grantee, and (for grants) flag a
// permission-grant or permission-revoke proposal targets.
type PermissionPayload struct {
	Path    string `json:"path"`
	Grantee string `json:"grantee"`
	Flag    uint8  `json:"flag,omitempty"`
}

// DissolvePayload optionally records why a group is being dissolved.
type DissolvePayload struct {
	Reason string `json:"reason,omitempty"`
}

// GroupUpdatePayload carries the settings change a member-driven group
// routes through governance instead of a direct call. TransferOwnerTo is
// left empty when the proposal only changes privacy.
type GroupUpdatePayload struct {
	TransferOwnerTo string `json:"transfer_owner_to,omitempty"`
	IsPrivate       *bool  `json:"is_private,omitempty"`
}

// MemberInvitePayload seats AccountID at Level once the invite passes,
// submitted by an existing member on someone else's behalf.
type MemberInvitePayload struct {
	AccountID string `json:"account_id"`
	Level     uint8  `json:"level"`
}

// JoinRequestPayload carries no fields of its own; the requester is the
// proposal's Proposer, and execution always seats them at the group's
// ordinary self-join level.
type JoinRequestPayload struct{}

// VotingConfigChangePayload replaces a group's voting thresholds wholesale;
// a zero field is applied as zero, not left at its previous value, so
// callers must submit the full triple.
type VotingConfigChangePayload struct {
	QuorumBps           uint64 `json:"quorum_bps"`
	PassThresholdBps    uint64 `json:"pass_threshold_bps"`
	VotingPeriodSeconds int64  `json:"voting_period_seconds"`
}

// CustomProposalPayload is opaque to this engine: Title is surfaced in
// listings and events, and Data is passed through verbatim to whatever
// off-engine system interprets proposal_executed for this kind.
type CustomProposalPayload struct {
	Title string          `json:"title"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// AuditEvent identifies the lifecycle milestone captured by an audit record.
type AuditEvent string

const (
	AuditEventProposed AuditEvent = "proposed"
	AuditEventVote     AuditEvent = "vote"
	AuditEventFinalized AuditEvent = "finalized"
	AuditEventExecuted AuditEvent = "executed"
)

// AuditRecord is an immutable, append-only governance lifecycle entry.
type AuditRecord struct {
	Sequence   uint64     `json:"sequence"`
	Timestamp  int64      `json:"timestamp_nanos"`
	Event      AuditEvent `json:"event"`
	ProposalID uint64     `json:"proposal_id"`
	Actor      string     `json:"actor,omitempty"`
	Details    string     `json:"details,omitempty"`
}
