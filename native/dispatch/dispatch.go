// Package dispatch implements the single tagged-variant entrypoint a
// contract host (or an HTTP handler standing in for one during local
// development) calls into. Every inbound action is a JSON envelope naming
// the operation and carrying an operation-specific payload, matching the
// duck-typed JSON argument boundary the rest of this runtime uses instead of
// exposing each component as a separate Go-level API surface.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"onsocial-core/core/events"
	"onsocial-core/core/types"
	"onsocial-core/native/common"
	"onsocial-core/native/governance"
	"onsocial-core/native/groups"
	"onsocial-core/native/kv"
	"onsocial-core/observability"
	"onsocial-core/native/permissions"
)

// ErrUnknownAction is returned when a request names an action this runtime
// does not implement.
var ErrUnknownAction = errors.New("dispatch: unknown action")

// ErrUnauthorized is returned when the actor does not hold the permission a
// write requires, whether because no grant exists or because the path is an
// account's own subtree and the actor is not that account.
var ErrUnauthorized = errors.New("dispatch: unauthorized")

// Request is the envelope every call into the runtime arrives as. Params is
// re-unmarshaled into an action-specific struct once Action has selected
// which one applies.
type Request struct {
	Action string          `json:"action"`
	Actor  string          `json:"actor"`
	Params json.RawMessage `json:"params"`
}

// Response is the envelope every call returns. Exactly one of Data or Error
// is set.
type Response struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

func ok(v interface{}) Response {
	raw, err := json.Marshal(v)
	if err != nil {
		return Response{Ok: false, Error: fmt.Sprintf("dispatch: encode result: %v", err)}
	}
	return Response{Ok: true, Data: raw}
}

func fail(err error) Response {
	return Response{Ok: false, Error: err.Error()}
}

// Runtime wires the key/value store, permission engine, group store, sponsor
// quota, and governance engine behind Dispatch. It also implements
// governance.Executor, so a passed proposal is applied through the very same
// components a direct call would use.
type Runtime struct {
	KV          *kv.Store
	Permissions *permissions.Engine
	Groups      *groups.Store
	Sponsors    *groups.QuotaEngine
	Governance  *governance.Engine
	Guard       common.PauseView
	Emitter     events.Emitter
	Now         func() int64
}

// Dispatch routes a request to its handler and recovers the uniform
// Request/Response envelope regardless of which component served it.
func (r *Runtime) Dispatch(req Request) Response {
	if err := common.Guard(r.Guard, moduleForAction(req.Action)); err != nil {
		return fail(err)
	}
	handler, ok := handlers[req.Action]
	if !ok {
		return fail(fmt.Errorf("%s: %w", req.Action, ErrUnknownAction))
	}
	return handler(r, req)
}

// moduleForAction reports the pausable module name an action belongs to, so
// an operator can halt kv writes, group governance, or permission changes
// independently without redeploying.
func moduleForAction(action string) string {
	switch {
	case strings.HasPrefix(action, "kv_"):
		return "kv"
	case strings.HasPrefix(action, "group_"):
		return "groups"
	case strings.HasPrefix(action, "permission_"):
		return "permissions"
	case strings.HasPrefix(action, "proposal_") || action == "vote_cast":
		return "governance"
	default:
		return ""
	}
}

type handlerFunc func(*Runtime, Request) Response

var handlers = map[string]handlerFunc{
	"kv_get":                     (*Runtime).handleKVGet,
	"kv_put":                     (*Runtime).handleKVPut,
	"kv_delete":                  (*Runtime).handleKVDelete,
	"group_create":               (*Runtime).handleGroupCreate,
	"group_join":                 (*Runtime).handleGroupJoin,
	"group_leave":                (*Runtime).handleGroupLeave,
	"group_transfer_ownership":   (*Runtime).handleGroupTransferOwnership,
	"group_set_privacy":          (*Runtime).handleGroupSetPrivacy,
	"group_blacklist":            (*Runtime).handleGroupBlacklist,
	"group_unblacklist":          (*Runtime).handleGroupUnblacklist,
	"permission_grant":           (*Runtime).handlePermissionGrant,
	"permission_revoke":          (*Runtime).handlePermissionRevoke,
	"permission_check":           (*Runtime).handlePermissionCheck,
	"proposal_submit":            (*Runtime).handleProposalSubmit,
	"vote_cast":                  (*Runtime).handleVoteCast,
	"proposal_finalize":          (*Runtime).handleProposalFinalize,
	"proposal_execute":           (*Runtime).handleProposalExecute,
}

func unmarshalParams(raw json.RawMessage, v interface{}) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("dispatch: decode params: %w", err)
	}
	return nil
}

// rootSegment returns the leading path segment, which is either an account
// id or a group payer id depending on PayerOfPath's convention.
func rootSegment(path string) string {
	if idx := strings.IndexByte(path, '/'); idx >= 0 {
		return path[:idx]
	}
	return path
}

// authorize enforces the write-authorization rule used throughout this
// package: a group-owned path (root segment carrying the group payer
// prefix) requires a permission grant at the given flag; any other path is
// an account's own subtree and only that account may write to it.
func (r *Runtime) authorize(path, actor string, required permissions.Flag) error {
	root := rootSegment(path)
	if groups.PayerOfPath(path) != "" {
		if err := r.Permissions.Check(root, path, actor, required); err != nil {
			return fmt.Errorf("%s on %s: %w", actor, path, ErrUnauthorized)
		}
		return nil
	}
	if actor != root {
		return fmt.Errorf("%s on %s: %w", actor, path, ErrUnauthorized)
	}
	return nil
}

type kvGetParams struct {
	Path string `json:"path"`
}

func (r *Runtime) handleKVGet(req Request) Response {
	var p kvGetParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	value, err := r.KV.Get(p.Path)
	if err != nil {
		return fail(err)
	}
	return ok(struct {
		Value []byte `json:"value"`
	}{Value: value})
}

type kvPutParams struct {
	Path  string `json:"path"`
	Value []byte `json:"value"`
}

func (r *Runtime) handleKVPut(req Request) Response {
	var p kvPutParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.authorize(p.Path, req.Actor, permissions.Write); err != nil {
		return fail(err)
	}
	if err := r.KV.Put(p.Path, p.Value, r.Now()); err != nil {
		if errors.Is(err, groups.ErrStorageQuotaExceeded) {
			observability.Storage().RecordQuotaRejected(rootSegment(p.Path))
		}
		return fail(err)
	}
	observability.Storage().RecordWrite("put")
	if payer := groups.PayerOfPath(p.Path); payer != "" {
		observability.Storage().RecordBytesCharged(payer, int64(len(p.Value)))
	}
	r.emit("kv_put", types.EventData{Operation: "kv_put", Path: p.Path, Actor: req.Actor})
	return ok(struct{}{})
}

type kvDeleteParams struct {
	Path string `json:"path"`
}

func (r *Runtime) handleKVDelete(req Request) Response {
	var p kvDeleteParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.authorize(p.Path, req.Actor, permissions.Moderate); err != nil {
		return fail(err)
	}
	if err := r.KV.Delete(p.Path, r.Now()); err != nil {
		return fail(err)
	}
	observability.Storage().RecordWrite("delete")
	r.emit("kv_delete", types.EventData{Operation: "kv_delete", Path: p.Path, Actor: req.Actor})
	return ok(struct{}{})
}

type groupCreateParams struct {
	GroupID      string `json:"group_id"`
	IsPrivate    bool   `json:"is_private"`
	MemberDriven bool   `json:"member_driven"`
	// VotingConfig overrides, all optional: a zero triple leaves the
	// group's voting config at the store's configured default.
	QuorumBps           uint64 `json:"quorum_bps,omitempty"`
	PassThresholdBps    uint64 `json:"pass_threshold_bps,omitempty"`
	VotingPeriodSeconds int64  `json:"voting_period_seconds,omitempty"`
}

func (r *Runtime) handleGroupCreate(req Request) Response {
	var p groupCreateParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	cfg := groups.Config{
		IsPrivate:    p.IsPrivate,
		MemberDriven: p.MemberDriven,
	}
	if p.QuorumBps != 0 || p.PassThresholdBps != 0 || p.VotingPeriodSeconds != 0 {
		cfg.VotingConfig = groups.VotingConfig{
			QuorumBps:           p.QuorumBps,
			PassThresholdBps:    p.PassThresholdBps,
			VotingPeriodSeconds: p.VotingPeriodSeconds,
		}
	}
	if err := r.Groups.Create(p.GroupID, req.Actor, cfg); err != nil {
		return fail(err)
	}
	r.emit("group_created", types.EventData{Operation: "group_create", GroupID: p.GroupID, Actor: req.Actor})
	return ok(struct{}{})
}

type groupJoinParams struct {
	GroupID string `json:"group_id"`
}

func (r *Runtime) handleGroupJoin(req Request) Response {
	var p groupJoinParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	cfg, err := r.Groups.Config(p.GroupID)
	if err != nil {
		return fail(err)
	}
	if cfg.MemberDriven {
		return fail(fmt.Errorf("group %s: %w", p.GroupID, groups.ErrMemberDriven))
	}
	nonce, err := r.Groups.Join(p.GroupID, req.Actor, groups.LevelWrite)
	if err != nil {
		return fail(err)
	}
	r.emit("group_joined", types.EventData{Operation: "group_join", GroupID: p.GroupID, Actor: req.Actor})
	return ok(struct {
		JoinNonce uint64 `json:"join_nonce"`
	}{JoinNonce: nonce})
}

type groupLeaveParams struct {
	GroupID string `json:"group_id"`
}

func (r *Runtime) handleGroupLeave(req Request) Response {
	var p groupLeaveParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.Groups.Leave(p.GroupID, req.Actor); err != nil {
		return fail(err)
	}
	r.emit("group_left", types.EventData{Operation: "group_leave", GroupID: p.GroupID, Actor: req.Actor})
	return ok(struct{}{})
}

// requireDirectOwner rejects an action unless actor is groupID's current
// owner and the group is not member-driven; a member-driven group must
// route the same settings change through a passed GroupUpdate proposal
// instead of this direct call.
func (r *Runtime) requireDirectOwner(groupID, actor string) error {
	cfg, err := r.Groups.Config(groupID)
	if err != nil {
		return err
	}
	if cfg.Owner != actor {
		return fmt.Errorf("%s on %s: %w", actor, groupID, ErrUnauthorized)
	}
	if cfg.MemberDriven {
		return fmt.Errorf("group %s: %w", groupID, groups.ErrMemberDriven)
	}
	return nil
}

type groupTransferOwnershipParams struct {
	GroupID   string `json:"group_id"`
	NewOwner  string `json:"new_owner"`
	RemoveOld bool   `json:"remove_old"`
}

func (r *Runtime) handleGroupTransferOwnership(req Request) Response {
	var p groupTransferOwnershipParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.requireDirectOwner(p.GroupID, req.Actor); err != nil {
		return fail(err)
	}
	if err := r.Groups.TransferOwnership(p.GroupID, p.NewOwner, p.RemoveOld); err != nil {
		return fail(err)
	}
	r.emit("group_ownership_transferred", types.EventData{Operation: "group_transfer_ownership", GroupID: p.GroupID, Target: p.NewOwner, Actor: req.Actor})
	return ok(struct{}{})
}

type groupSetPrivacyParams struct {
	GroupID   string `json:"group_id"`
	IsPrivate bool   `json:"is_private"`
}

func (r *Runtime) handleGroupSetPrivacy(req Request) Response {
	var p groupSetPrivacyParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.requireDirectOwner(p.GroupID, req.Actor); err != nil {
		return fail(err)
	}
	if err := r.Groups.SetPrivacy(p.GroupID, p.IsPrivate); err != nil {
		return fail(err)
	}
	r.emit("group_privacy_set", types.EventData{Operation: "group_set_privacy", GroupID: p.GroupID, Actor: req.Actor})
	return ok(struct{}{})
}

type groupBlacklistParams struct {
	GroupID   string `json:"group_id"`
	AccountID string `json:"account_id"`
}

func (r *Runtime) handleGroupBlacklist(req Request) Response {
	var p groupBlacklistParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	cfg, err := r.Groups.Config(p.GroupID)
	if err != nil {
		return fail(err)
	}
	if cfg.Owner != req.Actor {
		return fail(fmt.Errorf("%s on %s: %w", req.Actor, p.GroupID, ErrUnauthorized))
	}
	if err := r.Groups.Blacklist(p.GroupID, p.AccountID); err != nil {
		return fail(err)
	}
	r.emit("group_blacklisted", types.EventData{Operation: "group_blacklist", GroupID: p.GroupID, Target: p.AccountID, Actor: req.Actor})
	return ok(struct{}{})
}

func (r *Runtime) handleGroupUnblacklist(req Request) Response {
	var p groupBlacklistParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	cfg, err := r.Groups.Config(p.GroupID)
	if err != nil {
		return fail(err)
	}
	if cfg.Owner != req.Actor {
		return fail(fmt.Errorf("%s on %s: %w", req.Actor, p.GroupID, ErrUnauthorized))
	}
	if err := r.Groups.Unblacklist(p.GroupID, p.AccountID); err != nil {
		return fail(err)
	}
	r.emit("group_unblacklisted", types.EventData{Operation: "group_unblacklist", GroupID: p.GroupID, Target: p.AccountID, Actor: req.Actor})
	return ok(struct{}{})
}

type permissionGrantParams struct {
	GroupID string `json:"group_id"`
	Path    string `json:"path"`
	Grantee string `json:"grantee"`
	Flag    uint8  `json:"flag"`
}

func (r *Runtime) handlePermissionGrant(req Request) Response {
	var p permissionGrantParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.Permissions.Check(p.GroupID, p.Path, req.Actor, permissions.Manage); err != nil {
		return fail(fmt.Errorf("%s: %w", req.Actor, ErrUnauthorized))
	}
	if err := r.Permissions.Grant(p.GroupID, p.Path, p.Grantee, permissions.Flag(p.Flag)); err != nil {
		return fail(err)
	}
	r.emit("permission_granted", types.EventData{Operation: "permission_grant", GroupID: p.GroupID, Path: p.Path, Target: p.Grantee, Flags: p.Flag, Actor: req.Actor})
	return ok(struct{}{})
}

type permissionRevokeParams struct {
	GroupID string `json:"group_id"`
	Path    string `json:"path"`
	Grantee string `json:"grantee"`
}

func (r *Runtime) handlePermissionRevoke(req Request) Response {
	var p permissionRevokeParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.Permissions.Check(p.GroupID, p.Path, req.Actor, permissions.Manage); err != nil {
		return fail(fmt.Errorf("%s: %w", req.Actor, ErrUnauthorized))
	}
	if err := r.Permissions.Revoke(p.GroupID, p.Path, p.Grantee); err != nil {
		return fail(err)
	}
	r.emit("permission_revoked", types.EventData{Operation: "permission_revoke", GroupID: p.GroupID, Path: p.Path, Target: p.Grantee, Actor: req.Actor})
	return ok(struct{}{})
}

type permissionCheckParams struct {
	GroupID string `json:"group_id"`
	Path    string `json:"path"`
	Flag    uint8  `json:"flag"`
}

func (r *Runtime) handlePermissionCheck(req Request) Response {
	var p permissionCheckParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	err := r.Permissions.Check(p.GroupID, p.Path, req.Actor, permissions.Flag(p.Flag))
	return ok(struct {
		Authorized bool `json:"authorized"`
	}{Authorized: err == nil})
}

type proposalSubmitParams struct {
	GroupID string                  `json:"group_id"`
	Kind    governance.ProposalKind `json:"kind"`
	Payload json.RawMessage         `json:"payload"`
}

func (r *Runtime) handleProposalSubmit(req Request) Response {
	var p proposalSubmitParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	proposal, err := r.Governance.SubmitProposal(p.GroupID, p.Kind, p.Payload, req.Actor)
	if err != nil {
		return fail(err)
	}
	return ok(proposal)
}

type voteCastParams struct {
	ProposalID uint64                  `json:"proposal_id"`
	Choice     governance.VoteChoice `json:"choice"`
}

func (r *Runtime) handleVoteCast(req Request) Response {
	var p voteCastParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.Governance.CastVote(p.ProposalID, req.Actor, p.Choice); err != nil {
		return fail(err)
	}
	return ok(struct{}{})
}

type proposalIDParams struct {
	ProposalID uint64 `json:"proposal_id"`
}

func (r *Runtime) handleProposalFinalize(req Request) Response {
	var p proposalIDParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	proposal, err := r.Governance.Finalize(p.ProposalID)
	if err != nil {
		return fail(err)
	}
	return ok(proposal)
}

func (r *Runtime) handleProposalExecute(req Request) Response {
	var p proposalIDParams
	if err := unmarshalParams(req.Params, &p); err != nil {
		return fail(err)
	}
	if err := r.Governance.Execute(p.ProposalID); err != nil {
		return fail(err)
	}
	return ok(struct{}{})
}

func (r *Runtime) emit(name string, data types.EventData) {
	if r.Emitter == nil {
		return
	}
	r.Emitter.Emit(types.NewEvent(name, data))
}

// paramPath is the reserved key/value location a param_change proposal's
// key/value pair is persisted under, so group settings read through the
// same kv.Store API as any other group content instead of a separate
// settings table.
func paramPath(groupID, key string) string {
	return fmt.Sprintf("%s/.params/%s", groupID, key)
}

// ApplyParamChange implements governance.Executor by writing the new value
// into the group's reserved settings subtree.
func (r *Runtime) ApplyParamChange(groupID, key, value string) error {
	return r.KV.Put(paramPath(groupID, key), []byte(value), r.Now())
}

// governanceActor marks a member record added by a passed proposal rather
// than a specific account, since the executor interface has no actor to
// attribute the add to beyond the proposal's own proposer.
const governanceActor = "governance"

// ApplyMembershipChange implements governance.Executor by adding and
// removing members on the group store. Added members go through AddMember
// at LevelWrite, the same level a self-service Join grants, and are
// attributed to governanceActor rather than to themselves. A
// member already in the target state is left untouched rather than
// erroring the whole batch.
func (r *Runtime) ApplyMembershipChange(groupID string, add, remove []string) error {
	for _, accountID := range add {
		if _, err := r.Groups.AddMember(groupID, accountID, groups.LevelWrite, governanceActor); err != nil && !errors.Is(err, groups.ErrAlreadyMember) {
			return err
		}
	}
	for _, accountID := range remove {
		if err := r.Groups.Leave(groupID, accountID); err != nil && !errors.Is(err, groups.ErrNotMember) {
			return err
		}
	}
	return nil
}

// ApplyPermissionGrant implements governance.Executor.
func (r *Runtime) ApplyPermissionGrant(groupID, path, grantee string, flag permissions.Flag) error {
	return r.Permissions.Grant(groupID, path, grantee, flag)
}

// ApplyPermissionRevoke implements governance.Executor.
func (r *Runtime) ApplyPermissionRevoke(groupID, path, grantee string) error {
	return r.Permissions.Revoke(groupID, path, grantee)
}

// ApplyDissolve implements governance.Executor by removing every active
// member, leaving the group's key/value content in place for archival or a
// later garbage-collection pass rather than deleting it inline.
func (r *Runtime) ApplyDissolve(groupID string) error {
	members, err := r.Groups.ActiveMembers(groupID)
	if err != nil {
		return err
	}
	for _, accountID := range members {
		if err := r.Groups.Leave(groupID, accountID); err != nil {
			return err
		}
	}
	return nil
}

// ApplyGroupUpdate implements governance.Executor for the settings changes a
// member-driven group cannot apply by direct call. Ownership transfer
// removes the old owner's membership the same way a direct transfer does.
func (r *Runtime) ApplyGroupUpdate(groupID string, p governance.GroupUpdatePayload) error {
	if p.TransferOwnerTo != "" {
		if err := r.Groups.TransferOwnership(groupID, p.TransferOwnerTo, true); err != nil {
			return err
		}
	}
	if p.IsPrivate != nil {
		if err := r.Groups.SetPrivacy(groupID, *p.IsPrivate); err != nil {
			return err
		}
	}
	return nil
}

// ApplyMemberInvite implements governance.Executor by seating accountID at
// level, bypassing the self-join WRITE cap since a passed invite has already
// been vetted by the group's vote.
func (r *Runtime) ApplyMemberInvite(groupID, accountID string, level uint8, invitedBy string) error {
	_, err := r.Groups.AddMember(groupID, accountID, groups.Level(level), invitedBy)
	if err != nil && errors.Is(err, groups.ErrAlreadyMember) {
		return nil
	}
	return err
}

// ApplyVotingConfigChange implements governance.Executor by replacing a
// group's voting policy. Future proposals for this group pick up the new
// thresholds; any proposal already in flight keeps the policy it was
// submitted under.
func (r *Runtime) ApplyVotingConfigChange(groupID string, quorumBps, passThresholdBps uint64, votingPeriodSeconds int64) error {
	return r.Groups.SetVotingConfig(groupID, groups.VotingConfig{
		QuorumBps:           quorumBps,
		PassThresholdBps:    passThresholdBps,
		VotingPeriodSeconds: votingPeriodSeconds,
	})
}

// groupPolicyView bridges the group store's per-group voting configuration
// into governance.PolicyView, so each proposal is bound by the voting rules
// its own group currently has configured instead of one engine-wide policy.
type groupPolicyView struct {
	groups *groups.Store
}

func (v groupPolicyView) VotingPolicy(groupID string) (governance.Policy, error) {
	cfg, err := v.groups.Config(groupID)
	if err != nil {
		return governance.Policy{}, err
	}
	return governance.Policy{
		QuorumBps:           cfg.VotingConfig.QuorumBps,
		PassThresholdBps:    cfg.VotingConfig.PassThresholdBps,
		VotingPeriodSeconds: cfg.VotingConfig.VotingPeriodSeconds,
	}, nil
}

// NewGroupPolicyView constructs the governance.PolicyView backed by store's
// per-group configuration.
func NewGroupPolicyView(store *groups.Store) governance.PolicyView {
	return groupPolicyView{groups: store}
}
