package idp

import (
	"context"
	"time"
)

// IUserSource produces the desired user roster for a sync run.
type IUserSource interface {
	Users(ctx context.Context) ([]*UserRecord, error)
}

// IDirectory is the surface the reconciliation engine requires from an
// identity provider. Any transport that can answer these operations can
// be reconciled against.
type IDirectory interface {
	ListUsers(ctx context.Context) ([]*DirectoryUser, error)
	FindUsersByEmail(ctx context.Context, email string) ([]*DirectoryUser, error)
	GetUserById(ctx context.Context, id int64) (*DirectoryUser, error)
	ListGroups(ctx context.Context) ([]*Group, error)
	FindPendingInvitationForEmail(ctx context.Context, email string) (*Invitation, error)
	DeleteInvitation(ctx context.Context, invitationId string) error
	CreateInvitation(ctx context.Context, user *UserRecord) (string, error)
	BuildInvitationLink(invitationId string) string
}

// INotifier delivers an invitation link to a user.
type INotifier interface {
	SendInvitation(name string, email string, invitationLink string) error
}

type IUserSync interface {
	Sync(ctx context.Context) (*SyncStat, error)
}

// DirectoryUser is a read-only snapshot of an account as the identity
// provider reports it. Groups holds group ids, not names.
type DirectoryUser struct {
	Id       int64
	Username string
	Email    string
	Groups   []string
	IsActive bool
}

type Group struct {
	Pk   string
	Name string
}

// Invitation is a single-use enrollment token bound to an email address.
// A zero Expires means the invitation never expires.
type Invitation struct {
	Pk      string
	Email   string
	Expires time.Time
	Flow    string
}

type PendingAction int

const (
	ActionNone PendingAction = iota
	ActionCreateInvitation
	ActionReplaceInvitation
	ActionGroupsOutOfSync
)

func (a PendingAction) String() string {
	switch a {
	case ActionCreateInvitation:
		return "create-invitation"
	case ActionReplaceInvitation:
		return "replace-invitation"
	case ActionGroupsOutOfSync:
		return "groups-out-of-sync"
	default:
		return "none"
	}
}

type Outcome string

const (
	OutcomeExists         Outcome = "exists"
	OutcomeAlreadyInvited Outcome = "already-invited"
	OutcomeInvited        Outcome = "invited"
	OutcomeFailed         Outcome = "failed"
)

// UserResult is the engine's decision for a single desired user.
type UserResult struct {
	Email          string
	Outcome        Outcome
	Action         PendingAction
	GroupsToAdd    []string
	GroupsToRemove []string
	Warning        string
	Err            error
}

type SyncStat struct {
	Existing       []string
	Invited        []string
	AlreadyInvited []string
	Failed         []string
	Results        []*UserResult
}

func (s *SyncStat) add(r *UserResult) {
	s.Results = append(s.Results, r)
	switch r.Outcome {
	case OutcomeExists:
		s.Existing = append(s.Existing, r.Email)
	case OutcomeInvited:
		s.Invited = append(s.Invited, r.Email)
	case OutcomeAlreadyInvited:
		s.AlreadyInvited = append(s.AlreadyInvited, r.Email)
	case OutcomeFailed:
		s.Failed = append(s.Failed, r.Email)
	}
}

func (s *SyncStat) HasFailures() bool {
	return len(s.Failed) > 0
}
