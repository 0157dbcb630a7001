package idp

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const defaultCallTimeout = 30 * time.Second

type userSync struct {
	directory   IDirectory
	notifier    INotifier
	users       []*UserRecord
	dry         bool
	callTimeout time.Duration

	// group pk -> name, resolved once per run; nil when resolution failed
	groupNames map[string]string
}

// NewUserSync builds the reconciliation engine for one run. With dry set,
// every decision is computed and reported but no mutating call is made.
func NewUserSync(directory IDirectory, notifier INotifier, users []*UserRecord, dry bool) IUserSync {
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	return &userSync{
		directory:   directory,
		notifier:    notifier,
		users:       users,
		dry:         dry,
		callTimeout: defaultCallTimeout,
	}
}

// Sync reconciles every desired user against the directory, in email order.
// A failing user is recorded and skipped; only a canceled context aborts
// the run.
func (s *userSync) Sync(ctx context.Context) (stat *SyncStat, err error) {
	var users = slices.Clone(s.users)
	slices.SortFunc(users, func(a, b *UserRecord) int {
		return strings.Compare(a.Email, b.Email)
	})

	s.resolveGroupNames(ctx)

	stat = new(SyncStat)
	for _, user := range users {
		if err = ctx.Err(); err != nil {
			return
		}
		stat.add(s.syncUser(ctx, user))
	}
	return
}

// resolveGroupNames fetches the directory's groups so membership drift can
// be reported by name. Failure here degrades drift reporting but does not
// fail the run.
func (s *userSync) resolveGroupNames(ctx context.Context) {
	var callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	var groups, err = s.directory.ListGroups(callCtx)
	if err != nil {
		log.WithError(err).Warn("cannot list directory groups, group drift will not be reported")
		return
	}
	s.groupNames = make(map[string]string, len(groups))
	for _, group := range groups {
		s.groupNames[group.Pk] = group.Name
	}
}

func (s *userSync) syncUser(ctx context.Context, user *UserRecord) *UserResult {
	var result = &UserResult{Email: user.Email}
	var logger = log.WithField("email", user.Email)

	var accounts, err = s.findUsersByEmail(ctx, user.Email)
	if err != nil {
		return failed(result, logger, fmt.Errorf("cannot look up account: %w", err))
	}
	if len(accounts) > 0 {
		return s.syncExistingUser(ctx, user, accounts[0], result, logger)
	}

	var invitation *Invitation
	if invitation, err = s.findPendingInvitation(ctx, user.Email); err != nil {
		return failed(result, logger, fmt.Errorf("cannot look up pending invitation: %w", err))
	}
	if invitation != nil && !invitationExpired(invitation) {
		// An outstanding invitation is never re-issued: at most one live
		// invitation may exist per email.
		result.Outcome = OutcomeAlreadyInvited
		logger.Info("already invited")
		return result
	}

	if invitation != nil {
		result.Action = ActionReplaceInvitation
		if err = s.deleteInvitation(ctx, invitation.Pk, logger); err != nil {
			return failed(result, logger, fmt.Errorf("cannot delete expired invitation: %w", err))
		}
	} else {
		result.Action = ActionCreateInvitation
	}

	var link string
	if s.dry {
		logger.WithField("action", result.Action.String()).Info("dry run, skipping invitation creation")
	} else {
		if link, err = s.createInvitation(ctx, user); err != nil {
			return failed(result, logger, fmt.Errorf("cannot create invitation: %w", err))
		}
	}
	result.Outcome = OutcomeInvited
	logger.Info("newly invited")

	if !s.dry {
		if err = s.notifier.SendInvitation(user.Name, user.Email, link); err != nil {
			result.Warning = fmt.Sprintf("invitation created but the notification failed: %v", err)
			logger.WithError(err).Warn("invitation notification failed")
		}
	}
	return result
}

// syncExistingUser handles accounts that already exist: stale invitations
// are cleaned up and group membership drift is surfaced. Applying group
// changes is deliberately left to an external collaborator.
func (s *userSync) syncExistingUser(ctx context.Context, user *UserRecord, account *DirectoryUser, result *UserResult, logger *log.Entry) *UserResult {
	result.Outcome = OutcomeExists
	logger.Info("account already exists")

	var invitation, err = s.findPendingInvitation(ctx, user.Email)
	if err != nil {
		result.Warning = fmt.Sprintf("cannot check for a stale invitation: %v", err)
		logger.WithError(err).Warn("stale invitation check failed")
	} else if invitation != nil {
		if err = s.deleteInvitation(ctx, invitation.Pk, logger); err != nil {
			result.Warning = fmt.Sprintf("cannot delete stale invitation: %v", err)
			logger.WithError(err).Warn("stale invitation cleanup failed")
		} else if !s.dry {
			logger.WithField("invitation", invitation.Pk).Info("deleted stale invitation")
		}
	}

	if s.groupNames == nil {
		if len(result.Warning) == 0 {
			result.Warning = "group drift not evaluated: directory groups unavailable"
		}
		return result
	}
	var current []string
	for _, groupId := range account.Groups {
		if name, ok := s.groupNames[groupId]; ok {
			current = append(current, name)
		} else {
			current = append(current, groupId)
		}
	}
	var missingInCurrent, _, missingInConfigured = CompareLists(current, user.ConfiguredGroups)
	if len(missingInCurrent) > 0 || len(missingInConfigured) > 0 {
		result.Action = ActionGroupsOutOfSync
		result.GroupsToAdd = missingInCurrent
		result.GroupsToRemove = missingInConfigured
		logger.WithFields(log.Fields{
			"add":    missingInCurrent,
			"remove": missingInConfigured,
		}).Info("group membership out of sync")
	}
	return result
}

func failed(result *UserResult, logger *log.Entry, err error) *UserResult {
	result.Outcome = OutcomeFailed
	result.Err = err
	logger.WithError(err).Error("user reconciliation failed")
	return result
}

func invitationExpired(invitation *Invitation) bool {
	return !invitation.Expires.IsZero() && invitation.Expires.Before(time.Now())
}

func (s *userSync) findUsersByEmail(ctx context.Context, email string) ([]*DirectoryUser, error) {
	var callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.directory.FindUsersByEmail(callCtx, email)
}

func (s *userSync) findPendingInvitation(ctx context.Context, email string) (*Invitation, error) {
	var callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.directory.FindPendingInvitationForEmail(callCtx, email)
}

// deleteInvitation removes an invitation, tolerating one that is already
// gone. Dry runs report the decision without issuing the call.
func (s *userSync) deleteInvitation(ctx context.Context, invitationId string, logger *log.Entry) error {
	if s.dry {
		logger.WithField("invitation", invitationId).Info("dry run, skipping invitation deletion")
		return nil
	}
	var callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	var err = s.directory.DeleteInvitation(callCtx, invitationId)
	if err != nil && errors.Is(err, ErrNotFound) {
		logger.WithField("invitation", invitationId).Debug("invitation already gone")
		return nil
	}
	return err
}

func (s *userSync) createInvitation(ctx context.Context, user *UserRecord) (string, error) {
	var callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
	defer cancel()
	return s.directory.CreateInvitation(callCtx, user)
}
