package idp

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2/google"
	admin "google.golang.org/api/admin/directory/v1"
	"google.golang.org/api/option"
)

// googleSource reads the desired roster from Google Workspace: every
// active member of the configured groups becomes a UserRecord whose
// configured groups are the Workspace group names.
type googleSource struct {
	jwtCredentials []byte
	subject        string
	groupNames     []string
}

// NewGoogleUserSource creates an IUserSource for a Google Workspace domain.
// credentials: GCP service account JWT credentials
// subject: Workspace admin account to impersonate
// groupNames: Workspace groups (by email or name) whose members are synced
func NewGoogleUserSource(credentials []byte, subject string, groupNames []string) IUserSource {
	return &googleSource{
		jwtCredentials: credentials,
		subject:        subject,
		groupNames:     groupNames,
	}
}

// splitGroupList tolerates comma- and newline-separated group lists, the
// way they tend to arrive from config fields.
func splitGroupList(values []string) Set[string] {
	var groups = NewSet[string]()
	for _, value := range values {
		for _, line := range strings.Split(value, "\n") {
			for _, name := range strings.Split(line, ",") {
				name = strings.TrimSpace(name)
				if len(name) > 0 {
					groups.Add(strings.ToLower(name))
				}
			}
		}
	}
	return groups
}

func (gs *googleSource) Users(ctx context.Context) (users []*UserRecord, err error) {
	var wanted = splitGroupList(gs.groupNames)
	if len(wanted) == 0 {
		err = configErrorf("google users source has no groups configured")
		return
	}

	var params = google.CredentialsParams{
		Scopes: []string{admin.AdminDirectoryUserReadonlyScope,
			admin.AdminDirectoryGroupReadonlyScope, admin.AdminDirectoryGroupMemberReadonlyScope},
		Subject: gs.subject,
	}
	var cred *google.Credentials
	if cred, err = google.CredentialsFromJSONWithParams(ctx, gs.jwtCredentials, params); err != nil {
		return
	}
	var directory *admin.Service
	if directory, err = admin.NewService(ctx, option.WithCredentials(cred)); err != nil {
		return
	}

	var accounts = make(map[string]*admin.User)
	var accountList *admin.Users
	if accountList, err = directory.Users.List().Customer("my_customer").Context(ctx).Do(); err != nil {
		return
	}
	for _, u := range accountList.Users {
		accounts[u.Id] = u
	}

	var groupLookup = make(map[string]*admin.Group)
	var selected = make(map[string]*admin.Group)
	var groupList *admin.Groups
	if groupList, err = directory.Groups.List().Customer("my_customer").Context(ctx).Do(); err != nil {
		return
	}
	for _, g := range groupList.Groups {
		groupLookup[g.Id] = g
		if wanted.Has(strings.ToLower(g.Email)) || wanted.Has(strings.ToLower(g.Name)) {
			selected[g.Id] = g
		}
	}
	if len(selected) == 0 {
		err = configErrorf("none of the configured google groups could be resolved")
		return
	}

	// Walk each selected group, expanding nested groups breadth-first, and
	// collect the group names every user belongs to.
	var memberGroups = make(map[string]Set[string])
	var membershipCache = make(map[string][]string)
	for groupId, group := range selected {
		var queue = []string{groupId}
		var queued = MakeSet(queue)
		var pos = 0
		for pos < len(queue) {
			var gId = queue[pos]
			pos++

			var memberIds, ok = membershipCache[gId]
			if !ok {
				var members *admin.Members
				if members, err = directory.Members.List(gId).Context(ctx).Do(); err != nil {
					return
				}
				for _, m := range members.Members {
					memberIds = append(memberIds, m.Id)
				}
				membershipCache[gId] = memberIds
			}
			for _, mId := range memberIds {
				if _, ok = accounts[mId]; ok {
					if memberGroups[mId] == nil {
						memberGroups[mId] = NewSet[string]()
					}
					memberGroups[mId].Add(group.Name)
				} else if nested, isGroup := groupLookup[mId]; isGroup {
					if !queued.Has(nested.Id) {
						queue = append(queue, nested.Id)
						queued.Add(nested.Id)
					}
				}
			}
		}
	}

	for accountId, groups := range memberGroups {
		var account = accounts[accountId]
		if account.Suspended {
			log.WithField("email", account.PrimaryEmail).Debug("skipping suspended workspace account")
			continue
		}
		var name = account.PrimaryEmail
		if account.Name != nil && len(account.Name.FullName) > 0 {
			name = account.Name.FullName
		}
		var user *UserRecord
		if user, err = NewUserRecord(name, account.PrimaryEmail, groups.ToArray()); err != nil {
			return
		}
		users = append(users, user)
	}
	if err = checkDuplicateEmails(users); err != nil {
		return
	}
	log.WithField("users", len(users)).Debug("google workspace roster loaded")
	return
}
