package idp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

// fakeDirectory is an in-memory IDirectory recording every mutating call.
type fakeDirectory struct {
	accounts    map[string]*DirectoryUser // keyed by email
	groups      []*Group
	invitations map[string]*Invitation // keyed by email

	flowSlug string
	baseUrl  string

	createCalls   int
	deleteCalls   int
	listGroupsErr error
	findUsersErr  map[string]error
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		accounts:    make(map[string]*DirectoryUser),
		invitations: make(map[string]*Invitation),
		flowSlug:    "default",
		baseUrl:     "https://auth.example.com",
	}
}

func (f *fakeDirectory) addAccount(email string, groupIds ...string) *DirectoryUser {
	var account = &DirectoryUser{
		Id:       int64(len(f.accounts) + 1),
		Email:    email,
		Groups:   groupIds,
		IsActive: true,
	}
	f.accounts[email] = account
	return account
}

func (f *fakeDirectory) addInvitation(email string, expires time.Time) *Invitation {
	var invitation = &Invitation{
		Pk:      uuid.NewString(),
		Email:   email,
		Expires: expires,
		Flow:    f.flowSlug,
	}
	f.invitations[email] = invitation
	return invitation
}

func (f *fakeDirectory) ListUsers(_ context.Context) (users []*DirectoryUser, err error) {
	for _, account := range f.accounts {
		users = append(users, account)
	}
	return
}

func (f *fakeDirectory) FindUsersByEmail(_ context.Context, email string) ([]*DirectoryUser, error) {
	if err := f.findUsersErr[email]; err != nil {
		return nil, err
	}
	if account, ok := f.accounts[email]; ok {
		return []*DirectoryUser{account}, nil
	}
	return nil, nil
}

func (f *fakeDirectory) GetUserById(_ context.Context, id int64) (*DirectoryUser, error) {
	for _, account := range f.accounts {
		if account.Id == id {
			return account, nil
		}
	}
	return nil, permanentError("GET core/users", 404, errors.New("user not found"))
}

func (f *fakeDirectory) ListGroups(_ context.Context) ([]*Group, error) {
	if f.listGroupsErr != nil {
		return nil, f.listGroupsErr
	}
	return f.groups, nil
}

func (f *fakeDirectory) FindPendingInvitationForEmail(_ context.Context, email string) (*Invitation, error) {
	for _, invitation := range f.invitations {
		if strings.EqualFold(invitation.Email, email) {
			return invitation, nil
		}
	}
	return nil, nil
}

func (f *fakeDirectory) DeleteInvitation(_ context.Context, invitationId string) error {
	f.deleteCalls++
	for email, invitation := range f.invitations {
		if invitation.Pk == invitationId {
			delete(f.invitations, email)
			return nil
		}
	}
	return permanentError("DELETE stages/invitation/invitations", 404, errors.New("invitation not found"))
}

func (f *fakeDirectory) CreateInvitation(_ context.Context, user *UserRecord) (string, error) {
	f.createCalls++
	var invitation = f.addInvitation(user.Email, time.Now().Add(7*24*time.Hour))
	return f.BuildInvitationLink(invitation.Pk), nil
}

func (f *fakeDirectory) BuildInvitationLink(invitationId string) string {
	return fmt.Sprintf("%s/if/flow/%s/?itoken=%s", f.baseUrl, f.flowSlug, invitationId)
}

type sentMail struct {
	name  string
	email string
	link  string
}

type fakeNotifier struct {
	sent []sentMail
	err  error
}

func (f *fakeNotifier) SendInvitation(name string, email string, invitationLink string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMail{name: name, email: email, link: invitationLink})
	return nil
}

func mustUser(t *testing.T, name string, email string, groups ...string) *UserRecord {
	t.Helper()
	user, err := NewUserRecord(name, email, groups)
	assert.NilError(t, err)
	return user
}

func TestSyncBrandNewUser(t *testing.T) {
	directory := newFakeDirectory()
	notifier := &fakeNotifier{}
	user := mustUser(t, "Alice Example", "alice@example.com")

	stat, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, stat.Invited, []string{"alice@example.com"})
	assert.Equal(t, directory.createCalls, 1)
	assert.Assert(t, is.Len(notifier.sent, 1))
	assert.Equal(t, notifier.sent[0].name, "Alice Example")
	assert.Equal(t, notifier.sent[0].email, "alice@example.com")
	assert.Assert(t, is.Contains(notifier.sent[0].link, "https://auth.example.com/if/flow/default/?itoken="))
	assert.Equal(t, stat.Results[0].Action, ActionCreateInvitation)
}

func TestSyncExistingUserDeletesStaleInvitation(t *testing.T) {
	directory := newFakeDirectory()
	directory.addAccount("tester@example.com")
	directory.addInvitation("tester@example.com", time.Now().Add(24*time.Hour))
	notifier := &fakeNotifier{}
	user := mustUser(t, "John Tester", "tester@example.com")

	stat, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, stat.Existing, []string{"tester@example.com"})
	assert.Equal(t, directory.createCalls, 0)
	assert.Equal(t, directory.deleteCalls, 1)
	assert.Assert(t, is.Len(directory.invitations, 0))
	assert.Assert(t, is.Len(notifier.sent, 0))
}

func TestSyncAlreadyInvitedUserIsUntouched(t *testing.T) {
	directory := newFakeDirectory()
	existing := directory.addInvitation("bob@example.com", time.Now().Add(24*time.Hour))
	notifier := &fakeNotifier{}
	user := mustUser(t, "Bob Example", "bob@example.com")

	stat, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, stat.AlreadyInvited, []string{"bob@example.com"})
	assert.Equal(t, directory.createCalls, 0)
	assert.Equal(t, directory.deleteCalls, 0)
	assert.Equal(t, directory.invitations["bob@example.com"].Pk, existing.Pk)
	assert.Assert(t, is.Len(notifier.sent, 0))
}

func TestSyncIsIdempotent(t *testing.T) {
	directory := newFakeDirectory()
	notifier := &fakeNotifier{}
	user := mustUser(t, "Alice Example", "alice@example.com")

	first, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)
	second, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, first.Invited, []string{"alice@example.com"})
	assert.DeepEqual(t, second.AlreadyInvited, []string{"alice@example.com"})
	assert.Equal(t, directory.createCalls, 1, "a live invitation must never be re-issued")
	assert.Assert(t, is.Len(directory.invitations, 1))
}

func TestSyncReplacesExpiredInvitation(t *testing.T) {
	directory := newFakeDirectory()
	expired := directory.addInvitation("carol@example.com", time.Now().Add(-time.Hour))
	notifier := &fakeNotifier{}
	user := mustUser(t, "Carol Example", "carol@example.com")

	stat, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, stat.Invited, []string{"carol@example.com"})
	assert.Equal(t, stat.Results[0].Action, ActionReplaceInvitation)
	assert.Equal(t, directory.deleteCalls, 1)
	assert.Equal(t, directory.createCalls, 1)
	assert.Assert(t, directory.invitations["carol@example.com"].Pk != expired.Pk)
	assert.Assert(t, is.Len(notifier.sent, 1))
}

func TestSyncDryRunMakesNoMutatingCalls(t *testing.T) {
	directory := newFakeDirectory()
	directory.addAccount("tester@example.com")
	directory.addInvitation("tester@example.com", time.Now().Add(24*time.Hour))
	notifier := &fakeNotifier{}
	users := []*UserRecord{
		mustUser(t, "Alice Example", "alice@example.com"),
		mustUser(t, "John Tester", "tester@example.com"),
	}

	stat, err := NewUserSync(directory, notifier, users, true).Sync(context.Background())
	assert.NilError(t, err)

	// identical decisions as a live run
	assert.DeepEqual(t, stat.Invited, []string{"alice@example.com"})
	assert.DeepEqual(t, stat.Existing, []string{"tester@example.com"})
	assert.Equal(t, stat.Results[0].Action, ActionCreateInvitation)

	// but zero mutations
	assert.Equal(t, directory.createCalls, 0)
	assert.Equal(t, directory.deleteCalls, 0)
	assert.Assert(t, is.Len(directory.invitations, 1))
	assert.Assert(t, is.Len(notifier.sent, 0))
}

func TestSyncSurfacesGroupDrift(t *testing.T) {
	directory := newFakeDirectory()
	directory.groups = []*Group{
		{Pk: "6e981209-8621-4484-993d-dc9882a8747c", Name: "Group 1"},
		{Pk: "ba911f0c-236f-420c-82d0-76503500061a", Name: "Group 2"},
		{Pk: "0b49b47c-6dc9-4a67-8eff-f2f1e9c05f3d", Name: "Group 3"},
	}
	directory.addAccount("tester@example.com",
		"6e981209-8621-4484-993d-dc9882a8747c",
		"0b49b47c-6dc9-4a67-8efff2f1e9c05f3d")
	user := mustUser(t, "John Tester", "tester@example.com", "Group 1", "Group 2")

	stat, err := NewUserSync(directory, &fakeNotifier{}, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	result := stat.Results[0]
	assert.Equal(t, result.Outcome, OutcomeExists)
	assert.Equal(t, result.Action, ActionGroupsOutOfSync)
	assert.DeepEqual(t, result.GroupsToAdd, []string{"Group 2"})
	// the unknown group id stays raw so operators still see it
	assert.DeepEqual(t, result.GroupsToRemove, []string{"0b49b47c-6dc9-4a67-8efff2f1e9c05f3d"})
}

func TestSyncGroupsInSyncMeansNoAction(t *testing.T) {
	directory := newFakeDirectory()
	directory.groups = []*Group{{Pk: "g1", Name: "Group 1"}}
	directory.addAccount("tester@example.com", "g1")
	user := mustUser(t, "John Tester", "tester@example.com", "Group 1")

	stat, err := NewUserSync(directory, &fakeNotifier{}, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)
	assert.Equal(t, stat.Results[0].Action, ActionNone)
}

func TestSyncGroupListingFailureDegradesToWarning(t *testing.T) {
	directory := newFakeDirectory()
	directory.listGroupsErr = transientError("GET core/groups", 503, errors.New("unavailable"))
	directory.addAccount("tester@example.com", "g1")
	user := mustUser(t, "John Tester", "tester@example.com", "Group 1")

	stat, err := NewUserSync(directory, &fakeNotifier{}, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	result := stat.Results[0]
	assert.Equal(t, result.Outcome, OutcomeExists)
	assert.Equal(t, result.Action, ActionNone)
	assert.Assert(t, is.Contains(result.Warning, "group drift not evaluated"))
}

func TestSyncIsolatesPerUserFailures(t *testing.T) {
	directory := newFakeDirectory()
	directory.findUsersErr = map[string]error{
		"broken@example.com": transientError("GET core/users", 502, errors.New("bad gateway")),
	}
	notifier := &fakeNotifier{}
	users := []*UserRecord{
		mustUser(t, "Broken User", "broken@example.com"),
		mustUser(t, "Working User", "working@example.com"),
	}

	stat, err := NewUserSync(directory, notifier, users, false).Sync(context.Background())
	assert.NilError(t, err)

	assert.DeepEqual(t, stat.Failed, []string{"broken@example.com"})
	assert.DeepEqual(t, stat.Invited, []string{"working@example.com"})
	assert.Assert(t, stat.HasFailures())
	assert.Assert(t, stat.Results[0].Err != nil)
}

func TestSyncNotificationFailureIsAWarning(t *testing.T) {
	directory := newFakeDirectory()
	notifier := &fakeNotifier{err: errors.New("smtp unreachable")}
	user := mustUser(t, "Alice Example", "alice@example.com")

	stat, err := NewUserSync(directory, notifier, []*UserRecord{user}, false).Sync(context.Background())
	assert.NilError(t, err)

	// the invitation stays, the failure is reported
	assert.DeepEqual(t, stat.Invited, []string{"alice@example.com"})
	assert.Assert(t, is.Len(directory.invitations, 1))
	assert.Assert(t, is.Contains(stat.Results[0].Warning, "notification failed"))
	assert.Assert(t, !stat.HasFailures())
}

func TestSyncProcessesUsersInEmailOrder(t *testing.T) {
	directory := newFakeDirectory()
	users := []*UserRecord{
		mustUser(t, "Zed Example", "zed@example.com"),
		mustUser(t, "Alice Example", "alice@example.com"),
		mustUser(t, "Mid Example", "mid@example.com"),
	}

	stat, err := NewUserSync(directory, &fakeNotifier{}, users, false).Sync(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, stat.Invited, []string{"alice@example.com", "mid@example.com", "zed@example.com"})
}

func TestSyncStopsOnCanceledContext(t *testing.T) {
	directory := newFakeDirectory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewUserSync(directory, &fakeNotifier{}, []*UserRecord{
		mustUser(t, "Alice Example", "alice@example.com"),
	}, false).Sync(ctx)
	assert.Assert(t, errors.Is(err, context.Canceled))
	assert.Equal(t, directory.createCalls, 0)
}
