package idp

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"
)

const sampleAppConfig = `
authentik_url: https://auth.example.com
authentik_token: dummy-token
authentik_title: Example Org
invitation_flow_slug: default
`

const sampleUsersConfig = `
- name: John Tester
  email: tester@example.com
- name: Jane Doe
  email: jane@example.com
- name: Third User
  email: third@example.com
  groups:
    - Group 2
    - Group 1
`

func writeConfig(t *testing.T, name string, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	assert.NilError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestReadAppConfig(t *testing.T) {
	cfg, err := ReadAppConfig(writeConfig(t, "app.yaml", sampleAppConfig))
	assert.NilError(t, err)

	assert.Equal(t, cfg.AuthentikURL, "https://auth.example.com")
	assert.Equal(t, cfg.AuthentikToken, "dummy-token")
	assert.Equal(t, cfg.InvitationFlowSlug, "default")
	assert.Equal(t, cfg.InvitationExpiryDays, defaultInvitationExpiryDays)
	assert.Equal(t, cfg.UsersSource, UsersSourceFile)
}

func TestReadAppConfigMissingKeys(t *testing.T) {
	_, err := ReadAppConfig(writeConfig(t, "app.yaml", "authentik_url: https://auth.example.com\n"))
	assert.ErrorContains(t, err, "missing required keys")
	assert.ErrorContains(t, err, "authentik_token")
	assert.ErrorContains(t, err, "invitation_flow_slug")
}

func TestReadAppConfigNonExistent(t *testing.T) {
	_, err := ReadAppConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	var configError *ConfigError
	assert.Assert(t, errors.As(err, &configError))
}

func TestReadAppConfigEnvOverride(t *testing.T) {
	t.Setenv("AUTHENTIK_TOKEN", "env-token")
	cfg, err := ReadAppConfig(writeConfig(t, "app.yaml", sampleAppConfig))
	assert.NilError(t, err)
	assert.Equal(t, cfg.AuthentikToken, "env-token")
}

func TestReadAppConfigUnknownUsersSource(t *testing.T) {
	_, err := ReadAppConfig(writeConfig(t, "app.yaml", sampleAppConfig+"users_source: ldap\n"))
	assert.ErrorContains(t, err, "unknown users_source")
}

func TestReadAppConfigGoogleSourceNeedsSection(t *testing.T) {
	_, err := ReadAppConfig(writeConfig(t, "app.yaml", sampleAppConfig+"users_source: google\n"))
	assert.ErrorContains(t, err, "google section is missing")
}

func TestReadUsersConfig(t *testing.T) {
	users, err := ReadUsersConfig(writeConfig(t, "users.yaml", sampleUsersConfig))
	assert.NilError(t, err)
	assert.Equal(t, len(users), 3)

	// sorted by email, so the order is deterministic
	assert.Equal(t, users[0].Email, "jane@example.com")
	assert.Equal(t, users[0].Name, "Jane Doe")
	assert.Equal(t, users[1].Email, "tester@example.com")
	assert.Equal(t, users[2].Email, "third@example.com")
	assert.DeepEqual(t, users[2].ConfiguredGroups, []string{"Group 1", "Group 2"})
}

func TestReadUsersConfigFromDirectory(t *testing.T) {
	dir := t.TempDir()
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(`
- name: John Tester
  email: tester@example.com
`), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte(`
- name: Jane Doe
  email: jane@example.com
- name: Third User
  email: third@example.com
  groups: ["Group 2", "Group 1"]
`), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	fromDir, err := ReadUsersConfig(dir)
	assert.NilError(t, err)
	fromFile, err := ReadUsersConfig(writeConfig(t, "users.yaml", sampleUsersConfig))
	assert.NilError(t, err)

	assert.DeepEqual(t, fromDir, fromFile)
}

func TestReadUsersConfigDuplicateEmails(t *testing.T) {
	_, err := ReadUsersConfig(writeConfig(t, "users.yaml", `
- name: Jane Doe
  email: jane@example.com
- name: Jane Again
  email: Jane@Example.com
`))
	var configError *ConfigError
	assert.Assert(t, errors.As(err, &configError))
	assert.ErrorContains(t, err, "duplicate email")
}

func TestReadUsersConfigInvalidEmail(t *testing.T) {
	_, err := ReadUsersConfig(writeConfig(t, "users.yaml", `
- name: Jane Doe
  email: not an address
`))
	assert.ErrorContains(t, err, "invalid email")
}

func TestReadUsersConfigNonExistent(t *testing.T) {
	_, err := ReadUsersConfig(filepath.Join(t.TempDir(), "nope"))
	var configError *ConfigError
	assert.Assert(t, errors.As(err, &configError))
}

func TestReadAppAndUsersConfig(t *testing.T) {
	cfg, users, err := ReadAppAndUsersConfig(
		writeConfig(t, "app.yaml", sampleAppConfig),
		writeConfig(t, "users.yaml", sampleUsersConfig))
	assert.NilError(t, err)
	assert.Equal(t, cfg.AuthentikTitle, "Example Org")
	assert.Assert(t, is.Len(users, 3))
}
