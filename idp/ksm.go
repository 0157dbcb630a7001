package idp

import (
	"net/url"
	"strings"

	ksm "github.com/keeper-security/secrets-manager-go/core"
)

const usersAttachmentName = "users.yaml"

// SyncParameters is everything one reconciliation run needs, as loaded
// from a Keeper Secrets Manager record.
type SyncParameters struct {
	App   *AppConfig
	Users []*UserRecord
	Dry   bool
}

// FindSyncRecord picks the login record holding the IdP connection: its
// URL must point at an Authentik API and a users.yaml roster must be
// attached.
func FindSyncRecord(records []*ksm.Record) *ksm.Record {
	for _, r := range records {
		if r.Type() != "login" {
			continue
		}
		var webUrl = r.GetFieldValueByType("url")
		if len(webUrl) == 0 {
			continue
		}
		var uri, err = url.Parse(webUrl)
		if err != nil {
			continue
		}
		if !strings.HasPrefix(uri.Path, apiPathSuffix) && len(uri.Path) > 1 {
			continue
		}
		if len(r.FindFiles(usersAttachmentName)) == 0 {
			continue
		}
		return r
	}
	return nil
}

// LoadParametersFromRecord reads the app parameters and user roster from a
// KSM record: URL and password fields carry the Authentik endpoint and
// token, custom fields carry the flow slug and title, and the roster is
// the attached users.yaml.
func LoadParametersFromRecord(record *ksm.Record) (*SyncParameters, error) {
	var cfg = &AppConfig{
		AuthentikURL:   record.GetFieldValueByType("url"),
		AuthentikToken: record.Password(),
	}
	cfg.InvitationFlowSlug, _ = customFieldValue(record, "Invitation Flow")
	cfg.AuthentikTitle, _ = customFieldValue(record, "Title")
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	var files = record.FindFiles(usersAttachmentName)
	if len(files) == 0 {
		return nil, configErrorf("record %q has no %s attachment", record.Title(), usersAttachmentName)
	}
	var users, err = ParseUserRecords(files[0].GetFileData())
	if err != nil {
		return nil, err
	}
	if err = checkDuplicateEmails(users); err != nil {
		return nil, err
	}

	var params = &SyncParameters{App: cfg, Users: users}
	if value, ok := customFieldValue(record, "Dry Run"); ok {
		params.Dry, _ = toBoolean(strings.ToLower(value))
	}
	return params, nil
}

func customFieldValue(record *ksm.Record, label string) (result string, ok bool) {
	var fields = record.GetCustomFieldsByLabel(label)
	if len(fields) == 0 {
		return
	}
	var value = fields[0]["value"]
	switch v := value.(type) {
	case string:
		result = v
		ok = true
	case []any:
		if len(v) > 0 {
			result, ok = toString(v[0])
		}
	}
	return
}
