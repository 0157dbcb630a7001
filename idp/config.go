package idp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/caarlos0/env/v11"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const defaultInvitationExpiryDays = 7

const (
	UsersSourceFile   = "file"
	UsersSourceGoogle = "google"
)

type SmtpConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password" env:"SMTP_PASSWORD"`
	From     string `yaml:"from"`
}

type GoogleSourceConfig struct {
	CredentialsFile string   `yaml:"credentials_file"`
	Subject         string   `yaml:"subject"`
	Groups          []string `yaml:"groups"`
}

// AppConfig holds the identity provider connection parameters. Secrets can
// be overridden from the environment so they do not have to live on disk.
type AppConfig struct {
	AuthentikURL         string              `yaml:"authentik_url"`
	AuthentikToken       string              `yaml:"authentik_token" env:"AUTHENTIK_TOKEN"`
	AuthentikTitle       string              `yaml:"authentik_title"`
	InvitationFlowSlug   string              `yaml:"invitation_flow_slug"`
	InvitationExpiryDays int                 `yaml:"invitation_expiry_days"`
	UsersSource          string              `yaml:"users_source"`
	Google               *GoogleSourceConfig `yaml:"google"`
	Smtp                 *SmtpConfig         `yaml:"smtp"`
}

type userEntry struct {
	Name   string   `yaml:"name"`
	Email  string   `yaml:"email"`
	Groups []string `yaml:"groups"`
}

// ReadAppConfig loads and validates the app config file, then applies
// environment overrides.
func ReadAppConfig(path string) (*AppConfig, error) {
	var data, err = os.ReadFile(path)
	if err != nil {
		return nil, configErrorf("cannot read app config %q: %v", path, err)
	}
	var cfg AppConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, configErrorf("cannot parse app config %q: %v", path, err)
	}
	if err = env.Parse(&cfg); err != nil {
		return nil, configErrorf("cannot apply environment overrides: %v", err)
	}
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	log.WithField("path", path).Debug("app config loaded")
	return &cfg, nil
}

func (cfg *AppConfig) validate() error {
	var missing []string
	for _, required := range []struct {
		key   string
		value string
	}{
		{"authentik_url", cfg.AuthentikURL},
		{"authentik_token", cfg.AuthentikToken},
		{"authentik_title", cfg.AuthentikTitle},
		{"invitation_flow_slug", cfg.InvitationFlowSlug},
	} {
		if len(strings.TrimSpace(required.value)) == 0 {
			missing = append(missing, required.key)
		}
	}
	if len(missing) > 0 {
		return configErrorf("app config is missing required keys: %s", strings.Join(missing, ", "))
	}
	if cfg.InvitationExpiryDays < 0 {
		return configErrorf("invitation_expiry_days must not be negative")
	}
	if cfg.InvitationExpiryDays == 0 {
		cfg.InvitationExpiryDays = defaultInvitationExpiryDays
	}
	switch cfg.UsersSource {
	case "":
		cfg.UsersSource = UsersSourceFile
	case UsersSourceFile:
	case UsersSourceGoogle:
		if cfg.Google == nil {
			return configErrorf("users_source is %q but the google section is missing", UsersSourceGoogle)
		}
	default:
		return configErrorf("unknown users_source %q", cfg.UsersSource)
	}
	return nil
}

// ParseUserRecords converts raw YAML user entries into validated records.
// Duplicate emails across one load are a hard error; the result is sorted
// by email so processing order is deterministic.
func ParseUserRecords(data []byte) ([]*UserRecord, error) {
	var entries []userEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, configErrorf("cannot parse users config: %v", err)
	}
	var users []*UserRecord
	for _, entry := range entries {
		var user, err = NewUserRecord(entry.Name, entry.Email, entry.Groups)
		if err != nil {
			return nil, err
		}
		users = append(users, user)
	}
	return users, nil
}

// ReadUsersConfig loads user records from a YAML file, or from every YAML
// file in a directory.
func ReadUsersConfig(path string) ([]*UserRecord, error) {
	var info, err = os.Stat(path)
	if err != nil {
		return nil, configErrorf("cannot read users config %q: %v", path, err)
	}
	var files []string
	if info.IsDir() {
		var entries []os.DirEntry
		if entries, err = os.ReadDir(path); err != nil {
			return nil, configErrorf("cannot read users config directory %q: %v", path, err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			switch filepath.Ext(entry.Name()) {
			case ".yaml", ".yml":
				files = append(files, filepath.Join(path, entry.Name()))
			}
		}
		slices.Sort(files)
		if len(files) == 0 {
			return nil, configErrorf("users config directory %q contains no YAML files", path)
		}
	} else {
		files = append(files, path)
	}

	var users []*UserRecord
	for _, file := range files {
		var data []byte
		if data, err = os.ReadFile(file); err != nil {
			return nil, configErrorf("cannot read users config %q: %v", file, err)
		}
		var parsed []*UserRecord
		if parsed, err = ParseUserRecords(data); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		users = append(users, parsed...)
	}
	if err = checkDuplicateEmails(users); err != nil {
		return nil, err
	}
	slices.SortFunc(users, func(a, b *UserRecord) int {
		return strings.Compare(a.Email, b.Email)
	})
	log.WithFields(log.Fields{"path": path, "users": len(users)}).Debug("users config loaded")
	return users, nil
}

func checkDuplicateEmails(users []*UserRecord) error {
	var seen = NewSet[string]()
	for _, user := range users {
		var email = strings.ToLower(user.Email)
		if seen.Has(email) {
			return configErrorf("duplicate email %q in users config", user.Email)
		}
		seen.Add(email)
	}
	return nil
}

// ReadAppAndUsersConfig loads both config files the way the CLI consumes
// them.
func ReadAppAndUsersConfig(appConfigPath string, usersConfigPath string) (*AppConfig, []*UserRecord, error) {
	var cfg, err = ReadAppConfig(appConfigPath)
	if err != nil {
		return nil, nil, err
	}
	var users []*UserRecord
	if users, err = ReadUsersConfig(usersConfigPath); err != nil {
		return nil, nil, err
	}
	return cfg, users, nil
}

type fileUserSource struct {
	path string
}

// NewFileUserSource returns an IUserSource backed by a users config file
// or directory.
func NewFileUserSource(path string) IUserSource {
	return &fileUserSource{path: path}
}

func (s *fileUserSource) Users(_ context.Context) ([]*UserRecord, error) {
	return ReadUsersConfig(s.path)
}
