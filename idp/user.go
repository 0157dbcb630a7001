package idp

import (
	"net/mail"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxUsernameLength = 150
const maxInviteSlugLength = 50
const inviteSlugPrefix = "invite-"

// UserRecord is the desired state for one person. Username and InviteSlug
// are derived from Name at construction and stay fixed for the lifetime of
// the record.
type UserRecord struct {
	Name             string
	Email            string
	ConfiguredGroups []string
	Username         string
	InviteSlug       string
}

func NewUserRecord(name string, email string, configuredGroups []string) (*UserRecord, error) {
	name = strings.TrimSpace(name)
	if len(name) == 0 {
		return nil, configErrorf("user is missing a name")
	}
	email = strings.TrimSpace(email)
	if len(email) == 0 {
		return nil, configErrorf("user %q is missing an email address", name)
	}
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, configErrorf("user %q has an invalid email address %q: %v", name, email, err)
	}
	var groups = slices.Clone(configuredGroups)
	slices.Sort(groups)
	groups = slices.Compact(groups)
	return &UserRecord{
		Name:             name,
		Email:            email,
		ConfiguredGroups: groups,
		Username:         UsernameFromName(name),
		InviteSlug:       InviteSlugFromName(name),
	}, nil
}

// asciiFold decomposes accented characters and strips the combining marks,
// so "Mårten Östlund" folds to "Marten Ostlund".
var asciiFold = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func foldToASCII(s string) string {
	var folded, _, err = transform.String(asciiFold, s)
	if err != nil {
		folded = s
	}
	var b strings.Builder
	for _, r := range folded {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// slugify lower-cases a transliterated name and collapses every run of
// characters outside [a-z0-9] into a single separator. A run containing a
// hyphen keeps the hyphen as the word combiner, so "John-William Doe"
// becomes "john-william.doe" with a "." separator. Unrepresentable runes
// are dropped rather than rejected.
func slugify(name string, sep string) string {
	var b strings.Builder
	var pending, hyphen bool
	for _, r := range strings.ToLower(foldToASCII(name)) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			if b.Len() > 0 && (pending || hyphen) {
				if hyphen {
					b.WriteByte('-')
				} else {
					b.WriteString(sep)
				}
			}
			pending = false
			hyphen = false
			b.WriteRune(r)
		} else {
			pending = true
			if r == '-' {
				hyphen = true
			}
		}
	}
	return b.String()
}

func truncateSlug(slug string, maxLength int) string {
	if len(slug) > maxLength {
		slug = slug[:maxLength]
	}
	return strings.TrimRight(slug, ".-")
}

// UsernameFromName derives a machine-safe handle from a display name.
// The derivation is deterministic and never fails.
func UsernameFromName(name string) string {
	return truncateSlug(slugify(name, "."), maxUsernameLength)
}

// InviteSlugFromName derives the name of the invitation object created for
// a user, bounded to 50 characters including the "invite-" prefix.
func InviteSlugFromName(name string) string {
	return truncateSlug(inviteSlugPrefix+slugify(name, "-"), maxInviteSlugLength)
}
