package idp

import (
	"fmt"
	"io"
)

// WriteReport prints the run report the way operators read it: one section
// per outcome, then group drift and warnings per user.
func WriteReport(w io.Writer, stat *SyncStat) {
	if stat == nil {
		return
	}
	var sections = []struct {
		title  string
		emails []string
	}{
		{"Already existing:", stat.Existing},
		{"Already invited:", stat.AlreadyInvited},
		{"Newly invited:", stat.Invited},
		{"Failed:", stat.Failed},
	}
	for _, section := range sections {
		if len(section.emails) == 0 {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\n", section.title)
		for _, email := range section.emails {
			_, _ = fmt.Fprintf(w, "\t%s\n", email)
		}
	}
	for _, result := range stat.Results {
		if result.Action == ActionGroupsOutOfSync {
			_, _ = fmt.Fprintf(w, "Groups out of sync for %s: add %v, remove %v\n",
				result.Email, result.GroupsToAdd, result.GroupsToRemove)
		}
		if len(result.Warning) > 0 {
			_, _ = fmt.Fprintf(w, "Warning for %s: %s\n", result.Email, result.Warning)
		}
		if result.Err != nil {
			_, _ = fmt.Fprintf(w, "Error for %s: %v\n", result.Email, result.Err)
		}
	}
}
