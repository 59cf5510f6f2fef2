package mailsource

import (
	"log"
	"strings"
)

// MailboxFolder is one entry from the account's IMAP LIST response: the
// hierarchy delimiter and the folder's full name.
type MailboxFolder struct {
	Delimiter string
	Name      string
}

// ExpandFolders resolves a set of configured folder selections into a
// concrete, de-duplicated list of mailbox folders to scan, honoring each
// selection's IncludeSubfolders flag against the mailbox's own LIST
// delimiter. Every selection's own name is kept in the result, even when it
// does not exist on the mailbox; a selection with IncludeSubfolders set that
// matches neither a folder nor a subfolder is logged rather than failing the
// scan.
func ExpandFolders(selections []FolderSelection, available []MailboxFolder) []string {
	resolved := make([]string, 0, len(selections))
	seen := make(map[string]bool, len(selections))

	exists := make(map[string]bool, len(available))
	for _, f := range available {
		exists[f.Name] = true
	}

	for _, sel := range selections {
		if !seen[sel.Name] {
			resolved = append(resolved, sel.Name)
			seen[sel.Name] = true
		}
		if !sel.IncludeSubfolders {
			continue
		}

		matchedSubfolder := false
		for _, f := range available {
			if f.Name == sel.Name {
				matchedSubfolder = true
				continue
			}
			delim := f.Delimiter
			if delim == "" {
				delim = "/"
			}
			prefix := sel.Name + delim
			if strings.HasPrefix(f.Name, prefix) && !seen[f.Name] {
				resolved = append(resolved, f.Name)
				seen[f.Name] = true
				matchedSubfolder = true
			}
		}
		if !matchedSubfolder && !exists[sel.Name] {
			log.Printf("mailsource: folder %q not found on mailbox", sel.Name)
		}
	}
	return resolved
}
