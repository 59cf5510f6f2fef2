package mailsource

import "context"

// NullSource is a net/IMAP-free stub implementation of Source. It never
// contacts a mailbox and always returns an empty candidate list, making it
// usable in tests and as the default collaborator until an operator wires a
// real IMAP client.
type NullSource struct{}

func (NullSource) Fetch(ctx context.Context, settings Settings, folders []FolderSelection, progress ProgressFunc) ([]CalendarCandidate, error) {
	for _, f := range folders {
		if progress != nil {
			progress(0, 0)
		}
		_ = f
	}
	return nil, nil
}
