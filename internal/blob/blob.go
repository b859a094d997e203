// Package blob stores uploaded files and consolidation outputs. Keys are
// slash-separated paths under a session prefix (sessions/<id>/) or a
// standalone job prefix (jobs/<id>/).
package blob

import (
	"context"
	"path"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Store is the blob storage collaborator.
type Store interface {
	// Put writes data under key and returns the blob URL.
	Put(ctx context.Context, key string, data []byte, contentType string) (string, error)
	// Get reads the blob at url.
	Get(ctx context.Context, url string) ([]byte, error)
	// Delete removes the blob at url. Deleting a missing blob succeeds.
	Delete(ctx context.Context, url string) error
	// DeletePrefix removes every blob under prefix and returns the count.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Key joins a storage prefix, a job id and a sanitized file name.
func Key(prefix, jobID, fileName string) string {
	return strings.TrimSuffix(prefix, "/") + "/" + jobID + "/" + SafeName(fileName)
}

// SafeName reduces a user-supplied file name to a single path element of
// letters, digits, dot, dash and underscore. Compatibility forms are folded
// first so full-width names keep their letters.
func SafeName(name string) string {
	name = norm.NFKC.String(name)
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))

	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
