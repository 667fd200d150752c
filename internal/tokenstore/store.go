// Package tokenstore persists the long-lived refresh credential between
// process runs. Three backends are provided: the OS keyring, a plain file,
// and a read-only environment variable.
//
// An empty credential means "nothing stored"; backends return it without
// error so callers can treat first run and logged-out identically. Writing
// an empty credential clears the stored value.
package tokenstore

import (
	"context"
	"errors"
)

// ErrReadOnly is returned by Write on backends that cannot persist.
var ErrReadOnly = errors.New("tokenstore: store is read-only")

// Store reads and writes the refresh credential.
type Store interface {
	// Read returns the stored credential, or "" when none is stored.
	Read(ctx context.Context) (string, error)
	// Write persists the credential. An empty value clears the store.
	Write(ctx context.Context, credential string) error
}
