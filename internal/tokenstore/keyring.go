package tokenstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// Keyring stores the credential in the operating system keyring.
type Keyring struct {
	service string
	user    string
}

// NewKeyring creates a keyring-backed store under the given service and
// user names.
func NewKeyring(service, user string) (*Keyring, error) {
	if service == "" || user == "" {
		return nil, errors.New("tokenstore: keyring service and user are required")
	}
	return &Keyring{service: service, user: user}, nil
}

func (k *Keyring) Read(ctx context.Context) (string, error) {
	credential, err := keyring.Get(k.service, k.user)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading keyring entry: %w", err)
	}
	return credential, nil
}

func (k *Keyring) Write(ctx context.Context, credential string) error {
	if credential == "" {
		err := keyring.Delete(k.service, k.user)
		if err != nil && !errors.Is(err, keyring.ErrNotFound) {
			return fmt.Errorf("clearing keyring entry: %w", err)
		}
		return nil
	}
	if err := keyring.Set(k.service, k.user, credential); err != nil {
		return fmt.Errorf("writing keyring entry: %w", err)
	}
	return nil
}
