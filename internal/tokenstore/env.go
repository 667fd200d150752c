package tokenstore

import (
	"context"
	"errors"
	"os"
	"strings"
)

// Env reads the credential from an environment variable. Writes fail with
// ErrReadOnly; the variable belongs to the invoking environment.
type Env struct {
	variable string
}

// NewEnv creates a read-only store backed by the named environment variable.
func NewEnv(variable string) (*Env, error) {
	if variable == "" {
		return nil, errors.New("tokenstore: environment variable name is required")
	}
	return &Env{variable: variable}, nil
}

func (e *Env) Read(ctx context.Context) (string, error) {
	return strings.TrimSpace(os.Getenv(e.variable)), nil
}

func (e *Env) Write(ctx context.Context, credential string) error {
	return ErrReadOnly
}
