// Package auth verifies account credentials against the store.
package auth

import (
	"context"
	"fmt"

	"github.com/OmyDaGreat/malefirc/database"
)

type PlainAuthenticator interface {
	AuthPlain(ctx context.Context, db database.Database, username, password string) error
}

func New(driver string) (PlainAuthenticator, error) {
	switch driver {
	case "", "internal":
		return NewInternal(), nil
	default:
		return nil, fmt.Errorf("unknown auth driver %q", driver)
	}
}

type invalidCredentialsError struct {
	err error
}

func newInvalidCredentialsError(err error) *invalidCredentialsError {
	return &invalidCredentialsError{err}
}

func (err *invalidCredentialsError) Error() string {
	return err.err.Error()
}

func (err *invalidCredentialsError) Unwrap() error {
	return err.err
}

// IsInvalidCredentials distinguishes a bad username/password from a store
// failure. Store failures degrade to "unauthenticated" without surfacing
// credential errors to the client.
func IsInvalidCredentials(err error) bool {
	_, ok := err.(*invalidCredentialsError)
	return ok
}
