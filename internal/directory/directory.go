// Package directory is the relay's view of the external user store: who exists and who
// is marked online.
package directory

import (
	"context"
	"errors"
)

//go:generate mockgen -source=directory.go -destination=mocks/directory_mock.go -package=mocks

var (
	ErrUnknownUser   = errors.New("user not found")
	ErrAlreadyExists = errors.New("user already exists")
)

// Directory is the user store the relay consults. Calls may be slow or fail; callers
// must re-validate their own state after they return.
type Directory interface {
	Exists(ctx context.Context, identity string) (bool, error)
	SetOnline(ctx context.Context, identity string, online bool) error
	FindOnlineExcept(ctx context.Context, identity string) ([]string, error)
}
