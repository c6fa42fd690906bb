package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/OmyDaGreat/malefirc/database"
)

type internal struct{}

func NewInternal() PlainAuthenticator {
	return internal{}
}

func (internal) AuthPlain(ctx context.Context, db database.Database, username, password string) error {
	account, err := db.GetAccount(ctx, username)
	if errors.Is(err, sql.ErrNoRows) {
		return newInvalidCredentialsError(fmt.Errorf("account not found: %w", err))
	} else if err != nil {
		return fmt.Errorf("failed to get account: %w", err)
	}

	if err := account.CheckPassword(password); err != nil {
		return newInvalidCredentialsError(err)
	}

	account.LastLogin = time.Now()
	if err := db.StoreAccount(ctx, account); err != nil {
		return err
	}

	return nil
}
