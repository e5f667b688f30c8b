// Package pgerr maps Postgres write failures onto the service's sentinel errors.
package pgerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	pkgerrors "github.com/yungbote/askpdf-backend/internal/pkg/errors"
)

const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

// Map wraps unique violations as ErrConflict and foreign key violations as
// ErrNotFound. Anything else is returned unchanged.
func Map(op string, err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch strings.TrimSpace(pgErr.Code) {
	case uniqueViolation:
		return fmt.Errorf("%s: %w (%s)", op, pkgerrors.ErrConflict, pgErr.ConstraintName)
	case foreignKeyViolation:
		return fmt.Errorf("%s: %w (%s)", op, pkgerrors.ErrNotFound, pgErr.ConstraintName)
	}
	return err
}
