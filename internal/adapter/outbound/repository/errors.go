package repository

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common error types
var (
	ErrNotFound            = errors.New("record not found")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrConnectionFailed    = errors.New("database connection failed")
	ErrUndefinedTable      = errors.New("table does not exist")
)

// IsNotFoundError checks if an error is a "not found" error
func IsNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound)
}

// IsConstraintViolationError checks if an error is a constraint violation
func IsConstraintViolationError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// 23505 unique, 23503 foreign key, 23514 check, 23502 not null
		switch pgErr.Code {
		case "23505", "23503", "23514", "23502":
			return true
		}
	}
	return errors.Is(err, ErrConstraintViolation)
}

// IsConnectionError checks if an error is a connection-related error
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "08": // connection exception
			return true
		case "57": // operator intervention
			return true
		}
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	return errors.Is(err, ErrConnectionFailed)
}

// isUndefinedTable reports a missing relation, usually an unmigrated store.
func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}

// WrapError wraps a database error with the failed operation. The original
// error stays in the chain next to the classified sentinel.
func WrapError(err error, operation string) error {
	if err == nil {
		return nil
	}

	switch {
	case IsNotFoundError(err):
		return fmt.Errorf("%s failed: %w", operation, ErrNotFound)
	case IsConstraintViolationError(err):
		return fmt.Errorf("%s failed: %w: %w", operation, ErrConstraintViolation, err)
	case IsConnectionError(err):
		return fmt.Errorf("%s failed: %w: %w", operation, ErrConnectionFailed, err)
	case isUndefinedTable(err):
		return fmt.Errorf("%s failed: %w: %w", operation, ErrUndefinedTable, err)
	default:
		return fmt.Errorf("%s failed: %w", operation, err)
	}
}
