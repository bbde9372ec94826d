package entitycache

import (
	"errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// Text codes attached to the errors raised by this package.
const (
	TextCodeValidation           = "ENTITY_VALIDATION"
	TextCodeBatchInconsistency   = "BATCH_INCONSISTENCY"
	TextCodeEntityNotFound       = "ENTITY_NOT_FOUND"
	TextCodeUnresolvedIdentifier = "UNRESOLVED_IDENTIFIER"
	TextCodeCyclicDependency     = "CYCLIC_DEPENDENCY"
	TextCodeImmutableEntity      = "IMMUTABLE_ENTITY"
	TextCodeTransactionClosed    = "TRANSACTION_CLOSED"
	TextCodeCommitNotSettled     = "COMMIT_NOT_SETTLED"
)

// ValidationError: a write violates a column's nullability, type or rule
// contract. Raised by Entity.Set, never deferred to flush.
func ValidationError(table, column, reason string, cause error) error {
	msg := fmt.Sprintf("invalid value for %s.%s: %s", table, column, reason)
	var e *goerrors.Error
	if cause != nil {
		e = goerrors.Wrap(cause, goerrors.CategoryValidation, msg)
	} else {
		e = goerrors.New(msg, goerrors.CategoryValidation)
	}
	return e.WithTextCode(TextCodeValidation).
		WithMetadata(map[string]any{"table": table, "column": column})
}

// BatchInconsistencyError: a batch update member diverges from the column
// shape of the batch.
func BatchInconsistencyError(table, reason string) error {
	return goerrors.New(fmt.Sprintf("inconsistent batch update on %s: %s", table, reason), goerrors.CategoryConflict).
		WithTextCode(TextCodeBatchInconsistency).
		WithMetadata(map[string]any{"table": table})
}

// EntityNotFoundError: no backing row exists for the id.
func EntityNotFoundError(table string, id any) error {
	return goerrors.New(fmt.Sprintf("entity %s(%v) not found", table, id), goerrors.CategoryNotFound).
		WithTextCode(TextCodeEntityNotFound).
		WithMetadata(map[string]any{"table": table, "id": id})
}

// UnresolvedIdentifierError: an id value was read while still unassigned
// after flushing the pending inserts of its table.
func UnresolvedIdentifierError(table string) error {
	return goerrors.New(fmt.Sprintf("identifier of %s is not resolved after flushing inserts", table), goerrors.CategoryInternal).
		WithTextCode(TextCodeUnresolvedIdentifier).
		WithMetadata(map[string]any{"table": table})
}

// CyclicDependencyError: insert ordering cannot make progress.
func CyclicDependencyError(tables []string, reason string) error {
	return goerrors.New(fmt.Sprintf("cyclic dependency between %v: %s", tables, reason), goerrors.CategoryConflict).
		WithTextCode(TextCodeCyclicDependency).
		WithMetadata(map[string]any{"tables": tables})
}

func immutableEntityError(table string) error {
	return goerrors.New(fmt.Sprintf("entities of %s are immutable", table), goerrors.CategoryOperation).
		WithTextCode(TextCodeImmutableEntity)
}

func transactionClosedError() error {
	return goerrors.New("transaction is already closed", goerrors.CategoryOperation).
		WithTextCode(TextCodeTransactionClosed)
}

func commitNotSettledError(passes int) error {
	return goerrors.New(fmt.Sprintf("pending work still present after %d commit flush passes", passes), goerrors.CategoryOperation).
		WithTextCode(TextCodeCommitNotSettled)
}

// IsValidationError reports whether err is a ValidationError.
func IsValidationError(err error) bool { return hasTextCode(err, TextCodeValidation) }

// IsBatchInconsistencyError reports whether err is a BatchInconsistencyError.
func IsBatchInconsistencyError(err error) bool { return hasTextCode(err, TextCodeBatchInconsistency) }

// IsEntityNotFoundError reports whether err is an EntityNotFoundError.
func IsEntityNotFoundError(err error) bool { return hasTextCode(err, TextCodeEntityNotFound) }

// IsUnresolvedIdentifierError reports whether err is an UnresolvedIdentifierError.
func IsUnresolvedIdentifierError(err error) bool { return hasTextCode(err, TextCodeUnresolvedIdentifier) }

// IsCyclicDependencyError reports whether err is a CyclicDependencyError.
func IsCyclicDependencyError(err error) bool { return hasTextCode(err, TextCodeCyclicDependency) }

// IsImmutableEntityError reports whether err was raised writing to a read-only entity.
func IsImmutableEntityError(err error) bool { return hasTextCode(err, TextCodeImmutableEntity) }

func hasTextCode(err error, code string) bool {
	var e *goerrors.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.TextCode == code
}
