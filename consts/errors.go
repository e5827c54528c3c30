package consts

import "errors"

// Evaluation error kinds. Every error produced by the policy engine wraps
// exactly one of these so callers can classify it with errors.Is.
var (
	ErrTypeMismatch   = errors.New("type mismatch")
	ErrArithmetic     = errors.New("arithmetic error")
	ErrArgument       = errors.New("argument error")
	ErrName           = errors.New("name error")
	ErrStageViolation = errors.New("stage violation")
	ErrRecursionLimit = errors.New("recursion limit exceeded")
	ErrPersistence    = errors.New("persistence error")
	ErrProvider       = errors.New("provider error")
)

var (
	ErrRecordNotFound   = errors.New("record not found")
	ErrStoreClosed      = errors.New("store closed")
	ErrRegistryFrozen   = errors.New("registry is frozen")
	ErrDuplicateName    = errors.New("name already registered")
	ErrInvalidRule      = errors.New("invalid rule")
	ErrInvalidStage     = errors.New("invalid stage")
	ErrStageTransition  = errors.New("invalid stage transition")
	ErrConnectionClosed = errors.New("connection closed")
)

// ErrorKind returns a short label for the evaluation error kind wrapped by
// err, used as a metrics label and in log lines.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrTypeMismatch):
		return "type_mismatch"
	case errors.Is(err, ErrArithmetic):
		return "arithmetic"
	case errors.Is(err, ErrArgument):
		return "argument"
	case errors.Is(err, ErrName):
		return "name"
	case errors.Is(err, ErrStageViolation):
		return "stage_violation"
	case errors.Is(err, ErrRecursionLimit):
		return "recursion_limit"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrProvider):
		return "provider"
	default:
		return "other"
	}
}
