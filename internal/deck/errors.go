package deck

import "errors"

// Sentinel errors forming the error taxonomy shared across the orchestrator
// and the HTTP layer. Match with errors.Is; wrap with fmt.Errorf("%w: ...").
var (
	// ErrValidation indicates bad caller input. Never retried.
	ErrValidation = errors.New("deck: validation failed")
	// ErrNotFound indicates an unknown deck, slide, or version.
	ErrNotFound = errors.New("deck: not found")
	// ErrConflict indicates a concurrent modification on the same slide or a
	// delete on an active deck. The caller may retry later.
	ErrConflict = errors.New("deck: conflict")
	// ErrExternalService indicates a generation or render backend failure or
	// timeout. Retried with bounded backoff at the stage level.
	ErrExternalService = errors.New("deck: external service failure")
	// ErrInternal indicates a systemic fault (storage unavailable). Decks hit
	// by it transition to failed.
	ErrInternal = errors.New("deck: internal failure")
)
