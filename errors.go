package bioblocks

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is matched by errors that target a block no longer held locally.
	ErrNotFound = errors.New("block not found")

	// ErrInvalidOrder is matched by errors from a malformed reorder gesture.
	ErrInvalidOrder = errors.New("invalid order")
)

// FetchError reports that the block collection could not be loaded.
// Any previously loaded state is kept.
type FetchError struct {
	Owner string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("load blocks for %q: %v", e.Owner, e.Err)
	}
	return fmt.Sprintf("load blocks: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Action names a mutation of the block collection.
type Action string

const (
	ActionAppend  Action = "append"
	ActionPatch   Action = "patch"
	ActionRemove  Action = "remove"
	ActionReorder Action = "reorder"
)

// PersistError reports that a mutation was rejected by the store and rolled back.
type PersistError struct {
	Action  Action
	BlockID string
	Title   string
	Err     error
}

func (e *PersistError) Error() string {
	target := e.Title
	if target == "" {
		target = e.BlockID
	}
	if target == "" {
		return fmt.Sprintf("%s failed: %v", e.Action, e.Err)
	}
	return fmt.Sprintf("%s %q failed: %v", e.Action, target, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// NotFoundError reports a mutation against an id that is not in the collection.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("block %q not found", e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// InvalidOrderError reports a reorder input with duplicate or missing ids.
type InvalidOrderError struct {
	Reason string
	ID     string
}

func (e *InvalidOrderError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("invalid order: %s: %q", e.Reason, e.ID)
	}
	return "invalid order: " + e.Reason
}

func (e *InvalidOrderError) Is(target error) bool {
	return target == ErrInvalidOrder
}

// UserMessage returns the notice text shown to the profile owner for err.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var persistErr *PersistError
	if errors.As(err, &persistErr) {
		target := persistErr.Title
		if target == "" {
			target = "block"
		}
		switch persistErr.Action {
		case ActionAppend:
			return fmt.Sprintf("Could not add %q. Please try again.", target)
		case ActionPatch:
			return fmt.Sprintf("Could not save changes to %q. Please try again.", target)
		case ActionRemove:
			return fmt.Sprintf("Could not delete %q. Please try again.", target)
		case ActionReorder:
			return "Could not save the new order. Please try again."
		}
	}

	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return "Could not load your blocks. Retry to refresh."
	}

	if errors.Is(err, ErrNotFound) {
		return "That block no longer exists."
	}

	if errors.Is(err, ErrInvalidOrder) {
		return "That move could not be applied."
	}

	return "Something went wrong. Please try again."
}
