package model

import "errors"

// Validation errors: caller mistakes, never retried.
var (
	ErrScheduleTooSoon    = errors.New("schedule time is too soon")
	ErrInvalidContent     = errors.New("invalid content")
	ErrEmptySelection     = errors.New("explicit selection has no guests")
	ErrInvalidMessageType = errors.New("invalid message type")
	ErrInvalidFilter      = errors.New("invalid recipient filter")
	ErrTypeFilterMismatch = errors.New("message type does not match recipient filter")
)

// State-conflict errors: someone else changed the message.
var (
	ErrConflictingModification = errors.New("message was modified concurrently")
	ErrNotModifiable           = errors.New("message can no longer be modified")
	ErrNotCancellable          = errors.New("message can no longer be cancelled")
	ErrIllegalTransition       = errors.New("illegal state transition")
	ErrMessageNotSent          = errors.New("message has not been sent")
	ErrNotDelivered            = errors.New("recipient has no delivery recorded")
)

// Collaborator errors: the only class eligible for automatic retry.
var (
	ErrResolutionFailed = errors.New("recipient resolution failed")
	ErrStoreUnavailable = errors.New("store unavailable")
)

var (
	ErrMessageNotFound  = errors.New("message not found")
	ErrUnknownRecipient = errors.New("recipient is not part of the message")
	ErrForbidden        = errors.New("not allowed to manage this event")
)

func IsValidation(err error) bool {
	return errors.Is(err, ErrScheduleTooSoon) ||
		errors.Is(err, ErrInvalidContent) ||
		errors.Is(err, ErrEmptySelection) ||
		errors.Is(err, ErrInvalidMessageType) ||
		errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrTypeFilterMismatch)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflictingModification) ||
		errors.Is(err, ErrNotModifiable) ||
		errors.Is(err, ErrNotCancellable) ||
		errors.Is(err, ErrIllegalTransition) ||
		errors.Is(err, ErrMessageNotSent) ||
		errors.Is(err, ErrNotDelivered)
}

// IsRetryable reports whether err is a collaborator failure. Validation and
// state-conflict errors are never retryable even when wrapped together with
// a collaborator error.
func IsRetryable(err error) bool {
	if err == nil || IsValidation(err) || IsConflict(err) {
		return false
	}
	if errors.Is(err, ErrMessageNotFound) || errors.Is(err, ErrUnknownRecipient) || errors.Is(err, ErrForbidden) {
		return false
	}
	return true
}
