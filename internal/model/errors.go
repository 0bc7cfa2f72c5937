package model

import "errors"

// Decision and recovery error kinds. Callers wrap these with fmt.Errorf and
// test them with errors.Is.
var (
	ErrUnknownAction           = errors.New("unknown action")
	ErrValidationDenied        = errors.New("validation denied")
	ErrApprovalRequired        = errors.New("approval required")
	ErrCollaboratorUnavailable = errors.New("collaborator unavailable")
	ErrNegotiationExhausted    = errors.New("negotiation exhausted")
	ErrNoEligibleDriver        = errors.New("no eligible driver")
	ErrRecoveryUnavailable     = errors.New("recovery decision unavailable")
	ErrNotFound                = errors.New("not found")
)
