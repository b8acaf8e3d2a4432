package models

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the engine components. Callers wrap these with
// context and match them with errors.Is.
var (
	ErrValidation   = errors.New("validation failed")
	ErrPrecondition = errors.New("precondition failed")
	ErrConflict     = errors.New("conflict")
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrSessionLost  = errors.New("messaging session lost")
)

// SendError is a failed send to a single recipient. It never stops a campaign.
type SendError struct {
	RecipientID string
	Err         error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to recipient %s failed: %v", e.RecipientID, e.Err)
}

func (e *SendError) Unwrap() error {
	return e.Err
}
