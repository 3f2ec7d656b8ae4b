package campaign

import (
	"errors"
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound           = errors.New("campaign not found")
	ErrRecipientNotFound  = errors.New("recipient not found in campaign")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrUnknownStatus      = errors.New("unknown recipient status")
	ErrEmptyAudience      = errors.New("segment audience is empty")
	ErrDispatchInProgress = errors.New("campaign dispatch already in progress")
	ErrInvalidInput       = errors.New("invalid campaign input")
)

// TransitionError reports a rejected status change together with the
// recipient's current status. It matches ErrInvalidTransition.
type TransitionError struct {
	CustomerID string
	Current    domain.RecipientStatus
	Target     domain.RecipientStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid status transition: recipient %s is %s, cannot move to %s", e.CustomerID, e.Current, e.Target)
}

// Is makes errors.Is(err, ErrInvalidTransition) true.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
