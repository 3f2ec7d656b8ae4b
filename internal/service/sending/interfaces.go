// Package sending defines the contract between campaign dispatch and the
// delivery vendor.
//
// Each vendor adapter (SES, the simulated vendor) implements Sender. The
// dispatch pool only looks at Result.Outcome to decide whether a recipient
// was SENT or FAILED.
package sending

import (
	"context"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Outcome is the vendor's verdict on a single dispatch.
type Outcome string

const (
	DispatchSuccessful Outcome = "DISPATCH_SUCCESSFUL"
	DispatchFailed     Outcome = "DISPATCH_FAILED"
	FailedNoEmail      Outcome = "FAILED_NO_EMAIL"
)

// Message is one personalized message for one customer.
type Message struct {
	CampaignID string
	Customer   domain.Customer
	Body       string
}

// Result is what the vendor reported for a Message.
type Result struct {
	Outcome   Outcome
	MessageID string
	Detail    string
}

// Succeeded reports whether the vendor accepted the message.
func (r Result) Succeeded() bool {
	return r.Outcome == DispatchSuccessful
}

// Sender hands a message to a delivery vendor. Implementations must be
// safe for concurrent use. A returned error is treated the same as a
// DISPATCH_FAILED result.
type Sender interface {
	Send(ctx context.Context, msg Message) (Result, error)
}
