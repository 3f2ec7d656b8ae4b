package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

type recipientResult struct {
	status    domain.RecipientStatus
	confirmed bool
}

// dispatchRecipient sends one personalized message and records the
// outcome. It never returns an error: a recipient whose outcome cannot be
// recorded is logged and left PENDING for a redrive.
func (p *DispatchPool) dispatchRecipient(job campaign.DispatchJob, c domain.Customer) (res recipientResult) {
	ctx, span := p.tracer.Start(p.ctx, "campaign.dispatch_recipient",
		trace.WithAttributes(
			attribute.String("campaign.id", job.CampaignID),
			attribute.String("customer.id", c.CustomerID),
		))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("dispatch recipient panicked",
				"campaign_id", job.CampaignID,
				"customer_id", c.CustomerID,
				"panic", fmt.Sprint(r))
			span.SetStatus(codes.Error, "panic")
			res = recipientResult{}
		}
	}()

	body := p.personalizer.Render(job.Template, c)
	result, err := p.send(ctx, sending.Message{CampaignID: job.CampaignID, Customer: c, Body: body})

	status := domain.RecipientFailed
	switch {
	case err != nil:
		span.RecordError(err)
		logger.Warn("vendor send failed",
			"campaign_id", job.CampaignID,
			"customer_id", c.CustomerID,
			"error", err)
	case result.Succeeded():
		status = domain.RecipientSent
	default:
		logger.Debug("vendor did not accept message",
			"campaign_id", job.CampaignID,
			"customer_id", c.CustomerID,
			"outcome", result.Outcome,
			"detail", result.Detail)
	}
	span.SetAttributes(
		attribute.String("vendor.outcome", string(result.Outcome)),
		attribute.String("recipient.status", string(status)),
	)

	now := time.Now().UTC()
	update := campaign.StatusUpdate{
		CampaignID: job.CampaignID,
		CustomerID: c.CustomerID,
		Status:     status,
		Timestamp:  &now,
	}
	res = recipientResult{status: status, confirmed: p.confirm(ctx, update)}
	if !res.confirmed {
		span.SetStatus(codes.Error, "outcome not recorded")
	}
	return res
}

// send calls the vendor under the per-recipient deadline. A panicking
// vendor counts as a failed send.
func (p *DispatchPool) send(ctx context.Context, msg sending.Message) (res sending.Result, err error) {
	if p.cfg.RecipientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RecipientTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("vendor panic: %v", r)
		}
	}()
	return p.sender.Send(ctx, msg)
}

// confirm records u, preferring the confirmation channel and falling back
// to the tracker when the channel fails in transit. It reports whether the
// update was recorded.
func (p *DispatchPool) confirm(ctx context.Context, u campaign.StatusUpdate) bool {
	if p.cfg.RecipientTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.RecipientTimeout)
		defer cancel()
	}

	if p.confirmer != nil {
		_, err := p.confirmer.Confirm(ctx, u)
		if err == nil {
			return true
		}
		if errors.Is(err, ErrReceiptRejected) {
			logger.Warn("delivery receipt rejected",
				"campaign_id", u.CampaignID,
				"customer_id", u.CustomerID,
				"status", u.Status,
				"error", err)
			return false
		}
		logger.Warn("delivery receipt failed, applying status directly",
			"campaign_id", u.CampaignID,
			"customer_id", u.CustomerID,
			"error", err)
	}

	if _, err := p.tracker.ApplyStatus(ctx, u); err != nil {
		logger.Error("recording dispatch outcome failed, recipient left pending",
			"campaign_id", u.CampaignID,
			"customer_id", u.CustomerID,
			"status", u.Status,
			"error", err)
		return false
	}
	return true
}
