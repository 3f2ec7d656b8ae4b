package tracking

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Message tag names set by the SES sender on every campaign message.
const (
	tagCampaignID = "campaign_id"
	tagCustomerID = "customer_id"
)

// errMalformed marks notifications that can never be processed.
var errMalformed = errors.New("malformed notification")

// snsEnvelope wraps SES events published through an SNS topic.
type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

// sesEvent is the subset of an SES event publishing record the consumer
// reads. Older notification topics use notificationType instead of
// eventType.
type sesEvent struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string              `json:"messageId"`
		Timestamp time.Time           `json:"timestamp"`
		Tags      map[string][]string `json:"tags"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"delivery"`
	Open *struct {
		Timestamp time.Time `json:"timestamp"`
	} `json:"open"`
}

// Event is a vendor notification mapped onto a recipient status.
type Event struct {
	Kind       string
	MessageID  string
	CampaignID string
	CustomerID string
	Status     domain.RecipientStatus
	Timestamp  time.Time
}

// Relevant reports whether the event moves a recipient.
func (e Event) Relevant() bool {
	return e.Status != ""
}

// ParseNotification decodes an SQS message body holding an SES event,
// either wrapped in an SNS envelope or delivered raw.
func ParseNotification(body []byte) (Event, error) {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformed, err)
	}
	payload := body
	if env.Type == "Notification" && env.Message != "" {
		payload = []byte(env.Message)
	}

	var raw sesEvent
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, fmt.Errorf("%w: %v", errMalformed, err)
	}

	kind := raw.EventType
	if kind == "" {
		kind = raw.NotificationType
	}
	if kind == "" {
		return Event{}, fmt.Errorf("%w: no event type", errMalformed)
	}

	evt := Event{
		Kind:       kind,
		MessageID:  raw.Mail.MessageID,
		CampaignID: firstTag(raw.Mail.Tags, tagCampaignID),
		CustomerID: firstTag(raw.Mail.Tags, tagCustomerID),
		Timestamp:  raw.Mail.Timestamp,
	}
	switch kind {
	case "Delivery":
		evt.Status = domain.RecipientDelivered
		if raw.Delivery != nil && !raw.Delivery.Timestamp.IsZero() {
			evt.Timestamp = raw.Delivery.Timestamp
		}
	case "Open":
		evt.Status = domain.RecipientOpened
		if raw.Open != nil && !raw.Open.Timestamp.IsZero() {
			evt.Timestamp = raw.Open.Timestamp
		}
	default:
		return evt, nil
	}

	if evt.CampaignID == "" || evt.CustomerID == "" {
		return Event{}, fmt.Errorf("%w: %s event %s has no campaign tags", errMalformed, kind, evt.MessageID)
	}
	return evt, nil
}

func firstTag(tags map[string][]string, name string) string {
	if v := tags[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}
