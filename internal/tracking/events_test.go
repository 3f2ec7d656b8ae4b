package tracking

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

func sesRecord(kind, campaignID, customerID string) string {
	rec := map[string]any{
		"eventType": kind,
		"mail": map[string]any{
			"messageId": "ses-1",
			"timestamp": "2024-05-01T10:00:00Z",
			"tags": map[string][]string{
				"campaign_id": {campaignID},
				"customer_id": {customerID},
			},
		},
	}
	switch kind {
	case "Delivery":
		rec["delivery"] = map[string]any{"timestamp": "2024-05-01T10:00:05Z"}
	case "Open":
		rec["open"] = map[string]any{"timestamp": "2024-05-01T11:30:00Z"}
	}
	b, _ := json.Marshal(rec)
	return string(b)
}

func snsWrap(message string) string {
	b, _ := json.Marshal(map[string]string{"Type": "Notification", "Message": message})
	return string(b)
}

func TestParseNotification(t *testing.T) {
	t.Run("delivery in sns envelope", func(t *testing.T) {
		evt, err := ParseNotification([]byte(snsWrap(sesRecord("Delivery", "camp-1", "c1"))))
		require.NoError(t, err)
		assert.True(t, evt.Relevant())
		assert.Equal(t, domain.RecipientDelivered, evt.Status)
		assert.Equal(t, "camp-1", evt.CampaignID)
		assert.Equal(t, "c1", evt.CustomerID)
		assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 5, 0, time.UTC), evt.Timestamp)
	})

	t.Run("raw open", func(t *testing.T) {
		evt, err := ParseNotification([]byte(sesRecord("Open", "camp-1", "c2")))
		require.NoError(t, err)
		assert.Equal(t, domain.RecipientOpened, evt.Status)
		assert.Equal(t, time.Date(2024, 5, 1, 11, 30, 0, 0, time.UTC), evt.Timestamp)
	})

	t.Run("legacy notification type", func(t *testing.T) {
		body := `{"notificationType":"Delivery","mail":{"messageId":"m","tags":{"campaign_id":["k"],"customer_id":["c"]}}}`
		evt, err := ParseNotification([]byte(body))
		require.NoError(t, err)
		assert.Equal(t, domain.RecipientDelivered, evt.Status)
	})

	t.Run("irrelevant kinds are not errors", func(t *testing.T) {
		evt, err := ParseNotification([]byte(sesRecord("Bounce", "camp-1", "c1")))
		require.NoError(t, err)
		assert.False(t, evt.Relevant())
	})

	t.Run("malformed", func(t *testing.T) {
		for _, body := range []string{
			`not json`,
			`{"Type":"Notification","Message":"{broken"}`,
			`{"mail":{}}`,
			`{"eventType":"Delivery","mail":{"messageId":"m"}}`,
		} {
			_, err := ParseNotification([]byte(body))
			assert.ErrorIs(t, err, errMalformed, body)
		}
	})
}
