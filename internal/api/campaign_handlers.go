package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

type launchResponse struct {
	Message string `json:"message"`
	*campaign.Handle
}

type receiptResponse struct {
	Outcome campaign.Outcome `json:"outcome"`
}

// LaunchCampaign persists a campaign for a segment's audience and starts
// dispatch in the background. The response does not wait for any send.
//
//	POST /api/campaigns
func (h *Handlers) LaunchCampaign(w http.ResponseWriter, r *http.Request) {
	var in campaign.LaunchInput
	if !decode(w, r, &in) {
		return
	}
	in.Actor = actorFrom(r)

	handle, err := h.campaigns.Launch(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, launchResponse{Message: "campaign accepted", Handle: handle})
}

// ListCampaigns returns campaign history, newest first. ?all=true lists
// every actor's campaigns.
//
//	GET /api/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	list, err := h.campaigns.History(r.Context(), campaign.HistoryFilter{
		Actor: actorFrom(r),
		All:   all,
		Limit: parseLimit(r, defaultListLimit, maxListLimit),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	if list == nil {
		list = []domain.CampaignSummary{}
	}
	httputil.OK(w, list)
}

// GetCampaign returns a campaign with its recipients.
//
//	GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// RedriveCampaign resubmits recipients that are still PENDING.
//
//	POST /api/campaigns/{id}/redrive
func (h *Handlers) RedriveCampaign(w http.ResponseWriter, r *http.Request) {
	res, err := h.campaigns.Redrive(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

// DeliveryReceipt applies a delivery confirmation. Repeating a
// confirmation answers 200 with outcome "already_applied".
//
//	POST /api/campaigns/delivery-receipt
func (h *Handlers) DeliveryReceipt(w http.ResponseWriter, r *http.Request) {
	var u campaign.StatusUpdate
	if !decode(w, r, &u) {
		return
	}
	outcome, err := h.tracker.ApplyStatus(r.Context(), u)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, receiptResponse{Outcome: outcome})
}
