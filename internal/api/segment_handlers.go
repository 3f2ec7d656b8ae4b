package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

type segmentCreatedResponse struct {
	Message      string                `json:"message"`
	Segment      *segmentation.Segment `json:"segment"`
	AudienceSize int                   `json:"audience_size"`
}

type previewRequest struct {
	Rule segmentation.RuleNode `json:"rules"`
}

type previewResponse struct {
	AudienceSize int `json:"audience_size"`
}

type audienceResponse struct {
	SegmentID     string            `json:"segment_id"`
	AudienceCount int               `json:"audience_count"`
	Audience      []domain.Customer `json:"audience"`
}

// CreateSegment validates a rule tree, snapshots its audience size and
// stores the segment.
//
//	POST /api/segments
func (h *Handlers) CreateSegment(w http.ResponseWriter, r *http.Request) {
	var in segmentation.CreateInput
	if !decode(w, r, &in) {
		return
	}
	seg, err := h.segments.Create(r.Context(), in, actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, segmentCreatedResponse{
		Message:      "segment created",
		Segment:      seg,
		AudienceSize: seg.AudienceSizeSnapshot,
	})
}

// PreviewSegment counts the audience of a rule tree without storing it.
//
//	POST /api/segments/preview
func (h *Handlers) PreviewSegment(w http.ResponseWriter, r *http.Request) {
	var in previewRequest
	if !decode(w, r, &in) {
		return
	}
	n, err := h.segments.Preview(r.Context(), in.Rule)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, previewResponse{AudienceSize: n})
}

// ListSegments returns the caller's segments, newest first.
//
//	GET /api/segments
func (h *Handlers) ListSegments(w http.ResponseWriter, r *http.Request) {
	segs, err := h.segments.List(r.Context(), actorFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if segs == nil {
		segs = []segmentation.Segment{}
	}
	httputil.OK(w, segs)
}

// GetSegment returns one segment.
//
//	GET /api/segments/{id}
func (h *Handlers) GetSegment(w http.ResponseWriter, r *http.Request) {
	seg, err := h.segments.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, seg)
}

// GetSegmentAudience resolves the segment's live audience.
//
//	GET /api/segments/{id}/audience
func (h *Handlers) GetSegmentAudience(w http.ResponseWriter, r *http.Request) {
	seg, customers, err := h.segments.Audience(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if customers == nil {
		customers = []domain.Customer{}
	}
	httputil.OK(w, audienceResponse{
		SegmentID:     seg.ID,
		AudienceCount: len(customers),
		Audience:      customers,
	})
}
