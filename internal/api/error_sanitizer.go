package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// Error codes carried in the "code" field of error responses.
const (
	codeInvalidRule        = "invalid_rule"
	codeInvalidInput       = "invalid_input"
	codeEmptyAudience      = "empty_audience"
	codeNotFound           = "not_found"
	codeInvalidTransition  = "invalid_transition"
	codeDispatchInProgress = "dispatch_in_progress"
)

// writeError maps a service error onto an HTTP response. Client errors keep
// their message; store and unexpected failures are logged and replaced by a
// generic message so internals never reach API consumers.
func writeError(w http.ResponseWriter, err error) {
	var ruleErr *segmentation.InvalidRuleError
	switch {
	case errors.As(err, &ruleErr):
		httputil.ErrorCode(w, http.StatusBadRequest, codeInvalidRule, ruleErr.Error(), ruleErr)

	case errors.Is(err, segmentation.ErrInvalidSegment),
		errors.Is(err, campaign.ErrInvalidInput),
		errors.Is(err, campaign.ErrUnknownStatus),
		errors.Is(err, ingest.ErrInvalidInput):
		httputil.ErrorCode(w, http.StatusBadRequest, codeInvalidInput, err.Error(), nil)

	case errors.Is(err, campaign.ErrEmptyAudience):
		httputil.ErrorCode(w, http.StatusBadRequest, codeEmptyAudience, err.Error(), nil)

	case errors.Is(err, segmentation.ErrSegmentNotFound),
		errors.Is(err, campaign.ErrNotFound),
		errors.Is(err, campaign.ErrRecipientNotFound),
		errors.Is(err, ingest.ErrCustomerNotFound):
		httputil.ErrorCode(w, http.StatusNotFound, codeNotFound, err.Error(), nil)

	case errors.Is(err, campaign.ErrInvalidTransition):
		var te *campaign.TransitionError
		var details any
		if errors.As(err, &te) {
			details = map[string]string{"current": string(te.Current), "target": string(te.Target)}
		}
		httputil.ErrorCode(w, http.StatusConflict, codeInvalidTransition, err.Error(), details)

	case errors.Is(err, campaign.ErrDispatchInProgress):
		httputil.ErrorCode(w, http.StatusConflict, codeDispatchInProgress, err.Error(), nil)

	case errors.Is(err, segmentation.ErrStoreUnavailable):
		httputil.ServiceUnavailable(w, err)

	default:
		httputil.InternalError(w, err)
	}
}

// decode reads a JSON body into dst. Rule trees that fail structural
// validation while decoding are reported as invalid rules with details.
func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, httputil.MaxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		var ruleErr *segmentation.InvalidRuleError
		switch {
		case errors.As(err, &ruleErr):
			writeError(w, ruleErr)
		case errors.Is(err, io.EOF):
			httputil.BadRequest(w, "request body is empty")
		default:
			httputil.BadRequest(w, "invalid JSON: "+err.Error())
		}
		return false
	}
	return true
}
