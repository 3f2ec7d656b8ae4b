package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/ignite/campaign-engine/internal/ingest"
	"github.com/ignite/campaign-engine/internal/segmentation"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// ActorHeader names the caller on whose behalf a request is made.
const ActorHeader = "X-Actor-ID"

// DefaultActor is used when a request carries no actor header.
const DefaultActor = "system"

// Handlers contains all HTTP handlers.
type Handlers struct {
	segments  *segmentation.Service
	campaigns *campaign.Orchestrator
	tracker   *campaign.Tracker
	ingest    *ingest.Service
	health    *HealthChecker
}

// NewHandlers creates a new Handlers instance. A nil health checker gets a
// default one with no dependencies.
func NewHandlers(
	segments *segmentation.Service,
	campaigns *campaign.Orchestrator,
	tracker *campaign.Tracker,
	ingestSvc *ingest.Service,
	health *HealthChecker,
) *Handlers {
	if health == nil {
		health = NewHealthChecker()
	}
	return &Handlers{
		segments:  segments,
		campaigns: campaigns,
		tracker:   tracker,
		ingest:    ingestSvc,
		health:    health,
	}
}

type actorKey struct{}

// withActor stores the request's actor in its context.
func withActor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			actor = DefaultActor
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorKey{}, actor)))
	})
}

func actorFrom(r *http.Request) string {
	if a, ok := r.Context().Value(actorKey{}).(string); ok {
		return a
	}
	return DefaultActor
}
