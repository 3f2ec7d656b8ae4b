package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", ActorHeader},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Health checks
	r.Get("/health", h.health.HandleLiveness)
	r.Get("/health/ready", h.health.HandleReadiness)

	r.Route("/api", func(r chi.Router) {
		r.Use(withActor)

		r.Route("/segments", func(r chi.Router) {
			r.Post("/", h.CreateSegment)
			r.Post("/create", h.CreateSegment)
			r.Post("/preview", h.PreviewSegment)
			r.Get("/", h.ListSegments)
			r.Get("/{id}", h.GetSegment)
			r.Get("/{id}/audience", h.GetSegmentAudience)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", h.LaunchCampaign)
			r.Get("/", h.ListCampaigns)
			r.Post("/delivery-receipt", h.DeliveryReceipt)
			r.Get("/{id}", h.GetCampaign)
			r.Post("/{id}/redrive", h.RedriveCampaign)
		})
		r.Post("/send", h.LaunchCampaign)

		r.Route("/data", func(r chi.Router) {
			r.Post("/customers", h.UploadCustomers)
			r.Get("/customers", h.ListCustomers)
			r.Post("/orders", h.UploadOrders)
			r.Get("/orders", h.ListOrders)
		})
	})

	return r
}
