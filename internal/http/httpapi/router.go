package httpapi

import (
	"net/http"
	"time"

	"server/internal/http/handlers"
	appmw "server/internal/middleware"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// Options carries router configuration that does not belong on the App.
type Options struct {
	CORSOrigins     []string
	RateLimitPerMin int
	CountryLookup   appmw.CountryLookup
	StaticDir       string
}

func NewRouter(app *handlers.App, opts Options) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		appmw.Logger(app.Logger),
		appmw.CORS(opts.CORSOrigins),
		appmw.I18N("en", opts.CountryLookup),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(appmw.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	// The WebSocket handshake cannot carry an Authorization header from a
	// browser, so the realtime endpoint authenticates its query token
	// itself instead of going through AuthJWT.
	r.Get("/v1/realtime", app.Realtime)

	// Producer-facing internal surface, guarded by a shared secret.
	r.Post("/internal/events", app.EventsPublish)

	r.Group(func(r chi.Router) {
		r.Use(appmw.AuthJWT(app.JWTSecret))

		r.Route("/v1/batches", func(r chi.Router) {
			r.Post("/", app.BatchesCreate)
			r.Post("/outpaint", app.BatchesOutpaint)
			r.Post("/inpaint", app.BatchesInpaint)
			r.Post("/refine", app.BatchesRefine)
			r.Post("/upscale", app.BatchesUpscale)
			r.Get("/{batch_id}", app.BatchStatus)
			r.Get("/{batch_id}/download", app.BatchDownload)
		})

		r.Route("/v1/images/{image_id}", func(r chi.Router) {
			r.Get("/variations", app.VariationsList)
			r.Post("/masks", app.MasksEnqueue)
			r.Get("/masks", app.MasksStatus)
		})

		r.Get("/v1/me/credits", app.Credits)
	})

	if opts.StaticDir != "" {
		fs := http.StripPrefix("/static/", http.FileServer(http.Dir(opts.StaticDir)))
		r.Get("/static/*", func(w http.ResponseWriter, req *http.Request) {
			fs.ServeHTTP(w, req)
		})
	}

	return r
}
