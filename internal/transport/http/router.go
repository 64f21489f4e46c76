package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Deps struct {
	Handler        *Handler
	WS             http.HandlerFunc
	AllowedOrigins []string
	RequestTimeout time.Duration
}

func NewRouter(d Deps) http.Handler {
	if len(d.AllowedOrigins) == 0 {
		d.AllowedOrigins = []string{"*"}
	}
	if d.RequestTimeout <= 0 {
		d.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(WithRequestLogger)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: d.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}))

	// WS endpoint: без таймаута, соединение долгоживущее
	if d.WS != nil {
		r.Get("/ws", d.WS)
	}

	r.Group(func(api chi.Router) {
		api.Use(middleware.Timeout(d.RequestTimeout))

		api.Route("/rooms", func(rm chi.Router) {
			rm.Post("/", d.Handler.CreateRoom)
			rm.Get("/", d.Handler.ListRooms)

			rm.Route("/{id}", func(rr chi.Router) {
				rr.Get("/", d.Handler.GetRoom)
				rr.Post("/join", d.Handler.JoinRoom)
				rr.Post("/close", d.Handler.CloseRoom)
			})
		})
		api.Get("/healthz", d.Handler.Health)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
