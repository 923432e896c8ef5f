package httpapi

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/buzzroom/buzzroom-backend/internal/hub"
	"github.com/buzzroom/buzzroom-backend/internal/ws"
)

func SetupRoutes(h *hub.Hub, log *zap.Logger, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", Healthz)
	r.Get("/lobbies/{code}", LobbyExists(h))
	r.Get("/ws", ws.Handler(h, log, originHostPatterns(allowedOrigins)))

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
	})
	return c.Handler(r)
}

// originHostPatterns converts configured origins ("https://app.example.com")
// into the host-only patterns the websocket handshake matches against. CORS
// compares full origins, the websocket layer compares hosts; one config value
// feeds both.
func originHostPatterns(origins []string) []string {
	patterns := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			patterns = append(patterns, o)
			continue
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			patterns = append(patterns, u.Host)
			continue
		}
		patterns = append(patterns, o)
	}
	return patterns
}
