package transport

import (
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/taskexchange/exchange/internal/utils"
)

// allowedOrigins is populated from EXCHANGE_ALLOWED_ORIGINS plus a
// fixed localhost default set.
var allowedOrigins = initAllowedOrigins()

func initAllowedOrigins() []string {
	defaults := []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
	}

	if env := os.Getenv("EXCHANGE_ALLOWED_ORIGINS"); env != "" {
		for _, origin := range strings.Split(env, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				defaults = append(defaults, origin)
			}
		}
	}
	return defaults
}

func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return false
	}

	host := originURL.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	for _, allowed := range allowedOrigins {
		if origin == allowed {
			return true
		}
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Hostname() == allowedURL.Hostname() {
			if allowedURL.Port() != "" {
				if originURL.Port() == allowedURL.Port() && originURL.Scheme == allowedURL.Scheme {
					return true
				}
			} else if originURL.Scheme == allowedURL.Scheme {
				return true
			}
		}
	}
	return false
}

var upgrader = websocket.Upgrader{CheckOrigin: checkOrigin}

// ServeAgentWS upgrades an agent's HTTP connection to a websocket and
// hands it to h. The connecting agent identifies itself with a
// `?agent_id=` query parameter (the register frame that follows over the
// socket is still the source of truth for capabilities, but the hub needs
// an id immediately to key the connection map).
func (h *Hub) ServeAgentWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if !utils.IsValidAgentName(agentID) {
		http.Error(w, "agent_id query parameter required, max 64 characters", http.StatusBadRequest)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	h.Accept(agentID, ws)
}
