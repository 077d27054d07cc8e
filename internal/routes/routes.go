package routes

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/mithem/compolvo/internal/handlers/api"
	wshandler "github.com/mithem/compolvo/internal/handlers/websocket"
	"github.com/mithem/compolvo/pkg/debug"
)

// Setup wires every HTTP route: the websocket endpoint, the agent bootstrap
// API and the static playbook files agents fetch before running a command.
func Setup(router *mux.Router, ws *wshandler.Handler, apiHandler *api.Handler, playbookDir string) {
	debug.Info("Setting up routes")

	router.HandleFunc("/api/notify", ws.ServeWS)

	router.HandleFunc("/api/agent/name", apiHandler.GetAgentName).Methods(http.MethodGet)
	router.HandleFunc("/api/agent/init", apiHandler.InitAgent).Methods(http.MethodPatch)

	router.PathPrefix("/ansible/playbooks/").Handler(
		http.StripPrefix("/ansible/playbooks/", http.FileServer(http.Dir(playbookDir))))

	debug.Info("Routes configured (playbooks served from %s)", playbookDir)
}
