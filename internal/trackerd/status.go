package trackerd

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/WendelHime/p2pshare/internal/registry"
	"github.com/WendelHime/p2pshare/internal/shared/models"
	"github.com/gorilla/mux"
)

type statusAPI struct {
	registry *registry.Registry
	log      *slog.Logger
}

// NewStatusHandler exposes the registry read-only over HTTP.
func NewStatusHandler(reg *registry.Registry, logger *slog.Logger) http.Handler {
	api := &statusAPI{registry: reg, log: logger.With(slog.String("component", "status"))}

	r := mux.NewRouter()
	r.HandleFunc("/peers", api.listPeers).Methods(http.MethodGet)
	r.HandleFunc("/peers/{ip}/{port:[0-9]+}", api.getPeer).Methods(http.MethodGet)
	r.HandleFunc("/files", api.listFiles).Methods(http.MethodGet)
	r.HandleFunc("/files/{name}", api.getFile).Methods(http.MethodGet)
	return r
}

func (a *statusAPI) listPeers(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.registry.Peers())
}

func (a *statusAPI) getPeer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	port, err := strconv.Atoi(vars["port"])
	if err != nil {
		http.Error(w, "invalid port", http.StatusBadRequest)
		return
	}

	record, ok := a.registry.Lookup(models.Addr{IP: vars["ip"], Port: port})
	if !ok {
		http.Error(w, registry.ErrPeerNotFound.Error(), http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, record)
}

func (a *statusAPI) listFiles(w http.ResponseWriter, r *http.Request) {
	files := make(map[string][]string)
	for _, name := range a.registry.Files() {
		files[name] = holderStrings(a.registry.Holders(name))
	}
	a.writeJSON(w, http.StatusOK, files)
}

func (a *statusAPI) getFile(w http.ResponseWriter, r *http.Request) {
	holders := a.registry.Holders(mux.Vars(r)["name"])
	if len(holders) == 0 {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	a.writeJSON(w, http.StatusOK, holderStrings(holders))
}

func (a *statusAPI) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.log.Warn("failed to write status response", slog.Any("error", err))
	}
}

func holderStrings(ids []models.Addr) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
