package router

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/ihub-2020/udp2rawd/pkg/api"
	"github.com/ihub-2020/udp2rawd/pkg/config"
	"github.com/ihub-2020/udp2rawd/pkg/errdefs"
)

type Backend struct {
	TunnelDriver TunnelDriver
}

type TunnelDriver interface {
	GetConfig() (*config.Document, error)
	ApplyConfig(doc *config.Document, apply bool) error
	Status() api.Status
	Diagnostics() api.Diagnostics
	Logs(lines int) api.Logs
	InstanceLogs(id string, lines int) ([]string, error)
	StartInstance(id string) error
	StopInstance(id string) error
}

func (b *Backend) onError(w http.ResponseWriter, r *http.Request, err error, ec int) {
	w.WriteHeader(ec)
	w.Header().Set("Content-Type", "application/json")
	// the socket is mode 0600, callers are trusted with full error text
	e := api.ErrorJSON{
		Message: err.Error(),
	}
	_ = json.NewEncoder(w).Encode(e)
}

func (b *Backend) writeJSON(w http.ResponseWriter, r *http.Request, v interface{}, code int) {
	m, err := json.Marshal(v)
	if err != nil {
		b.onError(w, r, err, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(m)
}

func (b *Backend) GetConfig(w http.ResponseWriter, r *http.Request) {
	doc, err := b.TunnelDriver.GetConfig()
	if err != nil {
		b.onError(w, r, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, r, doc, http.StatusOK)
}

// PostConfig persists the submitted document. With ?apply=true (the default)
// it also reconciles processes and rules to it.
func (b *Backend) PostConfig(w http.ResponseWriter, r *http.Request) {
	apply := true
	if q := r.URL.Query().Get("apply"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			b.onError(w, r, err, http.StatusBadRequest)
			return
		}
		apply = v
	}
	decoder := json.NewDecoder(r.Body)
	var doc config.Document
	if err := decoder.Decode(&doc); err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	if err := b.TunnelDriver.ApplyConfig(&doc, apply); err != nil {
		if errors.Is(err, errdefs.ErrConfigInvalid) {
			b.onError(w, r, err, http.StatusBadRequest)
			return
		}
		b.onError(w, r, err, http.StatusInternalServerError)
		return
	}
	b.writeJSON(w, r, api.ApplyResult{Saved: true, Applied: apply}, http.StatusOK)
}

func (b *Backend) GetStatus(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, b.TunnelDriver.Status(), http.StatusOK)
}

func (b *Backend) GetDiagnostics(w http.ResponseWriter, r *http.Request) {
	b.writeJSON(w, r, b.TunnelDriver.Diagnostics(), http.StatusOK)
}

func (b *Backend) GetLogs(w http.ResponseWriter, r *http.Request) {
	lines, err := linesParam(r)
	if err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	b.writeJSON(w, r, b.TunnelDriver.Logs(lines), http.StatusOK)
}

func (b *Backend) GetInstanceLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := mux.Vars(r)["id"]
	if !ok {
		b.onError(w, r, errors.New("id not specified"), http.StatusBadRequest)
		return
	}
	lines, err := linesParam(r)
	if err != nil {
		b.onError(w, r, err, http.StatusBadRequest)
		return
	}
	logs, err := b.TunnelDriver.InstanceLogs(id, lines)
	if err != nil {
		b.onError(w, r, err, statusFor(err))
		return
	}
	b.writeJSON(w, r, logs, http.StatusOK)
}

func (b *Backend) PostInstanceStart(w http.ResponseWriter, r *http.Request) {
	b.instanceAction(w, r, b.TunnelDriver.StartInstance)
}

func (b *Backend) PostInstanceStop(w http.ResponseWriter, r *http.Request) {
	b.instanceAction(w, r, b.TunnelDriver.StopInstance)
}

func (b *Backend) instanceAction(w http.ResponseWriter, r *http.Request, fn func(string) error) {
	id, ok := mux.Vars(r)["id"]
	if !ok {
		b.onError(w, r, errors.New("id not specified"), http.StatusBadRequest)
		return
	}
	if err := fn(id); err != nil {
		b.onError(w, r, err, statusFor(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func linesParam(r *http.Request) (int, error) {
	if q := r.URL.Query().Get("lines"); q != "" {
		return strconv.Atoi(q)
	}
	return 0, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errdefs.ErrBinaryUnavailable), errors.Is(err, errdefs.ErrEarlyExit):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func AddRoutes(r *mux.Router, b *Backend) {
	v1 := r.PathPrefix("/v1").Subrouter()
	v1.Path("/config").Methods("GET").HandlerFunc(b.GetConfig)
	v1.Path("/config").Methods("POST").HandlerFunc(b.PostConfig)
	v1.Path("/status").Methods("GET").HandlerFunc(b.GetStatus)
	v1.Path("/diagnostics").Methods("GET").HandlerFunc(b.GetDiagnostics)
	v1.Path("/logs").Methods("GET").HandlerFunc(b.GetLogs)
	v1.Path("/instances/{id}/logs").Methods("GET").HandlerFunc(b.GetInstanceLogs)
	v1.Path("/instances/{id}/start").Methods("POST").HandlerFunc(b.PostInstanceStart)
	v1.Path("/instances/{id}/stop").Methods("POST").HandlerFunc(b.PostInstanceStop)
}
