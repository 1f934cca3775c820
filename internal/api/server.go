// Package api is the coordinator's HTTP surface: device registration and
// heartbeats, task submission and inspection, replicated state, gossip
// transport, status and metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/yaml"

	"github.com/dreamware/devmesh/internal/cluster"
	"github.com/dreamware/devmesh/internal/device"
	"github.com/dreamware/devmesh/internal/engine"
	"github.com/dreamware/devmesh/internal/scheduler"
	"github.com/dreamware/devmesh/internal/statesync"
)

// maxBody bounds request bodies.
const maxBody = 4 << 20

// Server is the coordinator HTTP surface over an engine.
type Server struct {
	eng     *engine.Engine
	metrics prometheus.Gatherer
}

// NewServer serves eng, exposing g at /metrics.
func NewServer(eng *engine.Engine, g prometheus.Gatherer) *Server {
	return &Server{eng: eng, metrics: g}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /device/register", s.handleRegister)
	mux.HandleFunc("POST /device/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /devices", s.handleDevices)
	mux.HandleFunc("POST /task/submit", s.handleSubmit)
	mux.HandleFunc("GET /task/{id}", s.handleTask)
	mux.HandleFunc("POST /task/{id}/cancel", s.handleCancelTask)
	mux.HandleFunc("GET /graph/{id}", s.handleGraph)
	mux.HandleFunc("POST /graph/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /state/{key...}", s.handleStateGet)
	mux.HandleFunc("PUT /state/{key...}", s.handleStatePut)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /conflicts", s.handleConflicts)
	mux.HandleFunc("GET /breakers", s.handleBreakers)

	gossip := statesync.Handler(s.eng.Synchronizer())
	mux.Handle("/gossip", gossip)
	mux.Handle("/gossip/", gossip)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad json: %w", err))
		return
	}
	d, err := s.eng.RegisterDevice(device.Device{
		ID:           req.DeviceID,
		Kind:         device.ParseKind(req.Kind),
		Address:      req.Address,
		Capabilities: req.Capabilities,
		Labels:       req.Labels,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, cluster.RegisterResponse{DeviceID: d.ID, Status: "registered"})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req cluster.HeartbeatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(&req); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad json: %w", err))
		return
	}
	if err := s.eng.Heartbeat(req.DeviceID); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	f := device.Filter{}
	if v := r.URL.Query().Get("status"); v != "" {
		f.Status = device.ParseStatus(v)
	}
	if v := r.URL.Query().Get("capability"); v != "" {
		f.Capabilities = strings.Split(v, ",")
	}
	devices := s.eng.Devices(f)
	cluster.WriteJSON(w, http.StatusOK, struct {
		Devices []device.Device `json:"devices"`
		Count   int             `json:"count"`
	}{Devices: devices, Count: len(devices)})
}

// graphRequest is the multi-task form of a submission. A body without
// "tasks" is a single TaskSpec.
type graphRequest struct {
	Selector   *scheduler.Selector  `json:"target_selector,omitempty"`
	GraphID    string               `json:"graph_id,omitempty"`
	Tasks      []scheduler.TaskSpec `json:"tasks"`
	BestEffort bool                 `json:"best_effort,omitempty"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	body, err := readSubmission(r)
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}

	var gr graphRequest
	if err := json.Unmarshal(body, &gr); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad submission: %w", err))
		return
	}
	if len(gr.Tasks) > 0 {
		out, err := s.eng.SubmitTasks(r.Context(), gr.Tasks, scheduler.SubmitOptions{
			Selector:   gr.Selector,
			GraphID:    gr.GraphID,
			BestEffort: gr.BestEffort,
		})
		if err != nil {
			writeErr(w, err)
			return
		}
		cluster.WriteJSON(w, http.StatusAccepted, out)
		return
	}

	var spec scheduler.TaskSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		cluster.WriteError(w, http.StatusBadRequest, fmt.Errorf("bad submission: %w", err))
		return
	}
	out, err := s.eng.SubmitTasks(r.Context(), []scheduler.TaskSpec{spec}, scheduler.SubmitOptions{})
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusAccepted, submitResponse{TaskID: out.TaskIDs[0], Status: "pending"})
}

// readSubmission returns the request body as JSON, converting YAML
// manifests.
func readSubmission(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mt {
	case "application/yaml", "application/x-yaml", "text/yaml":
		out, err := yaml.YAMLToJSON(body)
		if err != nil {
			return nil, fmt.Errorf("bad yaml: %w", err)
		}
		return out, nil
	default:
		return body, nil
	}
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	t, ok := s.eng.Task(r.PathValue("id"))
	if !ok {
		writeErr(w, fmt.Errorf("%w: %s", scheduler.ErrUnknownTask, r.PathValue("id")))
		return
	}
	cluster.WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.CancelTask(r.PathValue("id")); err != nil {
		writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGraph(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.eng.Tasks(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, struct {
		GraphID string           `json:"graph_id"`
		Tasks   []scheduler.Task `json:"tasks"`
	}{GraphID: r.PathValue("id"), Tasks: tasks})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	n, err := s.eng.CancelGraph(r.PathValue("id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, map[string]int{"cancelled": n})
}

func (s *Server) handleStateGet(w http.ResponseWriter, r *http.Request) {
	e, ok := s.eng.Get(r.PathValue("key"))
	if !ok {
		cluster.WriteError(w, http.StatusNotFound, fmt.Errorf("no such key %q", r.PathValue("key")))
		return
	}
	cluster.WriteJSON(w, http.StatusOK, e)
}

func (s *Server) handleStatePut(w http.ResponseWriter, r *http.Request) {
	value, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		cluster.WriteError(w, http.StatusBadRequest, err)
		return
	}
	cluster.WriteJSON(w, http.StatusOK, s.eng.Put(r.PathValue("key"), value))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, s.eng.Status())
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts := s.eng.Conflicts()
	cluster.WriteJSON(w, http.StatusOK, struct {
		Conflicts []statesync.Conflict `json:"conflicts"`
		Count     int                  `json:"count"`
	}{Conflicts: conflicts, Count: len(conflicts)})
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	cluster.WriteJSON(w, http.StatusOK, s.eng.Breakers())
}

// writeErr maps engine errors onto status codes.
func writeErr(w http.ResponseWriter, err error) {
	var se *scheduler.SchedulingError
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &se):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrInvalidDevice):
		code = http.StatusBadRequest
	case errors.Is(err, device.ErrUnknownDevice),
		errors.Is(err, scheduler.ErrUnknownTask),
		errors.Is(err, scheduler.ErrUnknownGraph):
		code = http.StatusNotFound
	}
	cluster.WriteError(w, code, err)
}
