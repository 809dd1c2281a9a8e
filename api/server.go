package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"grid-distributor/capabilities"
	"grid-distributor/events"
	"grid-distributor/grid"
	"grid-distributor/health"
	"grid-distributor/metrics"
	"grid-distributor/node"
	"grid-distributor/queue"
	"grid-distributor/registry"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

const (
	NodesPath = node.RegistrationPath
	QueuePath = "/se/grid/newsessionqueue/queue"

	maxPayloadBytes = 1 << 20
)

// SessionService creates sessions; the distributor implements it.
type SessionService interface {
	NewSession(ctx context.Context, alternatives []capabilities.Capabilities, metadata map[string]string) (*grid.CreateSessionResponse, error)
}

type Options struct {
	Sessions SessionService
	Registry *registry.Registry
	Queue    *queue.Queue
	// Events receives registrations and removals posted over HTTP.
	Events events.Publisher
	Clock  clock.PassiveClock
}

type Handler struct {
	sessions SessionService
	registry *registry.Registry
	queue    *queue.Queue
	events   events.Publisher
	clock    clock.PassiveClock
}

func NewHandler(opts Options) *Handler {
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	return &Handler{
		sessions: opts.Sessions,
		registry: opts.Registry,
		queue:    opts.Queue,
		events:   opts.Events,
		clock:    opts.Clock,
	}
}

// NewRouter wires the client, node and admin endpoints together with health and
// metrics.
func NewRouter(h *Handler) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/session", h.CreateSession).Methods(http.MethodPost)
	r.HandleFunc("/status", h.Status).Methods(http.MethodGet)

	r.HandleFunc(NodesPath, h.PostNodeEvent).Methods(http.MethodPost)
	nodes := r.PathPrefix(NodesPath).Subrouter()
	nodes.HandleFunc("/{nodeId}", h.RemoveNode).Methods(http.MethodDelete)
	nodes.HandleFunc("/{nodeId}/drain", h.DrainNode).Methods(http.MethodPost)

	r.HandleFunc(QueuePath, h.GetQueue).Methods(http.MethodGet)
	r.HandleFunc(QueuePath, h.ClearQueue).Methods(http.MethodDelete)

	health.Register(r, h.queue.IsReady)
	metrics.Register(r)
	return r
}

// CreateSession handles POST /session. It blocks until a node starts the session or the
// request fails.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeError(w, grid.WrapError(grid.ReasonMalformedRequest, err, "unreadable body"))
		return
	}
	alternatives, err := capabilities.ParsePayload(body)
	if err != nil {
		writeError(w, grid.WrapError(grid.ReasonMalformedRequest, err, "invalid new session payload"))
		return
	}

	resp, err := h.sessions.NewSession(r.Context(), alternatives, map[string]string{"remoteAddr": r.RemoteAddr})
	if err != nil {
		if r.Context().Err() != nil {
			log.Debug().Err(err).Msg("api: client went away before the session was created")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"value": resp})
}

type statusReply struct {
	Ready     bool              `json:"ready"`
	QueueSize int               `json:"queueSize"`
	Nodes     []grid.NodeStatus `json:"nodes"`
}

// Status handles GET /status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"value": statusReply{
		Ready:     h.queue.IsReady(),
		QueueSize: h.queue.Len(),
		Nodes:     h.registry.Snapshot(),
	}})
}

// PostNodeEvent handles registrations and heartbeats sent by nodes over HTTP.
func (h *Handler) PostNodeEvent(w http.ResponseWriter, r *http.Request) {
	var ev events.NodeEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, maxPayloadBytes)).Decode(&ev); err != nil {
		http.Error(w, "invalid node event: "+err.Error(), http.StatusBadRequest)
		return
	}
	h.publish(r.Context(), w, &ev)
}

// RemoveNode handles DELETE .../node/{nodeId}.
func (h *Handler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	id := grid.NodeID(mux.Vars(r)["nodeId"])
	if _, ok := h.registry.Get(id); !ok {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	h.publish(r.Context(), w, events.NewRemovedEvent(id, h.clock.Now()))
}

func (h *Handler) publish(ctx context.Context, w http.ResponseWriter, ev *events.NodeEvent) {
	if err := ev.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := h.events.PublishNodeEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("nodeId", string(ev.NodeID)).Str("type", string(ev.Type)).Msg("api: failed to publish node event")
		if errors.Is(err, events.ErrInvalidEvent) || errors.Is(err, registry.ErrInvalidStatus) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, "node event not delivered", http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// DrainNode stops new sessions from landing on a node.
func (h *Handler) DrainNode(w http.ResponseWriter, r *http.Request) {
	id := grid.NodeID(mux.Vars(r)["nodeId"])
	if !h.registry.Drain(id) {
		http.Error(w, "unknown node", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetQueue lists the requests still waiting for a slot.
func (h *Handler) GetQueue(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"value": h.queue.Contents()})
}

// ClearQueue fails every waiting request with queue-cleared.
func (h *Handler) ClearQueue(w http.ResponseWriter, _ *http.Request) {
	n := h.queue.ClearQueue()
	log.Info().Int("cleared", n).Msg("api: queue cleared")
	writeJSON(w, http.StatusOK, map[string]any{"value": map[string]int{"cleared": n}})
}

type errorBody struct {
	Error   string `json:"error"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, err error) {
	reason := grid.ReasonOf(err)
	writeJSON(w, statusFor(reason), map[string]any{"value": errorBody{
		Error:   "session not created",
		Reason:  string(reason),
		Message: err.Error(),
	}})
}

func statusFor(reason grid.Reason) int {
	switch reason {
	case grid.ReasonMalformedRequest:
		return http.StatusBadRequest
	case grid.ReasonUnsupportedCapabilities:
		return http.StatusNotFound
	case grid.ReasonRequestTimedOut:
		return http.StatusGatewayTimeout
	case grid.ReasonQueueClosed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("api: failed to write response")
	}
}
