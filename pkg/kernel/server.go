package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/manthysbr/forgeOS/internal/adapters/docker"
	"github.com/manthysbr/forgeOS/internal/core/domain"
	"github.com/manthysbr/forgeOS/internal/core/ports"
	"github.com/manthysbr/forgeOS/internal/core/services"
)

// AgentRuntime is the optional ops surface over the container runtime.
type AgentRuntime interface {
	List(ctx context.Context) ([]docker.Session, error)
	Kill(ctx context.Context, operationID domain.OperationID) error
}

type Server struct {
	logger     *slog.Logger
	scheduler  *services.Scheduler
	registry   *services.WorkflowRegistry
	eventBus   *services.EventBus
	workOrders ports.WorkOrderStore
	operations ports.OperationStore
	stories    ports.StoryStore
	agents     AgentRuntime // nil when no container runtime is wired
}

func NewServer(
	logger *slog.Logger,
	scheduler *services.Scheduler,
	registry *services.WorkflowRegistry,
	eventBus *services.EventBus,
	workOrders ports.WorkOrderStore,
	operations ports.OperationStore,
	stories ports.StoryStore,
	agents AgentRuntime,
) *Server {
	return &Server{
		logger:     logger,
		scheduler:  scheduler,
		registry:   registry,
		eventBus:   eventBus,
		workOrders: workOrders,
		operations: operations,
		stories:    stories,
		agents:     agents,
	}
}

// Handler returns the http.Handler for the kernel API.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if r.Method == "GET" && path == "/v1/health" {
			s.handleHealth(w, r)
			return
		}

		// Work orders
		if path == "/v1/workorders" {
			switch r.Method {
			case "GET":
				s.handleListWorkOrders(w, r)
			case "POST":
				s.handleCreateWorkOrder(w, r)
			default:
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			}
			return
		}
		if id, rest, ok := splitResource(path, "/v1/workorders/"); ok {
			switch {
			case rest == "" && r.Method == "GET":
				s.handleGetWorkOrder(w, r, id)
			case rest == "operations" && r.Method == "GET":
				s.handleListOperations(w, r, id)
			case rest == "start" && r.Method == "POST":
				s.handleStartWorkOrder(w, r, id)
			case rest == "resume" && r.Method == "POST":
				s.handleResumeWorkOrder(w, r, id)
			case rest == "events" && r.Method == "GET":
				s.handleWorkOrderSSE(w, r, id)
			default:
				http.NotFound(w, r)
			}
			return
		}

		// Operations
		if id, rest, ok := splitResource(path, "/v1/operations/"); ok {
			switch {
			case rest == "" && r.Method == "GET":
				s.handleGetOperation(w, r, id)
			case rest == "stories" && r.Method == "GET":
				s.handleListStories(w, r, id)
			case rest == "complete" && r.Method == "POST":
				s.handleComplete(w, r, id)
			default:
				http.NotFound(w, r)
			}
			return
		}

		// Queue
		if r.Method == "POST" && path == "/v1/queue/tick" {
			s.handleTick(w, r)
			return
		}
		if r.Method == "POST" && path == "/v1/queue/recover" {
			s.handleRecover(w, r)
			return
		}

		// Workflows
		if r.Method == "GET" && path == "/v1/workflows" {
			s.handleListWorkflows(w, r)
			return
		}

		// Agent containers
		if r.Method == "GET" && path == "/v1/agents" {
			s.handleListAgents(w, r)
			return
		}
		if id, rest, ok := splitResource(path, "/v1/agents/"); ok && rest == "" && r.Method == "DELETE" {
			s.handleKillAgent(w, r, id)
			return
		}

		// Broadcast SSE
		if r.Method == "GET" && path == "/v1/events" {
			s.handleBroadcastSSE(w, r)
			return
		}

		http.NotFound(w, r)
	})
}

// splitResource matches `<prefix>{id}` and `<prefix>{id}/<rest>` paths.
func splitResource(path, prefix string) (id, rest string, ok bool) {
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	tail := strings.TrimPrefix(path, prefix)
	if tail == "" {
		return "", "", false
	}
	if i := strings.Index(tail, "/"); i >= 0 {
		return tail[:i], tail[i+1:], tail[:i] != ""
	}
	return tail, "", true
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "ok"})
}

type createWorkOrderRequest struct {
	Code       string            `json:"code"`
	Title      string            `json:"title"`
	GoalMD     string            `json:"goal_md"`
	Priority   domain.Priority   `json:"priority"`
	Owner      string            `json:"owner"`
	Tags       []string          `json:"tags"`
	WorkflowID domain.WorkflowID `json:"workflow_id"`
}

// handleCreateWorkOrder records a new work order. Nothing is scheduled
// until /start is called.
// POST /v1/workorders
func (s *Server) handleCreateWorkOrder(w http.ResponseWriter, r *http.Request) {
	var req createWorkOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", http.StatusBadRequest)
		return
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityP2
	}

	now := time.Now()
	wo := domain.WorkOrder{
		ID:         domain.WorkOrderID(uuid.NewString()),
		Code:       req.Code,
		Title:      req.Title,
		GoalMD:     req.GoalMD,
		Priority:   req.Priority,
		Owner:      req.Owner,
		Tags:       req.Tags,
		WorkflowID: req.WorkflowID,
		Status:     domain.WorkOrderStatusCreated,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.workOrders.CreateWorkOrder(r.Context(), &wo); err != nil {
		s.logger.Error("create work order failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(wo)
}

// GET /v1/workorders?limit=100
func (s *Server) handleListWorkOrders(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if l := r.URL.Query().Get("limit"); l != "" {
		if n, err := strconv.Atoi(l); err == nil && n > 0 {
			limit = n
		}
	}

	orders, err := s.workOrders.ListWorkOrders(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []domain.WorkOrder{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"work_orders": orders,
		"count":       len(orders),
	})
}

// GET /v1/workorders/{id}
func (s *Server) handleGetWorkOrder(w http.ResponseWriter, r *http.Request, id string) {
	wo, err := s.workOrders.GetWorkOrder(r.Context(), domain.WorkOrderID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(wo)
}

// GET /v1/workorders/{id}/operations
func (s *Server) handleListOperations(w http.ResponseWriter, r *http.Request, id string) {
	ops, err := s.operations.ListOperations(r.Context(), domain.WorkOrderID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ops == nil {
		ops = []domain.Operation{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"operations": ops,
		"count":      len(ops),
	})
}

type startWorkOrderRequest struct {
	WorkflowID domain.WorkflowID `json:"workflow_id"`
	Context    json.RawMessage   `json:"context"`
	Force      bool              `json:"force"`
}

// POST /v1/workorders/{id}/start
func (s *Server) handleStartWorkOrder(w http.ResponseWriter, r *http.Request, id string) {
	var req startWorkOrderRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.scheduler.StartWorkOrder(r.Context(), domain.WorkOrderID(id), services.StartOptions{
		WorkflowOverride: req.WorkflowID,
		Context:          domain.Payload(req.Context),
		Force:            req.Force,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

type resumeWorkOrderRequest struct {
	Reason string `json:"reason"`
}

// POST /v1/workorders/{id}/resume
func (s *Server) handleResumeWorkOrder(w http.ResponseWriter, r *http.Request, id string) {
	var req resumeWorkOrderRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.scheduler.ResumeWorkOrder(r.Context(), domain.WorkOrderID(id), services.ResumeOptions{Reason: req.Reason})
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if res == nil {
		json.NewEncoder(w).Encode(map[string]interface{}{"resumed": false})
		return
	}
	json.NewEncoder(w).Encode(res)
}

// GET /v1/operations/{id}
func (s *Server) handleGetOperation(w http.ResponseWriter, r *http.Request, id string) {
	op, err := s.operations.GetOperation(r.Context(), domain.OperationID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(op)
}

// GET /v1/operations/{id}/stories
func (s *Server) handleListStories(w http.ResponseWriter, r *http.Request, id string) {
	stories, err := s.stories.ListStories(r.Context(), domain.OperationID(id))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if stories == nil {
		stories = []domain.Story{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"stories": stories,
		"count":   len(stories),
	})
}

type completeRequest struct {
	Status          domain.CompletionStatus `json:"status"`
	Output          json.RawMessage         `json:"output"`
	Feedback        string                  `json:"feedback"`
	Artifacts       []string                `json:"artifacts"`
	CompletionToken string                  `json:"completion_token"`
}

// handleComplete is the completion callback for external agents. For any
// well-formed report it answers {success, duplicate, noop}; duplicates
// and out-of-order deliveries are successful no-ops. Only malformed
// payloads get a 400.
// POST /v1/operations/{id}/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, id string) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}
	if req.CompletionToken == "" {
		http.Error(w, "completion_token is required", http.StatusBadRequest)
		return
	}

	res, err := s.scheduler.AdvanceOnCompletion(r.Context(), domain.OperationID(id), domain.CompletionReport{
		Status:    req.Status,
		Output:    domain.Payload(req.Output),
		Feedback:  req.Feedback,
		Artifacts: req.Artifacts,
	}, req.CompletionToken)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

type tickRequest struct {
	Limit  int  `json:"limit"`
	DryRun bool `json:"dry_run"`
}

// POST /v1/queue/tick
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	var req tickRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.scheduler.TickQueue(r.Context(), services.TickOptions{Limit: req.Limit, DryRun: req.DryRun})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

type recoverRequest struct {
	Limit        int  `json:"limit"`
	AutoDispatch bool `json:"auto_dispatch"`
}

// POST /v1/queue/recover
func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	res, err := s.scheduler.RecoverStaleOperations(r.Context(), services.RecoverOptions{
		Limit:        req.Limit,
		AutoDispatch: req.AutoDispatch,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(res)
}

// GET /v1/workflows
func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	workflows, err := s.registry.List()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"workflows": workflows,
		"count":     len(workflows),
	})
}

// GET /v1/agents
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.agents == nil {
		http.Error(w, "agent runtime not available", http.StatusServiceUnavailable)
		return
	}
	sessions, err := s.agents.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []docker.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"agents": sessions,
		"count":  len(sessions),
	})
}

// DELETE /v1/agents/{operation_id}
func (s *Server) handleKillAgent(w http.ResponseWriter, r *http.Request, id string) {
	if s.agents == nil {
		http.Error(w, "agent runtime not available", http.StatusServiceUnavailable)
		return
	}
	if err := s.agents.Kill(r.Context(), domain.OperationID(id)); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps domain errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrWorkOrderNotFound),
		errors.Is(err, domain.ErrOperationNotFound),
		errors.Is(err, domain.ErrStoryNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrAlreadyRunning),
		errors.Is(err, domain.ErrSentinelWorkOrder):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrUnknownWorkflow),
		errors.Is(err, domain.ErrInvalidStatus),
		errors.Is(err, domain.ErrTokenRequired):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
