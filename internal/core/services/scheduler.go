package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/manthysbr/forgeOS/internal/core/domain"
	"github.com/manthysbr/forgeOS/internal/core/ports"
)

const (
	DefaultLeaseDuration = 5 * time.Minute
	DefaultTickLimit     = 20
	DefaultMaxDispatch   = 4
)

// SchedulerConfig carries the runtime identity work is leased to and the
// tuning knobs of the queue paths.
type SchedulerConfig struct {
	AgentID       string // executor identity recorded on claims
	AgentName     string
	LeaseDuration time.Duration
	TickLimit     int
	MaxDispatch   int64
}

// Scheduler is the work-order state machine. Every entry point is a
// short-lived call safe to run concurrently with any other, including
// from other processes sharing the store: the only cross-caller
// synchronization is the store's conditional claim primitives.
type Scheduler struct {
	logger     *slog.Logger
	workOrders ports.WorkOrderStore
	operations ports.OperationStore
	stories    ports.StoryStore
	tokens     ports.CompletionTokenStore
	registry   *WorkflowRegistry
	dispatcher ports.AgentDispatcher
	events     *EventBus
	cfg        SchedulerConfig
	sem        *semaphore.Weighted
	now        func() time.Time
}

func NewScheduler(
	logger *slog.Logger,
	workOrders ports.WorkOrderStore,
	operations ports.OperationStore,
	stories ports.StoryStore,
	tokens ports.CompletionTokenStore,
	registry *WorkflowRegistry,
	dispatcher ports.AgentDispatcher,
	events *EventBus,
	cfg SchedulerConfig,
) *Scheduler {
	if cfg.AgentID == "" {
		cfg.AgentID = "forge-kernel"
	}
	if cfg.AgentName == "" {
		cfg.AgentName = cfg.AgentID
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = DefaultLeaseDuration
	}
	if cfg.TickLimit <= 0 {
		cfg.TickLimit = DefaultTickLimit
	}
	if cfg.MaxDispatch <= 0 {
		cfg.MaxDispatch = DefaultMaxDispatch
	}
	return &Scheduler{
		logger:     logger,
		workOrders: workOrders,
		operations: operations,
		stories:    stories,
		tokens:     tokens,
		registry:   registry,
		dispatcher: dispatcher,
		events:     events,
		cfg:        cfg,
		sem:        semaphore.NewWeighted(cfg.MaxDispatch),
		now:        time.Now,
	}
}

// SessionKey derives the deterministic agent session key for an
// operation, so a crashed dispatch can be correlated and replayed.
func (s *Scheduler) SessionKey(workOrderID domain.WorkOrderID, operationID domain.OperationID) string {
	return fmt.Sprintf("agent:%s:wo:%s:op:%s", s.cfg.AgentID, workOrderID, operationID)
}

// StartOptions tunes StartWorkOrder. Force supersedes a live or stale
// claim on the latest operation; it never resurrects a completed run.
type StartOptions struct {
	WorkflowOverride domain.WorkflowID
	Context          domain.Payload
	Force            bool
}

// StartResult identifies the run that was kicked off.
type StartResult struct {
	OperationID domain.OperationID `json:"operation_id"`
	AgentID     string             `json:"agent_id"`
	AgentName   string             `json:"agent_name"`
	SessionKey  string             `json:"session_key"`
	Dispatched  bool               `json:"dispatched"`
}

// StartWorkOrder resolves the work order's workflow, creates its stage-0
// operation and immediately tries to claim and dispatch it. Dispatch
// failure is not an error: the operation stays pending for the next tick.
func (s *Scheduler) StartWorkOrder(ctx context.Context, id domain.WorkOrderID, opts StartOptions) (*StartResult, error) {
	wo, err := s.workOrders.GetWorkOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if wo.Sentinel() {
		return nil, fmt.Errorf("%w: %s", domain.ErrSentinelWorkOrder, wo.Code)
	}
	if wo.Status == domain.WorkOrderStatusCompleted {
		return nil, fmt.Errorf("%w: work order %s already completed", domain.ErrAlreadyRunning, id)
	}

	latest, err := s.operations.LatestOperation(ctx, id)
	if err != nil && !errors.Is(err, domain.ErrOperationNotFound) {
		return nil, err
	}
	if latest != nil && latest.Active() {
		if !opts.Force {
			return nil, fmt.Errorf("%w: operation %s is %s", domain.ErrAlreadyRunning, latest.ID, latest.Status)
		}
		if err := s.supersede(ctx, latest); err != nil {
			return nil, err
		}
	}

	sel, err := s.registry.Select(domain.SelectionInput{
		RequestedWorkflowID: s.requestedWorkflow(wo, opts.WorkflowOverride),
		Title:               wo.Title,
		GoalMD:              wo.GoalMD,
		Tags:                wo.Tags,
		Priority:            wo.Priority,
	})
	if err != nil {
		return nil, err
	}

	cfg, err := s.registry.Get(sel.WorkflowID)
	if err != nil {
		return nil, err
	}

	op, err := s.createStageOperation(ctx, wo, cfg, 0, nil)
	if err != nil {
		return nil, err
	}

	wo.WorkflowID = sel.WorkflowID
	wo.Status = domain.WorkOrderStatusRunning
	wo.UpdatedAt = s.now()
	if err := s.workOrders.UpdateWorkOrder(ctx, wo); err != nil {
		return nil, err
	}

	s.publish(wo.ID, EventWorkOrderStarted, map[string]any{
		"operation_id": op.ID,
		"workflow_id":  sel.WorkflowID,
		"reason":       sel.Reason,
	})
	s.logger.Info("work order started",
		"work_order_id", wo.ID,
		"workflow_id", sel.WorkflowID,
		"selection_reason", sel.Reason,
		"operation_id", op.ID)

	dispatched := s.claimAndDispatch(ctx, op, wo, opts.Context)

	return &StartResult{
		OperationID: op.ID,
		AgentID:     s.cfg.AgentID,
		AgentName:   s.cfg.AgentName,
		SessionKey:  s.SessionKey(wo.ID, op.ID),
		Dispatched:  dispatched,
	}, nil
}

func (s *Scheduler) requestedWorkflow(wo *domain.WorkOrder, override domain.WorkflowID) domain.WorkflowID {
	if override != "" {
		return override
	}
	return wo.WorkflowID
}

// supersede retires a forcibly replaced operation. Claim-holder rules do
// not apply here: force exists precisely to override a dead claim.
func (s *Scheduler) supersede(ctx context.Context, op *domain.Operation) error {
	op.Status = domain.OperationStatusSuperseded
	op.ClaimedBy = nil
	op.ClaimExpiresAt = nil
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		return fmt.Errorf("supersede operation %s: %w", op.ID, err)
	}
	s.logger.Warn("operation superseded by forced restart", "operation_id", op.ID, "work_order_id", op.WorkOrderID)
	return nil
}

// createStageOperation makes the pending operation row for one stage and,
// for loop stages, materializes its stories eagerly. seedOutput is the
// previous stage's completion output, consulted for a story plan when the
// stage config carries no static seeds.
func (s *Scheduler) createStageOperation(ctx context.Context, wo *domain.WorkOrder, cfg *domain.WorkflowConfig, stageIndex int, seedOutput domain.Payload) (*domain.Operation, error) {
	stage := cfg.Stages[stageIndex]
	maxRetries := stage.MaxRetries
	if maxRetries <= 0 {
		maxRetries = domain.DefaultMaxRetries
	}

	now := s.now()
	op := &domain.Operation{
		ID:          domain.OperationID(uuid.NewString()),
		WorkOrderID: wo.ID,
		WorkflowID:  cfg.ID,
		StageIndex:  stageIndex,
		ExecType:    stage.Type,
		MaxRetries:  maxRetries,
		Status:      domain.OperationStatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if stage.Type == domain.ExecTypeLoop {
		seeds := stage.Stories
		if len(seeds) == 0 {
			seeds = storyPlanFromOutput(seedOutput)
		}
		loopCfg, err := json.Marshal(map[string]any{"stories": seeds})
		if err != nil {
			return nil, fmt.Errorf("encode loop config: %w", err)
		}
		op.LoopConfig = loopCfg

		if err := s.operations.CreateOperation(ctx, op); err != nil {
			return nil, err
		}
		if err := s.materializeStories(ctx, op, seeds); err != nil {
			return nil, err
		}
		return op, nil
	}

	if err := s.operations.CreateOperation(ctx, op); err != nil {
		return nil, err
	}
	return op, nil
}

// storyPlanFromOutput extracts {"stories": [...]} from a stage's
// completion output. Anything unparseable is an empty plan, not an error.
func storyPlanFromOutput(output domain.Payload) []domain.StorySeed {
	if len(output) == 0 {
		return nil
	}
	var plan struct {
		Stories []domain.StorySeed `json:"stories"`
	}
	if err := json.Unmarshal(output, &plan); err != nil {
		return nil
	}
	return plan.Stories
}

func (s *Scheduler) materializeStories(ctx context.Context, op *domain.Operation, seeds []domain.StorySeed) error {
	if len(seeds) == 0 {
		return nil
	}
	now := s.now()
	stories := make([]domain.Story, 0, len(seeds))
	for i, seed := range seeds {
		maxRetries := seed.MaxRetries
		if maxRetries <= 0 {
			maxRetries = domain.DefaultMaxRetries
		}
		key := seed.Key
		if key == "" {
			key = fmt.Sprintf("story-%d", i)
		}
		stories = append(stories, domain.Story{
			ID:          domain.StoryID(uuid.NewString()),
			OperationID: op.ID,
			WorkOrderID: op.WorkOrderID,
			StoryIndex:  i,
			StoryKey:    key,
			Title:       seed.Title,
			Description: seed.Description,
			Acceptance:  seed.Acceptance,
			Status:      domain.StoryStatusPending,
			MaxRetries:  maxRetries,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	}
	return s.stories.CreateStories(ctx, stories)
}

// claimAndDispatch runs the lease-then-dispatch sequence for one pending
// operation. It returns whether the work actually reached an agent; every
// failure mode converges on "operation stays pending for the next tick".
func (s *Scheduler) claimAndDispatch(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, extra domain.Payload) bool {
	now := s.now()
	leaseUntil := now.Add(s.cfg.LeaseDuration)

	ok, err := s.operations.ClaimOperation(ctx, op.ID, s.cfg.AgentID, now, leaseUntil)
	if err != nil {
		s.logger.Error("claim failed", "operation_id", op.ID, "error", err)
		return false
	}
	if !ok {
		// Someone else holds a live lease. Not our work anymore.
		return false
	}
	op.Status = domain.OperationStatusClaimed
	op.ClaimedBy = &s.cfg.AgentID
	op.ClaimExpiresAt = &leaseUntil
	op.LastClaimedAt = &now
	s.publish(wo.ID, EventOperationClaimed, map[string]any{"operation_id": op.ID, "executor": s.cfg.AgentID})

	var story *domain.Story
	if op.ExecType == domain.ExecTypeLoop {
		story, err = s.firstOpenStory(ctx, op)
		if err != nil {
			s.logger.Error("story lookup failed", "operation_id", op.ID, "error", err)
			s.releaseClaim(ctx, op)
			return false
		}
		if story != nil && story.Status == domain.StoryStatusFailed {
			// A failed story blocks the loop: nothing after it may start
			// until an operator re-opens it via resume.
			s.logger.Warn("loop blocked by failed story",
				"operation_id", op.ID, "story_id", story.ID, "story_index", story.StoryIndex)
			s.releaseClaim(ctx, op)
			return false
		}
	}

	task := domain.AgentTask{
		WorkOrderID: wo.ID,
		OperationID: op.ID,
		WorkflowID:  op.WorkflowID,
		StageIndex:  op.StageIndex,
		Station:     s.station(op),
		Title:       wo.Title,
		GoalMD:      wo.GoalMD,
		Story:       story,
		Context:     extra,
	}

	sessionKey := s.SessionKey(wo.ID, op.ID)
	result, err := s.dispatcher.Dispatch(ctx, domain.DispatchRequest{
		OperationID: op.ID,
		SessionKey:  sessionKey,
		Task:        task,
		Context:     extra,
	})
	if err != nil {
		s.logger.Warn("dispatch failed, operation stays pending",
			"operation_id", op.ID,
			"session_key", sessionKey,
			"error", err)
		s.releaseClaim(ctx, op)
		return false
	}

	op.Status = domain.OperationStatusRunning
	if story != nil {
		op.CurrentStoryID = &story.ID
	}
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		s.logger.Error("mark running failed", "operation_id", op.ID, "error", err)
		return false
	}
	if story != nil {
		story.Status = domain.StoryStatusRunning
		story.UpdatedAt = s.now()
		if err := s.stories.UpdateStory(ctx, story); err != nil {
			s.logger.Error("mark story running failed", "story_id", story.ID, "error", err)
		}
	}

	s.publish(wo.ID, EventOperationDispatched, map[string]any{
		"operation_id": op.ID,
		"session_key":  result.SessionKey,
		"session_id":   result.SessionID,
	})
	return true
}

// releaseClaim hands a just-claimed operation back to the queue. We hold
// the lease, so the plain update is safe.
func (s *Scheduler) releaseClaim(ctx context.Context, op *domain.Operation) {
	op.Status = domain.OperationStatusPending
	op.ClaimedBy = nil
	op.ClaimExpiresAt = nil
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		// The lease will expire and recovery re-queues it.
		s.logger.Error("release claim failed", "operation_id", op.ID, "error", err)
	}
}

func (s *Scheduler) station(op *domain.Operation) string {
	cfg, err := s.registry.Get(op.WorkflowID)
	if err != nil || op.StageIndex >= len(cfg.Stages) {
		return ""
	}
	return cfg.Stages[op.StageIndex].Station
}

// firstOpenStory returns the lowest-index story that is not done,
// enforcing the strict in-order rule. A failed story at that position
// is returned as-is so callers can refuse to dispatch past it. nil
// means every story is done (or the operation has none).
func (s *Scheduler) firstOpenStory(ctx context.Context, op *domain.Operation) (*domain.Story, error) {
	stories, err := s.stories.ListStories(ctx, op.ID)
	if err != nil {
		return nil, err
	}
	for i := range stories {
		if stories[i].Status != domain.StoryStatusDone {
			return &stories[i], nil
		}
	}
	return nil, nil
}

// TickOptions tunes one queue scan. DryRun reports candidates without
// claiming or dispatching anything.
type TickOptions struct {
	Limit  int
	DryRun bool
}

// TickItem is the per-candidate outcome of a queue tick.
type TickItem struct {
	OperationID domain.OperationID `json:"operation_id"`
	WorkOrderID domain.WorkOrderID `json:"work_order_id"`
	Outcome     string             `json:"outcome"` // eligible, dispatched, claimed, skipped
	Detail      string             `json:"detail,omitempty"`
}

type TickResult struct {
	Scanned    int        `json:"scanned"`
	Claimed    int        `json:"claimed"`
	Dispatched int        `json:"dispatched"`
	Skipped    int        `json:"skipped"`
	Items      []TickItem `json:"items"`
}

// TickQueue scans claimable operations in priority order and tries to
// claim and dispatch each. It never blocks on agents and is idempotent by
// construction: anything it cannot claim it skips.
func (s *Scheduler) TickQueue(ctx context.Context, opts TickOptions) (*TickResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.TickLimit
	}

	candidates, err := s.operations.ListClaimable(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("scan claimable operations: %w", err)
	}

	result := &TickResult{Scanned: len(candidates)}
	if opts.DryRun {
		for _, op := range candidates {
			result.Items = append(result.Items, TickItem{
				OperationID: op.ID,
				WorkOrderID: op.WorkOrderID,
				Outcome:     "eligible",
			})
		}
		return result, nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range candidates {
		op := candidates[i]
		if err := s.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			result.Skipped++
			result.Items = append(result.Items, TickItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Detail: "context canceled"})
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)

			item := s.tickOne(ctx, &op)
			mu.Lock()
			switch item.Outcome {
			case "dispatched":
				result.Claimed++
				result.Dispatched++
			case "claimed":
				result.Claimed++
			default:
				result.Skipped++
			}
			result.Items = append(result.Items, item)
			mu.Unlock()
		}()
	}
	wg.Wait()

	s.logger.Info("queue tick",
		"scanned", result.Scanned,
		"claimed", result.Claimed,
		"dispatched", result.Dispatched,
		"skipped", result.Skipped)
	return result, nil
}

func (s *Scheduler) tickOne(ctx context.Context, op *domain.Operation) TickItem {
	wo, err := s.workOrders.GetWorkOrder(ctx, op.WorkOrderID)
	if err != nil {
		return TickItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Detail: err.Error()}
	}
	if s.claimAndDispatch(ctx, op, wo, nil) {
		return TickItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "dispatched"}
	}
	if op.Status == domain.OperationStatusPending {
		return TickItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Detail: "claim lost or dispatch failed"}
	}
	return TickItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "claimed", Detail: "claimed without dispatch"}
}

// AdvanceResult is what every completion callback gets back. Duplicate
// and out-of-order deliveries are successful no-ops, never errors.
type AdvanceResult struct {
	Success        bool               `json:"success"`
	Duplicate      bool               `json:"duplicate"`
	Noop           bool               `json:"noop"`
	OperationID    domain.OperationID `json:"operation_id"`
	NextStageIndex *int               `json:"next_stage_index,omitempty"`
}

// AdvanceOnCompletion applies an agent's completion report to an
// operation. The completion-token gate runs first: a replayed token
// returns the duplicate no-op without touching any other state.
func (s *Scheduler) AdvanceOnCompletion(ctx context.Context, operationID domain.OperationID, report domain.CompletionReport, token string) (*AdvanceResult, error) {
	if !report.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidStatus, report.Status)
	}
	if token == "" {
		return nil, domain.ErrTokenRequired
	}

	op, err := s.operations.GetOperation(ctx, operationID)
	if err != nil {
		return nil, err
	}

	err = s.tokens.InsertToken(ctx, &domain.CompletionToken{
		Token:       token,
		OperationID: op.ID,
		WorkOrderID: op.WorkOrderID,
		CreatedAt:   s.now(),
	})
	if errors.Is(err, domain.ErrTokenSeen) {
		return &AdvanceResult{Success: true, Duplicate: true, Noop: true, OperationID: op.ID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record completion token: %w", err)
	}

	switch op.Status {
	case domain.OperationStatusRunning, domain.OperationStatusAwaiting:
	default:
		// Out-of-order or late delivery. The token is burned, state is
		// untouched.
		s.logger.Warn("completion for non-running operation absorbed",
			"operation_id", op.ID, "status", op.Status, "report_status", report.Status)
		return &AdvanceResult{Success: true, Duplicate: true, Noop: true, OperationID: op.ID}, nil
	}

	wo, err := s.workOrders.GetWorkOrder(ctx, op.WorkOrderID)
	if err != nil {
		return nil, err
	}

	var res *AdvanceResult
	if report.Status.Success() {
		if op.ExecType == domain.ExecTypeLoop {
			res, err = s.advanceLoop(ctx, op, wo, report)
		} else {
			res, err = s.advanceSingle(ctx, op, wo, report)
		}
	} else {
		res, err = s.retryOrFail(ctx, op, wo, report)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// retryOrFail handles rejected and vetoed verdicts. Single stages burn
// the operation's retry budget; loop stages burn the current story's.
func (s *Scheduler) retryOrFail(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, report domain.CompletionReport) (*AdvanceResult, error) {
	if op.ExecType == domain.ExecTypeLoop {
		story, err := s.currentStory(ctx, op)
		if err != nil {
			return nil, err
		}
		if story != nil {
			story.RetryCount++
			story.UpdatedAt = s.now()
			if story.RetriesExhausted() {
				story.Status = domain.StoryStatusFailed
				if err := s.stories.UpdateStory(ctx, story); err != nil {
					return nil, err
				}
				return s.failOperation(ctx, op, wo, fmt.Sprintf("story %s exhausted retries after %s", story.StoryKey, report.Status))
			}
			story.Status = domain.StoryStatusPending
			if err := s.stories.UpdateStory(ctx, story); err != nil {
				return nil, err
			}
		}
		return s.requeue(ctx, op, wo, report)
	}

	op.RetryCount++
	if op.RetriesExhausted() {
		return s.failOperation(ctx, op, wo, fmt.Sprintf("retry budget exhausted after %s", report.Status))
	}
	return s.requeue(ctx, op, wo, report)
}

// requeue puts the operation back in the queue for another attempt.
func (s *Scheduler) requeue(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, report domain.CompletionReport) (*AdvanceResult, error) {
	op.Status = domain.OperationStatusPending
	op.ClaimedBy = nil
	op.ClaimExpiresAt = nil
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}
	s.publish(wo.ID, EventOperationClaimed, map[string]any{
		"operation_id": op.ID,
		"requeued":     true,
		"verdict":      report.Status,
		"retry_count":  op.RetryCount,
	})
	s.logger.Info("operation re-queued",
		"operation_id", op.ID,
		"verdict", report.Status,
		"retry_count", op.RetryCount,
		"feedback", report.Feedback)
	return &AdvanceResult{Success: true, OperationID: op.ID}, nil
}

// failOperation is the terminal path: the operation fails and the
// failure cascades to its work order. A recorded outcome, not an error.
func (s *Scheduler) failOperation(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, reason string) (*AdvanceResult, error) {
	op.Status = domain.OperationStatusFailed
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}
	wo.Status = domain.WorkOrderStatusFailed
	wo.UpdatedAt = s.now()
	if err := s.workOrders.UpdateWorkOrder(ctx, wo); err != nil {
		return nil, err
	}
	s.publish(wo.ID, EventOperationFailed, map[string]any{"operation_id": op.ID, "reason": reason})
	s.publish(wo.ID, EventWorkOrderFailed, map[string]any{"operation_id": op.ID, "reason": reason})
	s.logger.Warn("operation failed", "operation_id", op.ID, "work_order_id", wo.ID, "reason", reason)
	return &AdvanceResult{Success: true, OperationID: op.ID}, nil
}

// advanceSingle completes a single-type stage and moves the work order to
// its next stage, or closes it.
func (s *Scheduler) advanceSingle(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, report domain.CompletionReport) (*AdvanceResult, error) {
	op.Status = domain.OperationStatusCompleted
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}
	s.publish(wo.ID, EventOperationCompleted, map[string]any{"operation_id": op.ID, "stage_index": op.StageIndex})

	return s.completeStage(ctx, op, wo, report)
}

// advanceLoop applies a successful report to the current story and either
// re-dispatches the next one or completes the stage.
func (s *Scheduler) advanceLoop(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, report domain.CompletionReport) (*AdvanceResult, error) {
	story, err := s.currentStory(ctx, op)
	if err != nil {
		return nil, err
	}
	if story != nil {
		story.Status = domain.StoryStatusDone
		story.Output = report.Output
		story.UpdatedAt = s.now()
		if err := s.stories.UpdateStory(ctx, story); err != nil {
			return nil, err
		}
		s.publish(wo.ID, EventStoryAdvanced, map[string]any{
			"operation_id": op.ID,
			"story_id":     story.ID,
			"story_index":  story.StoryIndex,
		})
	}

	next, err := s.firstOpenStory(ctx, op)
	if err != nil {
		return nil, err
	}
	if next != nil && next.Status == domain.StoryStatusFailed {
		// An earlier failed story still blocks the loop; the operation
		// cannot make progress until it is re-opened.
		return s.failOperation(ctx, op, wo, "blocked by failed story "+string(next.ID))
	}
	if next == nil {
		// Every story done: the stage completes exactly like a single.
		op.Status = domain.OperationStatusCompleted
		op.CurrentStoryID = nil
		op.UpdatedAt = s.now()
		if err := s.operations.UpdateOperation(ctx, op); err != nil {
			return nil, err
		}
		s.publish(wo.ID, EventOperationCompleted, map[string]any{"operation_id": op.ID, "stage_index": op.StageIndex})
		return s.completeStage(ctx, op, wo, report)
	}

	op.Status = domain.OperationStatusPending
	op.ClaimedBy = nil
	op.ClaimExpiresAt = nil
	op.CurrentStoryID = &next.ID
	op.UpdatedAt = s.now()
	if err := s.operations.UpdateOperation(ctx, op); err != nil {
		return nil, err
	}
	s.claimAndDispatch(ctx, op, wo, nil)
	return &AdvanceResult{Success: true, OperationID: op.ID}, nil
}

// completeStage runs the shared tail of both advancement paths: create
// and dispatch the next stage's operation, or close the work order.
func (s *Scheduler) completeStage(ctx context.Context, op *domain.Operation, wo *domain.WorkOrder, report domain.CompletionReport) (*AdvanceResult, error) {
	cfg, err := s.registry.Get(op.WorkflowID)
	if err != nil {
		return nil, err
	}

	nextIndex := op.StageIndex + 1
	if nextIndex >= len(cfg.Stages) {
		wo.Status = domain.WorkOrderStatusCompleted
		wo.UpdatedAt = s.now()
		if err := s.workOrders.UpdateWorkOrder(ctx, wo); err != nil {
			return nil, err
		}
		s.publish(wo.ID, EventWorkOrderCompleted, map[string]any{"operation_id": op.ID})
		s.logger.Info("work order completed", "work_order_id", wo.ID)
		return &AdvanceResult{Success: true, OperationID: op.ID}, nil
	}

	next, err := s.createStageOperation(ctx, wo, cfg, nextIndex, report.Output)
	if err != nil {
		return nil, err
	}
	s.claimAndDispatch(ctx, next, wo, nil)
	s.logger.Info("stage advanced",
		"work_order_id", wo.ID,
		"completed_operation_id", op.ID,
		"next_operation_id", next.ID,
		"next_stage_index", nextIndex)
	return &AdvanceResult{Success: true, OperationID: op.ID, NextStageIndex: &nextIndex}, nil
}

// currentStory resolves the story an in-flight loop report refers to:
// the recorded current story, else the first not-yet-done one.
func (s *Scheduler) currentStory(ctx context.Context, op *domain.Operation) (*domain.Story, error) {
	if op.CurrentStoryID != nil {
		story, err := s.stories.GetStory(ctx, *op.CurrentStoryID)
		if err != nil && !errors.Is(err, domain.ErrStoryNotFound) {
			return nil, err
		}
		if story != nil {
			return story, nil
		}
	}
	return s.firstOpenStory(ctx, op)
}

// ResumeOptions annotates a manual resume.
type ResumeOptions struct {
	Reason string
}

// ResumeWorkOrder restarts a blocked or failed work order after manual
// intervention: the latest operation is re-queued when its budget allows,
// otherwise a fresh operation is created for the stage that never
// completed. Returns nil when nothing is eligible.
func (s *Scheduler) ResumeWorkOrder(ctx context.Context, id domain.WorkOrderID, opts ResumeOptions) (*StartResult, error) {
	wo, err := s.workOrders.GetWorkOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	switch wo.Status {
	case domain.WorkOrderStatusBlocked, domain.WorkOrderStatusFailed:
	default:
		return nil, nil
	}

	latest, err := s.operations.LatestOperation(ctx, id)
	if errors.Is(err, domain.ErrOperationNotFound) {
		return s.StartWorkOrder(ctx, id, StartOptions{})
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("resuming work order",
		"work_order_id", id,
		"latest_operation_id", latest.ID,
		"latest_status", latest.Status,
		"reason", opts.Reason)

	switch {
	case latest.Status == domain.OperationStatusPending, latest.Status == domain.OperationStatusStale:
		if err := s.markRunning(ctx, wo); err != nil {
			return nil, err
		}
		dispatched := s.claimAndDispatch(ctx, latest, wo, nil)
		return s.startResult(wo, latest, dispatched), nil

	case latest.Active():
		// Claimed or running elsewhere; recovery, not resume, owns it.
		return nil, nil

	case latest.Status == domain.OperationStatusFailed && !latest.RetriesExhausted():
		if err := s.reopenBlockedStory(ctx, latest); err != nil {
			return nil, err
		}
		latest.Status = domain.OperationStatusPending
		latest.ClaimedBy = nil
		latest.ClaimExpiresAt = nil
		latest.UpdatedAt = s.now()
		if err := s.operations.UpdateOperation(ctx, latest); err != nil {
			return nil, err
		}
		if err := s.markRunning(ctx, wo); err != nil {
			return nil, err
		}
		dispatched := s.claimAndDispatch(ctx, latest, wo, nil)
		return s.startResult(wo, latest, dispatched), nil

	default:
		// Budget exhausted or superseded: fresh operation for the stage
		// that never completed, or the one after a completed stage.
		cfg, err := s.registry.Get(latest.WorkflowID)
		if err != nil {
			return nil, err
		}
		stageIndex := latest.StageIndex
		if latest.Status == domain.OperationStatusCompleted {
			stageIndex++
		}
		if stageIndex >= len(cfg.Stages) {
			return nil, nil
		}
		next, err := s.createStageOperation(ctx, wo, cfg, stageIndex, nil)
		if err != nil {
			return nil, err
		}
		if err := s.markRunning(ctx, wo); err != nil {
			return nil, err
		}
		dispatched := s.claimAndDispatch(ctx, next, wo, nil)
		return s.startResult(wo, next, dispatched), nil
	}
}

// reopenBlockedStory resets a loop operation's blocking failed story to
// pending with a fresh retry budget. Resuming grants the operator's
// go-ahead; without this the requeued operation would stall on (or skip
// past) the story that sank it.
func (s *Scheduler) reopenBlockedStory(ctx context.Context, op *domain.Operation) error {
	if op.ExecType != domain.ExecTypeLoop {
		return nil
	}
	story, err := s.firstOpenStory(ctx, op)
	if err != nil {
		return err
	}
	if story == nil || story.Status != domain.StoryStatusFailed {
		return nil
	}
	story.Status = domain.StoryStatusPending
	story.RetryCount = 0
	story.UpdatedAt = s.now()
	if err := s.stories.UpdateStory(ctx, story); err != nil {
		return err
	}
	s.logger.Info("reopened failed story for resume",
		"operation_id", op.ID, "story_id", story.ID, "story_index", story.StoryIndex)
	return nil
}

func (s *Scheduler) markRunning(ctx context.Context, wo *domain.WorkOrder) error {
	wo.Status = domain.WorkOrderStatusRunning
	wo.UpdatedAt = s.now()
	return s.workOrders.UpdateWorkOrder(ctx, wo)
}

func (s *Scheduler) startResult(wo *domain.WorkOrder, op *domain.Operation, dispatched bool) *StartResult {
	return &StartResult{
		OperationID: op.ID,
		AgentID:     s.cfg.AgentID,
		AgentName:   s.cfg.AgentName,
		SessionKey:  s.SessionKey(wo.ID, op.ID),
		Dispatched:  dispatched,
	}
}

// RecoverOptions tunes one stale-claim sweep.
type RecoverOptions struct {
	Limit        int
	AutoDispatch bool
}

// RecoverItem is the per-operation outcome of a recovery sweep.
type RecoverItem struct {
	OperationID domain.OperationID `json:"operation_id"`
	WorkOrderID domain.WorkOrderID `json:"work_order_id"`
	Outcome     string             `json:"outcome"` // recovered, failed, skipped
	Reason      string             `json:"reason,omitempty"`
}

type RecoverResult struct {
	Scanned   int           `json:"scanned"`
	Recovered int           `json:"recovered"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Items     []RecoverItem `json:"items"`
}

// RecoverStaleOperations is the only self-healing path for executor
// crashes: expired claims are re-queued within budget, failed beyond it.
// Every mutation re-checks expiry inside the store's conditional UPDATE,
// so concurrent sweeps cannot double-fire.
func (s *Scheduler) RecoverStaleOperations(ctx context.Context, opts RecoverOptions) (*RecoverResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = s.cfg.TickLimit
	}
	now := s.now()

	expired, err := s.operations.ListExpired(ctx, now, limit)
	if err != nil {
		return nil, fmt.Errorf("scan expired claims: %w", err)
	}

	result := &RecoverResult{Scanned: len(expired)}
	for i := range expired {
		op := expired[i]

		// Stamp the lapsed claim stale before deciding its fate, so a
		// sweep interrupted mid-item leaves a visible state a later
		// sweep picks back up. Rows already stale were stamped by such
		// an interrupted sweep.
		if op.Status != domain.OperationStatusStale {
			ok, err := s.operations.MarkStale(ctx, op.ID, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				result.Skipped++
				result.Items = append(result.Items, RecoverItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Reason: "claim refreshed"})
				continue
			}
			op.Status = domain.OperationStatusStale
		}

		if op.RetryCount >= op.MaxRetries {
			ok, err := s.operations.FailExpired(ctx, op.ID, now)
			if err != nil {
				return nil, err
			}
			if !ok {
				result.Skipped++
				result.Items = append(result.Items, RecoverItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Reason: "claim refreshed"})
				continue
			}
			wo, err := s.workOrders.GetWorkOrder(ctx, op.WorkOrderID)
			if err == nil {
				wo.Status = domain.WorkOrderStatusFailed
				wo.UpdatedAt = s.now()
				if err := s.workOrders.UpdateWorkOrder(ctx, wo); err != nil {
					s.logger.Error("cascade failure failed", "work_order_id", wo.ID, "error", err)
				}
				s.publish(wo.ID, EventWorkOrderFailed, map[string]any{"operation_id": op.ID, "reason": "stale claim, retry budget exhausted"})
			} else {
				s.logger.Error("cascade failure skipped, work order lookup failed",
					"work_order_id", op.WorkOrderID, "operation_id", op.ID, "error", err)
			}
			result.Failed++
			result.Items = append(result.Items, RecoverItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "failed", Reason: "retry budget exhausted"})
			s.logger.Warn("stale operation failed", "operation_id", op.ID, "timeout_count", op.TimeoutCount+1)
			continue
		}

		ok, err := s.operations.RecoverExpired(ctx, op.ID, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			result.Skipped++
			result.Items = append(result.Items, RecoverItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "skipped", Reason: "claim refreshed"})
			continue
		}
		result.Recovered++
		result.Items = append(result.Items, RecoverItem{OperationID: op.ID, WorkOrderID: op.WorkOrderID, Outcome: "recovered", Reason: "claim expired"})
		s.publish(op.WorkOrderID, EventOperationRecovered, map[string]any{"operation_id": op.ID, "timeout_count": op.TimeoutCount + 1})
		s.logger.Info("stale operation recovered", "operation_id", op.ID, "claimed_by", derefStr(op.ClaimedBy))

		if opts.AutoDispatch {
			if fresh, err := s.operations.GetOperation(ctx, op.ID); err == nil {
				if wo, err := s.workOrders.GetWorkOrder(ctx, op.WorkOrderID); err == nil {
					s.claimAndDispatch(ctx, fresh, wo, nil)
				}
			}
		}
	}
	return result, nil
}

func (s *Scheduler) publish(workOrderID domain.WorkOrderID, typ EventType, data map[string]any) {
	if s.events == nil {
		return
	}
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte("{}")
	}
	s.events.Publish(Event{
		WorkOrderID: string(workOrderID),
		Type:        typ,
		Data:        string(payload),
		Timestamp:   s.now().UnixMilli(),
	})
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
