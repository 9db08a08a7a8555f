package services

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

// memStore is an in-memory stand-in for the four DuckDB-backed stores,
// reproducing the conditional claim semantics the scheduler relies on.
type memStore struct {
	mu         sync.Mutex
	workOrders map[domain.WorkOrderID]*domain.WorkOrder
	operations map[domain.OperationID]*domain.Operation
	opOrder    []domain.OperationID
	stories    map[domain.StoryID]*domain.Story
	tokens     map[string]*domain.CompletionToken
}

func newMemStore() *memStore {
	return &memStore{
		workOrders: make(map[domain.WorkOrderID]*domain.WorkOrder),
		operations: make(map[domain.OperationID]*domain.Operation),
		stories:    make(map[domain.StoryID]*domain.Story),
		tokens:     make(map[string]*domain.CompletionToken),
	}
}

func (m *memStore) CreateWorkOrder(_ context.Context, wo *domain.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wo
	m.workOrders[wo.ID] = &cp
	return nil
}

func (m *memStore) GetWorkOrder(_ context.Context, id domain.WorkOrderID) (*domain.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wo, ok := m.workOrders[id]
	if !ok {
		return nil, domain.ErrWorkOrderNotFound
	}
	cp := *wo
	return &cp, nil
}

func (m *memStore) ListWorkOrders(_ context.Context, limit int) ([]domain.WorkOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.WorkOrder, 0, len(m.workOrders))
	for _, wo := range m.workOrders {
		out = append(out, *wo)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) UpdateWorkOrder(_ context.Context, wo *domain.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workOrders[wo.ID]; !ok {
		return domain.ErrWorkOrderNotFound
	}
	cp := *wo
	m.workOrders[wo.ID] = &cp
	return nil
}

func (m *memStore) CreateOperation(_ context.Context, op *domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *op
	m.operations[op.ID] = &cp
	m.opOrder = append(m.opOrder, op.ID)
	return nil
}

func (m *memStore) GetOperation(_ context.Context, id domain.OperationID) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return nil, domain.ErrOperationNotFound
	}
	cp := *op
	return &cp, nil
}

func (m *memStore) LatestOperation(_ context.Context, workOrderID domain.WorkOrderID) (*domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.opOrder) - 1; i >= 0; i-- {
		op := m.operations[m.opOrder[i]]
		if op.WorkOrderID == workOrderID {
			cp := *op
			return &cp, nil
		}
	}
	return nil, domain.ErrOperationNotFound
}

func (m *memStore) ListOperations(_ context.Context, workOrderID domain.WorkOrderID) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, id := range m.opOrder {
		if op := m.operations[id]; op.WorkOrderID == workOrderID {
			out = append(out, *op)
		}
	}
	return out, nil
}

func (m *memStore) ListClaimable(_ context.Context, limit int) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, id := range m.opOrder {
		op := m.operations[id]
		if op.Status == domain.OperationStatusPending || op.Status == domain.OperationStatusStale {
			out = append(out, *op)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi := m.workOrders[out[i].WorkOrderID].Priority.Rank()
		pj := m.workOrders[out[j].WorkOrderID].Priority.Rank()
		if pi != pj {
			return pi < pj
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ListExpired(_ context.Context, now time.Time, limit int) ([]domain.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Operation
	for _, id := range m.opOrder {
		op := m.operations[id]
		if (op.Status == domain.OperationStatusClaimed || op.Status == domain.OperationStatusRunning || op.Status == domain.OperationStatusStale) &&
			op.ClaimExpiresAt != nil && op.ClaimExpiresAt.Before(now) {
			out = append(out, *op)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) ClaimOperation(_ context.Context, id domain.OperationID, executor string, now, leaseUntil time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return false, nil
	}
	if op.Status != domain.OperationStatusPending && op.Status != domain.OperationStatusStale {
		return false, nil
	}
	if op.ClaimedBy != nil && op.ClaimExpiresAt != nil && !op.ClaimExpiresAt.Before(now) {
		return false, nil
	}
	op.Status = domain.OperationStatusClaimed
	op.ClaimedBy = &executor
	op.ClaimExpiresAt = &leaseUntil
	op.LastClaimedAt = &now
	op.UpdatedAt = now
	return true, nil
}

func (m *memStore) MarkStale(_ context.Context, id domain.OperationID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return false, nil
	}
	if op.Status != domain.OperationStatusClaimed && op.Status != domain.OperationStatusRunning {
		return false, nil
	}
	if op.ClaimExpiresAt == nil || !op.ClaimExpiresAt.Before(now) {
		return false, nil
	}
	op.Status = domain.OperationStatusStale
	op.UpdatedAt = now
	return true, nil
}

func (m *memStore) RecoverExpired(_ context.Context, id domain.OperationID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return false, nil
	}
	if op.Status != domain.OperationStatusClaimed && op.Status != domain.OperationStatusRunning && op.Status != domain.OperationStatusStale {
		return false, nil
	}
	if op.ClaimExpiresAt == nil || !op.ClaimExpiresAt.Before(now) {
		return false, nil
	}
	op.Status = domain.OperationStatusPending
	op.ClaimedBy = nil
	op.ClaimExpiresAt = nil
	op.TimeoutCount++
	op.UpdatedAt = now
	return true, nil
}

func (m *memStore) FailExpired(_ context.Context, id domain.OperationID, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return false, nil
	}
	if op.Status != domain.OperationStatusClaimed && op.Status != domain.OperationStatusRunning && op.Status != domain.OperationStatusStale {
		return false, nil
	}
	if op.ClaimExpiresAt == nil || !op.ClaimExpiresAt.Before(now) {
		return false, nil
	}
	op.Status = domain.OperationStatusFailed
	op.TimeoutCount++
	op.UpdatedAt = now
	return true, nil
}

func (m *memStore) UpdateOperation(_ context.Context, op *domain.Operation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.operations[op.ID]; !ok {
		return domain.ErrOperationNotFound
	}
	cp := *op
	m.operations[op.ID] = &cp
	return nil
}

func (m *memStore) CreateStories(_ context.Context, stories []domain.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range stories {
		cp := stories[i]
		m.stories[cp.ID] = &cp
	}
	return nil
}

func (m *memStore) GetStory(_ context.Context, id domain.StoryID) (*domain.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stories[id]
	if !ok {
		return nil, domain.ErrStoryNotFound
	}
	cp := *st
	return &cp, nil
}

func (m *memStore) ListStories(_ context.Context, operationID domain.OperationID) ([]domain.Story, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Story
	for _, st := range m.stories {
		if st.OperationID == operationID {
			out = append(out, *st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StoryIndex < out[j].StoryIndex })
	return out, nil
}

func (m *memStore) UpdateStory(_ context.Context, story *domain.Story) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stories[story.ID]; !ok {
		return domain.ErrStoryNotFound
	}
	cp := *story
	m.stories[story.ID] = &cp
	return nil
}

func (m *memStore) InsertToken(_ context.Context, tok *domain.CompletionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tokens[tok.Token]; ok {
		return domain.ErrTokenSeen
	}
	cp := *tok
	m.tokens[tok.Token] = &cp
	return nil
}

func (m *memStore) GetToken(_ context.Context, token string) (*domain.CompletionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[token]
	if !ok {
		return nil, domain.ErrTokenNotFound
	}
	cp := *tok
	return &cp, nil
}

type mockDispatcher struct {
	mock.Mock
}

func (m *mockDispatcher) Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(domain.DispatchResult), args.Error(1)
}

const schedulerWorkflowsYAML = `version: "1"
workflows:
  - id: single_flow
    stages:
      - type: single
        station: operator
  - id: double_flow
    stages:
      - type: single
        station: planner
      - type: single
        station: reviewer
  - id: loop_flow
    stages:
      - type: loop
        station: engineer
        stories:
          - key: s-auth
            title: Implement auth
          - key: s-api
            title: Implement api
default: single_flow
`

func newTestScheduler(t *testing.T) (*Scheduler, *memStore, *mockDispatcher) {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := newMemStore()
	dispatcher := &mockDispatcher{}
	registry := NewWorkflowRegistry(logger, writeWorkflowsFile(t, schedulerWorkflowsYAML))
	events := NewEventBus(logger)
	sched := NewScheduler(logger, store, store, store, store, registry, dispatcher, events, SchedulerConfig{
		AgentID:   "forge-test",
		AgentName: "forge test agent",
	})
	return sched, store, dispatcher
}

func seedWorkOrder(t *testing.T, store *memStore, wo domain.WorkOrder) domain.WorkOrderID {
	t.Helper()
	if wo.ID == "" {
		wo.ID = "wo-1"
	}
	if wo.Priority == "" {
		wo.Priority = domain.PriorityP1
	}
	if wo.Status == "" {
		wo.Status = domain.WorkOrderStatusCreated
	}
	wo.CreatedAt = time.Now()
	wo.UpdatedAt = wo.CreatedAt
	require.NoError(t, store.CreateWorkOrder(context.Background(), &wo))
	return wo.ID
}

func TestStartWorkOrder_DispatchesStageZero(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "rotate keys", WorkflowID: "single_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.MatchedBy(func(req domain.DispatchRequest) bool {
		return req.Task.Station == "operator" && req.Task.StageIndex == 0
	})).Return(domain.DispatchResult{SessionKey: "sk", SessionID: "sess-1"}, nil).Once()

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)
	assert.True(t, res.Dispatched)
	assert.Equal(t, "forge-test", res.AgentID)
	assert.Equal(t, "agent:forge-test:wo:wo-1:op:"+string(res.OperationID), res.SessionKey)

	op, err := store.GetOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRunning, op.Status)
	require.NotNil(t, op.ClaimedBy)
	assert.Equal(t, "forge-test", *op.ClaimedBy)
	assert.NotNil(t, op.ClaimExpiresAt)

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusRunning, wo.Status)
	dispatcher.AssertExpectations(t)
}

func TestStartWorkOrder_SentinelRejected(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	id := seedWorkOrder(t, store, domain.WorkOrder{Code: domain.CodeSystem, Title: "system"})

	_, err := sched.StartWorkOrder(context.Background(), id, StartOptions{})
	assert.ErrorIs(t, err, domain.ErrSentinelWorkOrder)
}

func TestStartWorkOrder_UnknownExplicitWorkflow(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x"})

	_, err := sched.StartWorkOrder(context.Background(), id, StartOptions{WorkflowOverride: "no_such_flow"})
	assert.ErrorIs(t, err, domain.ErrUnknownWorkflow)
}

func TestStartWorkOrder_NotFound(t *testing.T) {
	sched, _, _ := newTestScheduler(t)
	_, err := sched.StartWorkOrder(context.Background(), "ghost", StartOptions{})
	assert.ErrorIs(t, err, domain.ErrWorkOrderNotFound)
}

func TestStartWorkOrder_SecondStartRejectedUnlessForced(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "single_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	first, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	_, err = sched.StartWorkOrder(ctx, id, StartOptions{})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)

	forced, err := sched.StartWorkOrder(ctx, id, StartOptions{Force: true})
	require.NoError(t, err)
	assert.NotEqual(t, first.OperationID, forced.OperationID)

	old, err := store.GetOperation(ctx, first.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusSuperseded, old.Status)
}

func TestStartWorkOrder_CompletedNeverResurrected(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusCompleted})

	_, err := sched.StartWorkOrder(context.Background(), id, StartOptions{Force: true})
	assert.ErrorIs(t, err, domain.ErrAlreadyRunning)
}

func TestStartWorkOrder_DispatchFailureLeavesPending(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "single_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, assert.AnError).Once()

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)
	assert.False(t, res.Dispatched)

	op, err := store.GetOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	assert.Nil(t, op.ClaimedBy)
}

func TestAdvance_SingleStageChainToCompletion(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "double_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	adv, err := sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionApproved}, "tok-1")
	require.NoError(t, err)
	assert.True(t, adv.Success)
	assert.False(t, adv.Duplicate)
	require.NotNil(t, adv.NextStageIndex)
	assert.Equal(t, 1, *adv.NextStageIndex)

	next, err := store.LatestOperation(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, next.StageIndex)
	assert.Equal(t, domain.OperationStatusRunning, next.Status)

	adv2, err := sched.AdvanceOnCompletion(ctx, next.ID, domain.CompletionReport{Status: domain.CompletionCompleted}, "tok-2")
	require.NoError(t, err)
	assert.True(t, adv2.Success)
	assert.Nil(t, adv2.NextStageIndex)

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusCompleted, wo.Status)
}

func TestAdvance_DuplicateTokenIsNoop(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "single_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	_, err = sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionCompleted}, "tok-dup")
	require.NoError(t, err)

	adv, err := sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionCompleted}, "tok-dup")
	require.NoError(t, err)
	assert.True(t, adv.Success)
	assert.True(t, adv.Duplicate)
	assert.True(t, adv.Noop)
}

func TestAdvance_OutOfOrderDeliveryAbsorbed(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x"})

	op := domain.Operation{
		ID:          "op-pending",
		WorkOrderID: "wo-1",
		WorkflowID:  "single_flow",
		ExecType:    domain.ExecTypeSingle,
		MaxRetries:  domain.DefaultMaxRetries,
		Status:      domain.OperationStatusPending,
	}
	require.NoError(t, store.CreateOperation(ctx, &op))

	adv, err := sched.AdvanceOnCompletion(ctx, op.ID, domain.CompletionReport{Status: domain.CompletionApproved}, "tok-late")
	require.NoError(t, err)
	assert.True(t, adv.Noop)

	got, err := store.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, got.Status)
}

func TestAdvance_InvalidStatusIsHardError(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	_, err := sched.AdvanceOnCompletion(context.Background(), "op-x", domain.CompletionReport{Status: "paused"}, "tok")
	assert.ErrorIs(t, err, domain.ErrInvalidStatus)
}

func TestAdvance_MissingTokenRejected(t *testing.T) {
	sched, _, _ := newTestScheduler(t)

	_, err := sched.AdvanceOnCompletion(context.Background(), "op-x", domain.CompletionReport{Status: domain.CompletionApproved}, "")
	assert.ErrorIs(t, err, domain.ErrTokenRequired)
}

func TestAdvance_RejectedBurnsRetryBudgetThenFails(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "single_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	opID := res.OperationID
	// Default budget allows two retries; the third rejection is terminal.
	for i := 0; i < 2; i++ {
		adv, err := sched.AdvanceOnCompletion(ctx, opID, domain.CompletionReport{Status: domain.CompletionRejected, Feedback: "not good"}, "tok-r"+string(rune('0'+i)))
		require.NoError(t, err)
		assert.True(t, adv.Success)

		op, err := store.GetOperation(ctx, opID)
		require.NoError(t, err)
		assert.Equal(t, domain.OperationStatusPending, op.Status)
		assert.Equal(t, i+1, op.RetryCount)

		// Re-dispatch for the next round.
		_, err = sched.TickQueue(ctx, TickOptions{})
		require.NoError(t, err)
	}

	adv, err := sched.AdvanceOnCompletion(ctx, opID, domain.CompletionReport{Status: domain.CompletionVetoed}, "tok-final")
	require.NoError(t, err)
	assert.True(t, adv.Success)

	op, err := store.GetOperation(ctx, opID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, op.Status)

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusFailed, wo.Status)
}

func TestAdvance_LoopStoriesRunInOrder(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "loop_flow"})

	var dispatchedStories []string
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		req := args.Get(1).(domain.DispatchRequest)
		if req.Task.Story != nil {
			dispatchedStories = append(dispatchedStories, req.Task.Story.StoryKey)
		}
	}).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	stories, err := store.ListStories(ctx, res.OperationID)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	assert.Equal(t, domain.StoryStatusRunning, stories[0].Status)
	assert.Equal(t, domain.StoryStatusPending, stories[1].Status)

	adv, err := sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{
		Status: domain.CompletionCompleted,
		Output: domain.Payload(`{"diff":"..."}`),
	}, "tok-s0")
	require.NoError(t, err)
	assert.True(t, adv.Success)
	assert.Nil(t, adv.NextStageIndex)

	stories, err = store.ListStories(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusDone, stories[0].Status)
	assert.JSONEq(t, `{"diff":"..."}`, string(stories[0].Output))
	assert.Equal(t, domain.StoryStatusRunning, stories[1].Status)

	_, err = sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionCompleted}, "tok-s1")
	require.NoError(t, err)

	op, err := store.GetOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusCompleted, op.Status)

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusCompleted, wo.Status)

	assert.Equal(t, []string{"s-auth", "s-api"}, dispatchedStories)
}

func TestAdvance_FailedStoryExhaustingRetriesFailsOperation(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "loop_flow"})

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionRejected}, "tok-f"+string(rune('0'+i)))
		require.NoError(t, err)
		_, err = sched.TickQueue(ctx, TickOptions{})
		require.NoError(t, err)
	}

	_, err = sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionRejected}, "tok-f-final")
	require.NoError(t, err)

	stories, err := store.ListStories(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusFailed, stories[0].Status)
	// The story behind the failed one is never started.
	assert.Equal(t, domain.StoryStatusPending, stories[1].Status)

	op, err := store.GetOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, op.Status)

	wo, err := store.GetWorkOrder(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusFailed, wo.Status)
}

func TestResumeWorkOrder_ReopensFailedStoryBeforeRequeue(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	id := seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "loop_flow"})

	var dispatchedStories []string
	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		req := args.Get(1).(domain.DispatchRequest)
		if req.Task.Story != nil {
			dispatchedStories = append(dispatchedStories, req.Task.Story.StoryKey)
		}
	}).Return(domain.DispatchResult{}, nil)

	res, err := sched.StartWorkOrder(ctx, id, StartOptions{})
	require.NoError(t, err)

	// Burn story 0's retry budget until the operation fails.
	for i := 0; i < 2; i++ {
		_, err := sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionRejected}, "tok-r"+string(rune('0'+i)))
		require.NoError(t, err)
		_, err = sched.TickQueue(ctx, TickOptions{})
		require.NoError(t, err)
	}
	_, err = sched.AdvanceOnCompletion(ctx, res.OperationID, domain.CompletionReport{Status: domain.CompletionRejected}, "tok-r-final")
	require.NoError(t, err)

	resume, err := sched.ResumeWorkOrder(ctx, id, ResumeOptions{Reason: "operator go-ahead"})
	require.NoError(t, err)
	require.NotNil(t, resume)
	assert.True(t, resume.Dispatched)

	// The resume re-opens the story that sank the operation; story 1
	// must not start while story 0 is not done.
	stories, err := store.ListStories(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusRunning, stories[0].Status)
	assert.Zero(t, stories[0].RetryCount)
	assert.Equal(t, domain.StoryStatusPending, stories[1].Status)

	assert.NotContains(t, dispatchedStories, "s-api")
	assert.Equal(t, "s-auth", dispatchedStories[len(dispatchedStories)-1])
}

func TestTickQueue_SkipsLoopBlockedByFailedStory(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "loop_flow"})
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-blocked", WorkOrderID: "wo-1", WorkflowID: "loop_flow",
		ExecType: domain.ExecTypeLoop, Status: domain.OperationStatusPending,
		MaxRetries: domain.DefaultMaxRetries,
	}))
	require.NoError(t, store.CreateStories(ctx, []domain.Story{
		{ID: "st-0", OperationID: "op-blocked", WorkOrderID: "wo-1", StoryIndex: 0, StoryKey: "s-auth", Status: domain.StoryStatusFailed},
		{ID: "st-1", OperationID: "op-blocked", WorkOrderID: "wo-1", StoryIndex: 1, StoryKey: "s-api", Status: domain.StoryStatusPending},
	}))

	res, err := sched.TickQueue(ctx, TickOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Dispatched)

	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)

	op, err := store.GetOperation(ctx, "op-blocked")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	assert.Nil(t, op.ClaimedBy)

	stories, err := store.ListStories(ctx, "op-blocked")
	require.NoError(t, err)
	assert.Equal(t, domain.StoryStatusPending, stories[1].Status)
}

func TestTickQueue_DryRunClaimsNothing(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x"})
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-1", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, Status: domain.OperationStatusPending,
	}))

	res, err := sched.TickQueue(ctx, TickOptions{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Claimed)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "eligible", res.Items[0].Outcome)

	op, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	dispatcher.AssertNotCalled(t, "Dispatch", mock.Anything, mock.Anything)
}

func TestTickQueue_PriorityOrder(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{ID: "wo-low", Title: "low", Priority: domain.PriorityP2})
	seedWorkOrder(t, store, domain.WorkOrder{ID: "wo-high", Title: "high", Priority: domain.PriorityP0})

	base := time.Now()
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-low", WorkOrderID: "wo-low", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, Status: domain.OperationStatusPending, CreatedAt: base,
	}))
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-high", WorkOrderID: "wo-high", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, Status: domain.OperationStatusPending, CreatedAt: base.Add(time.Second),
	}))

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil)

	res, err := sched.TickQueue(ctx, TickOptions{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Dispatched)
	assert.Equal(t, domain.OperationID("op-high"), res.Items[0].OperationID)
}

func TestTickQueue_ConcurrentTicksClaimOnce(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	store := newMemStore()
	registry := NewWorkflowRegistry(logger, writeWorkflowsFile(t, schedulerWorkflowsYAML))
	cfg := SchedulerConfig{AgentID: "forge-test", AgentName: "forge test agent"}

	// Two scheduler instances against one store, like two kernel
	// processes racing for the same pending operation.
	var calls atomic.Int32
	dispatchers := [2]*mockDispatcher{{}, {}}
	scheds := [2]*Scheduler{}
	for i := range dispatchers {
		dispatchers[i].On("Dispatch", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
			calls.Add(1)
		}).Return(domain.DispatchResult{}, nil)
		scheds[i] = NewScheduler(logger, store, store, store, store, registry, dispatchers[i], NewEventBus(logger), cfg)
	}

	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x"})
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-1", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, Status: domain.OperationStatusPending,
	}))

	var wg sync.WaitGroup
	results := [2]*TickResult{}
	for i := range scheds {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := scheds[i].TickQueue(ctx, TickOptions{})
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	// Exactly one tick wins the conditional claim.
	assert.Equal(t, 1, results[0].Dispatched+results[1].Dispatched)
	assert.Equal(t, int32(1), calls.Load())

	op, err := store.GetOperation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRunning, op.Status)
	require.NotNil(t, op.ClaimedBy)
	assert.Equal(t, "forge-test", *op.ClaimedBy)
}

func TestRecoverStale_RequeuesWithinBudget(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusRunning})

	executor := "dead-agent"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-stale", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, MaxRetries: domain.DefaultMaxRetries,
		Status: domain.OperationStatusRunning, ClaimedBy: &executor, ClaimExpiresAt: &expired,
	}))

	res, err := sched.RecoverStaleOperations(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Recovered)
	assert.Equal(t, 0, res.Failed)

	op, err := store.GetOperation(ctx, "op-stale")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	assert.Nil(t, op.ClaimedBy)
	assert.Equal(t, 1, op.TimeoutCount)

	// A second sweep finds nothing: the mutation re-checks expiry.
	res, err = sched.RecoverStaleOperations(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Scanned)
}

func TestRecoverStale_ExhaustedBudgetFailsWorkOrder(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusRunning})

	executor := "dead-agent"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-exhausted", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, RetryCount: 2, MaxRetries: 2,
		Status: domain.OperationStatusClaimed, ClaimedBy: &executor, ClaimExpiresAt: &expired,
	}))

	res, err := sched.RecoverStaleOperations(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	op, err := store.GetOperation(ctx, "op-exhausted")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, op.Status)

	wo, err := store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusFailed, wo.Status)
}

func TestRecoverStale_ResumesInterruptedSweep(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusRunning})

	// A sweep that crashed between stamping and recovering leaves the
	// row stale with its claim columns intact.
	executor := "dead-agent"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-interrupted", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, MaxRetries: domain.DefaultMaxRetries,
		Status: domain.OperationStatusStale, ClaimedBy: &executor, ClaimExpiresAt: &expired,
	}))

	res, err := sched.RecoverStaleOperations(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Recovered)

	op, err := store.GetOperation(ctx, "op-interrupted")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusPending, op.Status)
	assert.Nil(t, op.ClaimedBy)
	assert.Equal(t, 1, op.TimeoutCount)
}

func TestRecoverStale_MissingWorkOrderStillFailsOperation(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logs, nil))
	store := newMemStore()
	registry := NewWorkflowRegistry(logger, writeWorkflowsFile(t, schedulerWorkflowsYAML))
	sched := NewScheduler(logger, store, store, store, store, registry, &mockDispatcher{}, NewEventBus(logger), SchedulerConfig{
		AgentID:   "forge-test",
		AgentName: "forge test agent",
	})

	ctx := context.Background()
	executor := "dead-agent"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-orphan", WorkOrderID: "wo-ghost", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, RetryCount: 2, MaxRetries: 2,
		Status: domain.OperationStatusClaimed, ClaimedBy: &executor, ClaimExpiresAt: &expired,
	}))

	res, err := sched.RecoverStaleOperations(ctx, RecoverOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)

	op, err := store.GetOperation(ctx, "op-orphan")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusFailed, op.Status)

	// The dangling work-order lookup is logged, not swallowed.
	assert.True(t, strings.Contains(logs.String(), "cascade failure skipped"))
}

func TestRecoverStale_AutoDispatchRedispatches(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusRunning})

	executor := "dead-agent"
	expired := time.Now().Add(-time.Minute)
	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-auto", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, MaxRetries: domain.DefaultMaxRetries,
		Status: domain.OperationStatusRunning, ClaimedBy: &executor, ClaimExpiresAt: &expired,
	}))

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil).Once()

	res, err := sched.RecoverStaleOperations(ctx, RecoverOptions{AutoDispatch: true})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Recovered)

	op, err := store.GetOperation(ctx, "op-auto")
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusRunning, op.Status)
	require.NotNil(t, op.ClaimedBy)
	assert.Equal(t, "forge-test", *op.ClaimedBy)
	dispatcher.AssertExpectations(t)
}

func TestResumeWorkOrder_RequeuesFailedWithinBudget(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "single_flow", Status: domain.WorkOrderStatusFailed})

	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-failed", WorkOrderID: "wo-1", WorkflowID: "single_flow",
		ExecType: domain.ExecTypeSingle, RetryCount: 1, MaxRetries: 2,
		Status: domain.OperationStatusFailed,
	}))

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil).Once()

	res, err := sched.ResumeWorkOrder(ctx, "wo-1", ResumeOptions{Reason: "operator fixed env"})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, domain.OperationID("op-failed"), res.OperationID)
	assert.True(t, res.Dispatched)

	wo, err := store.GetWorkOrder(ctx, "wo-1")
	require.NoError(t, err)
	assert.Equal(t, domain.WorkOrderStatusRunning, wo.Status)
}

func TestResumeWorkOrder_ExhaustedBudgetStartsFreshOperation(t *testing.T) {
	sched, store, dispatcher := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", WorkflowID: "double_flow", Status: domain.WorkOrderStatusFailed})

	require.NoError(t, store.CreateOperation(ctx, &domain.Operation{
		ID: "op-dead", WorkOrderID: "wo-1", WorkflowID: "double_flow", StageIndex: 1,
		ExecType: domain.ExecTypeSingle, RetryCount: 3, MaxRetries: 2,
		Status: domain.OperationStatusFailed,
	}))

	dispatcher.On("Dispatch", mock.Anything, mock.Anything).Return(domain.DispatchResult{}, nil).Once()

	res, err := sched.ResumeWorkOrder(ctx, "wo-1", ResumeOptions{})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.NotEqual(t, domain.OperationID("op-dead"), res.OperationID)

	op, err := store.GetOperation(ctx, res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, 1, op.StageIndex)
	assert.Zero(t, op.RetryCount)
}

func TestResumeWorkOrder_NothingEligible(t *testing.T) {
	sched, store, _ := newTestScheduler(t)
	ctx := context.Background()
	seedWorkOrder(t, store, domain.WorkOrder{Title: "x", Status: domain.WorkOrderStatusRunning})

	res, err := sched.ResumeWorkOrder(ctx, "wo-1", ResumeOptions{})
	require.NoError(t, err)
	assert.Nil(t, res)
}
