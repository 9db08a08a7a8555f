package ports

import (
	"context"
	"time"

	"github.com/manthysbr/forgeOS/internal/core/domain"
)

// AgentDispatcher abstracts the runtime that starts or resumes an agent
// execution context (Docker today). The scheduler never waits on the
// agent: dispatch returns as soon as the session is handed off, and any
// error means "leave the operation pending for the next tick".
type AgentDispatcher interface {
	Dispatch(ctx context.Context, req domain.DispatchRequest) (domain.DispatchResult, error)
}

// WorkOrderStore persists work orders.
type WorkOrderStore interface {
	CreateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, id domain.WorkOrderID) (*domain.WorkOrder, error)
	ListWorkOrders(ctx context.Context, limit int) ([]domain.WorkOrder, error)

	// UpdateWorkOrder rewrites the mutable columns (status, workflow id,
	// updated_at). Only the scheduler calls it.
	UpdateWorkOrder(ctx context.Context, wo *domain.WorkOrder) error
}

// OperationStore persists operations. Plain reads and Update are reserved
// for the caller that holds a valid claim; the conditional primitives are
// the only cross-caller synchronization in the system.
type OperationStore interface {
	CreateOperation(ctx context.Context, op *domain.Operation) error
	GetOperation(ctx context.Context, id domain.OperationID) (*domain.Operation, error)
	LatestOperation(ctx context.Context, workOrderID domain.WorkOrderID) (*domain.Operation, error)
	ListOperations(ctx context.Context, workOrderID domain.WorkOrderID) ([]domain.Operation, error)

	// ListClaimable returns pending (or recovered-stale) operations ordered
	// by work-order priority, then operation creation time.
	ListClaimable(ctx context.Context, limit int) ([]domain.Operation, error)

	// ListExpired returns claimed/running/stale operations whose lease
	// lapsed before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Operation, error)

	// ClaimOperation is the single atomic conditional write behind all
	// leasing: it succeeds only if the operation is claimable and the
	// current claim is absent or expired at now. Returns false, nil when
	// another executor holds a live lease.
	ClaimOperation(ctx context.Context, id domain.OperationID, executor string, now, leaseUntil time.Time) (bool, error)

	// MarkStale stamps an expired claim stale ahead of the recover-or-fail
	// decision, keeping the claim columns intact. Same expiry guard as the
	// other conditional writes; returns false, nil when the claim was
	// refreshed in the meantime.
	MarkStale(ctx context.Context, id domain.OperationID, now time.Time) (bool, error)

	// RecoverExpired clears an expired claim and re-queues the operation,
	// bumping timeout_count. The expiry check runs inside the UPDATE, so
	// concurrent recoverers cannot double-fire. Returns false, nil when the
	// claim was refreshed or released in the meantime.
	RecoverExpired(ctx context.Context, id domain.OperationID, now time.Time) (bool, error)

	// FailExpired is RecoverExpired for an exhausted retry budget: same
	// guard, terminal failed status instead of pending.
	FailExpired(ctx context.Context, id domain.OperationID, now time.Time) (bool, error)

	// UpdateOperation rewrites the mutable columns. Claim-holder only.
	UpdateOperation(ctx context.Context, op *domain.Operation) error
}

// StoryStore persists the ordered sub-steps of loop operations.
type StoryStore interface {
	CreateStories(ctx context.Context, stories []domain.Story) error
	GetStory(ctx context.Context, id domain.StoryID) (*domain.Story, error)

	// ListStories returns all stories of an operation ordered by index.
	ListStories(ctx context.Context, operationID domain.OperationID) ([]domain.Story, error)

	UpdateStory(ctx context.Context, story *domain.Story) error
}

// CompletionTokenStore is the idempotency ledger for completion reports.
type CompletionTokenStore interface {
	// InsertToken records a token exactly once. A replay returns
	// domain.ErrTokenSeen without touching the row.
	InsertToken(ctx context.Context, tok *domain.CompletionToken) error

	GetToken(ctx context.Context, token string) (*domain.CompletionToken, error)
}
