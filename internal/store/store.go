package store

import (
	"context"

	"github.com/rendis/prodtrack/pkg/schema"
)

// WorkflowStore persists workflows. Writers are serialized per workflow by an
// optimistic version check.
type WorkflowStore interface {
	// GetOrCreateWorkflow returns the workflow for (ScheduleID, AssigneeID),
	// inserting wf when none exists. created reports whether wf was inserted.
	// Concurrent first-time callers all receive the single winning record.
	GetOrCreateWorkflow(ctx context.Context, wf *Workflow) (stored *Workflow, created bool, err error)
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	// CommitStep persists next, whose Version must equal the stored version.
	// A complete must advance CurrentStep by exactly one; an edit must leave
	// it unchanged. On success next.Version is incremented. A stale version
	// fails with CONFLICT.
	CommitStep(ctx context.Context, next *Workflow, mode schema.CommitMode) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)
}

// ActivityStore is the append-only activity log. There is no update or
// delete path.
type ActivityStore interface {
	AppendActivity(ctx context.Context, event *ActivityEvent) error
	ListActivity(ctx context.Context, filter ActivityFilter, order SortOrder) ([]*ActivityEvent, error)
}

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	WorkflowStore
	ActivityStore

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
