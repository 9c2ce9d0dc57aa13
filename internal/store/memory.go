package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/prodtrack/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and embedded use.
type MemoryStore struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow // key: workflow ID
	byKey     map[string]string    // key: schedule/assignee -> workflow ID
	activity  []*ActivityEvent     // append order
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workflows: make(map[string]*Workflow),
		byKey:     make(map[string]string),
	}
}

func workflowKey(scheduleID, assigneeID string) string {
	return scheduleID + "\x00" + assigneeID
}

func (s *MemoryStore) GetOrCreateWorkflow(_ context.Context, wf *Workflow) (*Workflow, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := workflowKey(wf.ScheduleID, wf.AssigneeID)
	if id, ok := s.byKey[key]; ok {
		return s.workflows[id].Clone(), false, nil
	}

	stored := wf.Clone()
	if stored.ID == "" {
		stored.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	stored.Version = versionOrInitial(stored.Version)
	stored.CreatedAt = timeOr(stored.CreatedAt, now)
	stored.UpdatedAt = timeOr(stored.UpdatedAt, now)

	s.workflows[stored.ID] = stored
	s.byKey[key] = stored.ID
	return stored.Clone(), true, nil
}

func (s *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	return wf.Clone(), nil
}

func (s *MemoryStore) CommitStep(_ context.Context, next *Workflow, mode schema.CommitMode) error {
	baseStep, err := baseStepFor(next, mode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.workflows[next.ID]
	if !ok {
		return storeNotFound("workflow", next.ID)
	}
	if existing.Version != next.Version || existing.CurrentStep != baseStep {
		return ConflictError(next.ID, next.Version, existing.Version)
	}

	next.Version++
	next.UpdatedAt = time.Now().UTC()
	s.workflows[next.ID] = next.Clone()
	return nil
}

func (s *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Workflow
	for _, wf := range s.workflows {
		if filter.ScheduleID != "" && wf.ScheduleID != filter.ScheduleID {
			continue
		}
		if filter.AssigneeID != "" && wf.AssigneeID != filter.AssigneeID {
			continue
		}
		if filter.DepartmentName != "" && wf.DepartmentName != filter.DepartmentName {
			continue
		}
		if filter.Status != nil && wf.Status() != *filter.Status {
			continue
		}
		if filter.UpdatedBefore != nil && !wf.UpdatedAt.Before(*filter.UpdatedBefore) {
			continue
		}
		result = append(result, wf.Clone())
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*Workflow{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) AppendActivity(_ context.Context, event *ActivityEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	event.Timestamp = timeOr(event.Timestamp, time.Now().UTC())

	cp := *event
	s.mu.Lock()
	s.activity = append(s.activity, &cp)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) ListActivity(_ context.Context, filter ActivityFilter, order SortOrder) ([]*ActivityEvent, error) {
	s.mu.RLock()
	var result []*ActivityEvent
	for _, e := range s.activity {
		if filter.ActorID != "" && e.Actor.ID != filter.ActorID {
			continue
		}
		if filter.SubjectID != "" && e.SubjectID != filter.SubjectID {
			continue
		}
		if filter.SubjectType != "" && e.SubjectType != filter.SubjectType {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
			continue
		}
		if filter.Until != nil && e.Timestamp.After(*filter.Until) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	s.mu.RUnlock()

	// Stable sort keeps append order for equal timestamps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if order == SortDescending {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored workflows. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
