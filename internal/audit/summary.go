package audit

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// ActionSummary aggregates one action within a summary window.
type ActionSummary struct {
	Action          string  `json:"action"`
	Count           int     `json:"count"`
	TimedCount      int     `json:"timedCount"`
	TotalDurationMs int64   `json:"totalDurationMs"`
	AvgDurationMs   float64 `json:"avgDurationMs"`
	MaxDurationMs   int64   `json:"maxDurationMs"`
}

// Summary aggregates a window of activity.
type Summary struct {
	TotalEvents     int             `json:"totalEvents"`
	UniqueActors    int             `json:"uniqueActors"`
	UniqueSubjects  int             `json:"uniqueSubjects"`
	TotalDurationMs int64           `json:"totalDurationMs"`
	Actions         []ActionSummary `json:"actions"`
	First           *time.Time      `json:"first,omitempty"`
	Last            *time.Time      `json:"last,omitempty"`
}

// Summarize aggregates the newest events matching filter. Events are taken
// newest first and truncated to filter.Limit before aggregation. where is an
// optional expr predicate over the event's JSON form, applied before the limit.
func (l *Log) Summarize(ctx context.Context, filter store.ActivityFilter, where string) (*Summary, error) {
	events, err := l.selectEvents(ctx, filter, where)
	if err != nil {
		return nil, err
	}
	return aggregate(events), nil
}

// Filter is Query with an optional expr predicate.
func (l *Log) Filter(ctx context.Context, filter store.ActivityFilter, where string) ([]*store.ActivityEvent, error) {
	return l.selectEvents(ctx, filter, where)
}

func (l *Log) selectEvents(ctx context.Context, filter store.ActivityFilter, where string) ([]*store.ActivityEvent, error) {
	if where == "" {
		return l.store.ListActivity(ctx, filter, store.SortDescending)
	}
	if err := l.filters.Check(where); err != nil {
		return nil, err
	}

	limit := filter.Limit
	filter.Limit = 0
	events, err := l.store.ListActivity(ctx, filter, store.SortDescending)
	if err != nil {
		return nil, err
	}

	out := make([]*store.ActivityEvent, 0, len(events))
	for _, ev := range events {
		vars, err := eventVars(ev)
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeStore, "failed to encode activity event").WithCause(err)
		}
		ok, err := l.filters.Match(ctx, where, vars)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// eventVars renders an event the way API clients see it.
func eventVars(ev *store.ActivityEvent) (map[string]any, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func aggregate(events []*store.ActivityEvent) *Summary {
	s := &Summary{Actions: []ActionSummary{}}
	actors := make(map[string]struct{})
	subjects := make(map[string]struct{})
	byAction := make(map[string]*ActionSummary)

	for _, ev := range events {
		s.TotalEvents++
		actors[ev.Actor.ID] = struct{}{}
		subjects[ev.SubjectID] = struct{}{}

		as, ok := byAction[ev.Action]
		if !ok {
			as = &ActionSummary{Action: ev.Action}
			byAction[ev.Action] = as
		}
		as.Count++
		if ev.DurationMs != nil {
			d := *ev.DurationMs
			as.TimedCount++
			as.TotalDurationMs += d
			if d > as.MaxDurationMs {
				as.MaxDurationMs = d
			}
			s.TotalDurationMs += d
		}

		ts := ev.Timestamp
		if s.First == nil || ts.Before(*s.First) {
			s.First = &ts
		}
		if s.Last == nil || ts.After(*s.Last) {
			s.Last = &ts
		}
	}

	s.UniqueActors = len(actors)
	s.UniqueSubjects = len(subjects)
	for _, as := range byAction {
		if as.TimedCount > 0 {
			as.AvgDurationMs = float64(as.TotalDurationMs) / float64(as.TimedCount)
		}
		s.Actions = append(s.Actions, *as)
	}
	sort.Slice(s.Actions, func(i, j int) bool {
		if s.Actions[i].Count != s.Actions[j].Count {
			return s.Actions[i].Count > s.Actions[j].Count
		}
		return s.Actions[i].Action < s.Actions[j].Action
	})
	return s
}
