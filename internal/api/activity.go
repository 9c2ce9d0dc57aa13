package api

import (
	"net/http"

	"github.com/rendis/prodtrack/internal/audit"
	"github.com/rendis/prodtrack/internal/store"
)

// handleRecordActivity appends an externally reported event.
func (s *Server) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var body audit.RecordRequest
	if err := decodeJSON(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}

	ev, err := s.deps.Audit.Append(r.Context(), body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// handleQueryActivity lists events newest first. An optional `where` expr
// predicate narrows the result.
func (s *Server) handleQueryActivity(w http.ResponseWriter, r *http.Request) {
	filter, err := activityFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.deps.Audit.Filter(r.Context(), filter, r.URL.Query().Get("where"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// handleTimeline lists one subject's events oldest first.
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	filter, err := activityFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	events, err := s.deps.Audit.Timeline(r.Context(), r.PathValue("subjectId"), filter)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": nonNil(events)})
}

// handleSummary aggregates the newest matching events.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	filter, err := activityFilter(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	summary, err := s.deps.Audit.Summarize(r.Context(), filter, r.URL.Query().Get("where"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func activityFilter(r *http.Request) (store.ActivityFilter, error) {
	q := r.URL.Query()
	filter := store.ActivityFilter{
		ActorID:     q.Get("actorId"),
		SubjectID:   q.Get("subjectId"),
		SubjectType: q.Get("subjectType"),
		Action:      q.Get("action"),
		Limit:       queryInt(r, "limit", 100),
	}
	var err error
	if filter.Since, err = queryTime(r, "since"); err != nil {
		return filter, err
	}
	if filter.Until, err = queryTime(r, "until"); err != nil {
		return filter, err
	}
	return filter, nil
}

func nonNil(events []*store.ActivityEvent) []*store.ActivityEvent {
	if events == nil {
		return []*store.ActivityEvent{}
	}
	return events
}
