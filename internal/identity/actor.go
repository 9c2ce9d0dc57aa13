package identity

import (
	"context"
	"net/http"
	"strings"

	"github.com/rendis/prodtrack/internal/store"
	"github.com/rendis/prodtrack/pkg/schema"
)

// Headers carrying the acting user on HTTP requests. Authentication happens
// upstream; prodtrack trusts whatever the gateway forwards.
const (
	HeaderActorID   = "X-Actor-Id"
	HeaderActorName = "X-Actor-Name"
)

// SystemActor attributes events that no user triggered, such as stall sweeps.
var SystemActor = schema.Actor{ID: "system", DisplayName: "prodtrack"}

// Normalize trims both fields.
func Normalize(a schema.Actor) schema.Actor {
	return schema.Actor{
		ID:          strings.TrimSpace(a.ID),
		DisplayName: strings.TrimSpace(a.DisplayName),
	}
}

// ValidateActor checks that an actor carries an ID.
func ValidateActor(a schema.Actor) error {
	if strings.TrimSpace(a.ID) == "" {
		return schema.NewError(schema.ErrCodeValidation, "actor id is required").
			WithDetails(map[string]any{"violations": []schema.FieldViolation{{Field: "actor.id", Message: "is required"}}})
	}
	return nil
}

// FromRequest reads the actor from request headers.
func FromRequest(r *http.Request) (schema.Actor, error) {
	a := Normalize(schema.Actor{
		ID:          r.Header.Get(HeaderActorID),
		DisplayName: r.Header.Get(HeaderActorName),
	})
	if err := ValidateActor(a); err != nil {
		return schema.Actor{}, schema.NewErrorf(schema.ErrCodeValidation,
			"missing %s header", HeaderActorID).WithCause(err)
	}
	return a, nil
}

// Resolve normalizes and validates a, filling a missing display name from
// the actor's most recent activity, or from the ID when there is none.
func Resolve(ctx context.Context, activity store.ActivityStore, a schema.Actor) (schema.Actor, error) {
	a = Normalize(a)
	if err := ValidateActor(a); err != nil {
		return schema.Actor{}, err
	}
	if a.DisplayName != "" {
		return a, nil
	}

	if activity != nil {
		recent, err := activity.ListActivity(ctx, store.ActivityFilter{ActorID: a.ID, Limit: 1}, store.SortDescending)
		if err != nil {
			return schema.Actor{}, err
		}
		if len(recent) > 0 && recent[0].Actor.DisplayName != "" {
			a.DisplayName = recent[0].Actor.DisplayName
			return a, nil
		}
	}
	a.DisplayName = a.ID
	return a, nil
}
