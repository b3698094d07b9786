package evidence

import (
	"context"
	"strings"

	"github.com/actor-graph/backend/internal/extraction"
	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
)

// resolver maps relationship endpoint names to actors for one Save: actors written by
// the same extraction first, then actors already in the store, then a new implicit actor.
type resolver struct {
	q                  *sqlite.Queries
	scopeID            string
	implicitConfidence float64

	exact   map[string]*models.Actor
	folded  map[string]*models.Actor
	persons []*models.Actor
	written int
}

func newResolver(q *sqlite.Queries, scopeID string, implicitConfidence float64) *resolver {
	return &resolver{
		q:                  q,
		scopeID:            scopeID,
		implicitConfidence: implicitConfidence,
		exact:              make(map[string]*models.Actor),
		folded:             make(map[string]*models.Actor),
	}
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func (r *resolver) upsert(ctx context.Context, e models.ExtractedEntity) error {
	name := extraction.CleanName(e.Name)
	if name == "" {
		return nil
	}
	actorType := e.Type
	if !actorType.Valid() {
		actorType = models.ParseActorType(string(actorType))
	}

	actor, err := r.q.UpsertActor(ctx, &models.Actor{
		ScopeID:      r.scopeID,
		Name:         name,
		Type:         actorType,
		Role:         optional(e.Role),
		Team:         optional(e.Team),
		Organization: optional(e.Organization),
		Description:  optional(e.Description),
		Confidence:   extraction.Clamp(e.Confidence, 1),
	})
	if err != nil {
		return err
	}
	r.written++
	r.remember(actor)
	return nil
}

// remember indexes an actor. A typed actor displaces an unknown one of the same name.
func (r *resolver) remember(actor *models.Actor) {
	if prev, ok := r.exact[actor.Name]; !ok || prev.Type == models.ActorUnknown {
		r.exact[actor.Name] = actor
	}
	key := strings.ToLower(actor.Name)
	if prev, ok := r.folded[key]; !ok || prev.Type == models.ActorUnknown {
		r.folded[key] = actor
	}
	if actor.Type == models.ActorPerson {
		r.persons = append(r.persons, actor)
	}
}

func (r *resolver) resolve(ctx context.Context, name string) (*models.Actor, error) {
	name = extraction.CleanName(name)
	if name == "" {
		return nil, nil
	}
	if actor, ok := r.exact[name]; ok {
		return actor, nil
	}
	if actor, ok := r.folded[strings.ToLower(name)]; ok {
		return actor, nil
	}
	if actor := r.byFirstToken(name); actor != nil {
		return actor, nil
	}

	actor, err := r.q.FindActorByName(ctx, r.scopeID, name)
	if err != nil {
		return nil, err
	}
	if actor != nil {
		r.remember(actor)
		return actor, nil
	}

	actor, err = r.q.UpsertActor(ctx, &models.Actor{
		ScopeID:    r.scopeID,
		Name:       name,
		Type:       extraction.GuessType(name),
		Confidence: r.implicitConfidence,
	})
	if err != nil {
		return nil, err
	}
	r.written++
	r.remember(actor)
	return actor, nil
}

// byFirstToken matches "Jan" to "Jan Novak" and "Jan Novak" to "Jan" among the persons
// of this extraction, only when exactly one person fits.
func (r *resolver) byFirstToken(name string) *models.Actor {
	first := strings.ToLower(strings.Fields(name)[0])
	var match *models.Actor
	for _, p := range r.persons {
		if strings.ToLower(strings.Fields(p.Name)[0]) != first {
			continue
		}
		if match != nil && match.ID != p.ID {
			return nil
		}
		match = p
	}
	return match
}
