package builder

import (
	"sort"
	"time"

	"github.com/actor-graph/backend/internal/storage/models"
)

// Edge origins, in precedence order.
const (
	OriginRelationship = "relationship"
	OriginTeam         = "team"
	OriginOrganization = "organization"
	OriginTag          = "tag"
)

const defaultEdgeColor = "#9e9e9e"

var edgeColors = map[string]string{
	"works_with":        "#2196f3",
	"reports_to":        "#9c27b0",
	"manages":           "#673ab7",
	"owns":              "#ff9800",
	"depends_on":        "#f44336",
	"uses":              "#00bcd4",
	"member_of":         "#4caf50",
	"communicates_with": "#03a9f4",
	"supports":          "#8bc34a",
	"same_team":         "#66bb6a",
	"same_organization": "#26a69a",
	"tagged_together":   "#bdbdbd",
}

type Node struct {
	ID           string           `json:"id"`
	Label        string           `json:"label"`
	Type         models.ActorType `json:"type"`
	Role         *string          `json:"role,omitempty"`
	Team         *string          `json:"team,omitempty"`
	Organization *string          `json:"organization,omitempty"`
	MentionCount int              `json:"mention_count"`
	Degree       int              `json:"degree"`
	Size         float64          `json:"size"`
}

type Edge struct {
	ID         string  `json:"id"`
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Label      string  `json:"label"`
	Color      string  `json:"color"`
	Origin     string  `json:"origin"`
	Confidence float64 `json:"confidence,omitempty"`
	Weight     int     `json:"weight,omitempty"`
}

type Graph struct {
	ScopeID string    `json:"scope_id"`
	Nodes   []Node    `json:"nodes"`
	Edges   []Edge    `json:"edges"`
	BuiltAt time.Time `json:"built_at"`
}

// Sizing maps a node degree to its display size.
type Sizing struct {
	Base      float64
	PerDegree float64
}

func (s Sizing) size(degree int) float64 {
	return s.Base + float64(degree)*s.PerDegree
}

type pairKey struct{ a, b string }

func keyOf(x, y string) pairKey {
	if y < x {
		x, y = y, x
	}
	return pairKey{x, y}
}

// composer collects edges so that each unordered actor pair carries at most one edge, the
// first one offered winning. Signals must be offered in precedence order.
type composer struct {
	nodes map[string]*models.Actor
	seen  map[pairKey]bool
	edges []Edge
}

func newComposer(actors []*models.Actor) *composer {
	c := &composer{nodes: make(map[string]*models.Actor, len(actors)), seen: make(map[pairKey]bool)}
	for _, a := range actors {
		c.nodes[a.ID] = a
	}
	return c
}

func (c *composer) offer(e Edge) bool {
	if e.Source == e.Target || c.nodes[e.Source] == nil || c.nodes[e.Target] == nil {
		return false
	}
	k := keyOf(e.Source, e.Target)
	if c.seen[k] {
		return false
	}
	c.seen[k] = true
	if e.Color == "" {
		e.Color = colorFor(e.Type)
	}
	if e.Label == "" {
		e.Label = e.Type
	}
	c.edges = append(c.edges, e)
	return true
}

func colorFor(relType string) string {
	if c, ok := edgeColors[relType]; ok {
		return c
	}
	return defaultEdgeColor
}

// compose derives the presentation graph of one scope. Explicit relationships take
// precedence over shared-team inference, then shared organization, then tag co-occurrence.
func compose(scopeID string, actors []*models.Actor, rels []*models.Relationship, docTags map[string][]string, minSharedTags int, sizing Sizing) *Graph {
	c := newComposer(actors)

	explicit := append([]*models.Relationship(nil), rels...)
	sort.SliceStable(explicit, func(i, j int) bool {
		if explicit[i].Confidence != explicit[j].Confidence {
			return explicit[i].Confidence > explicit[j].Confidence
		}
		return explicit[i].ID < explicit[j].ID
	})
	for _, r := range explicit {
		c.offer(Edge{
			ID:         r.ID,
			Source:     r.SourceID,
			Target:     r.TargetID,
			Type:       r.Type,
			Origin:     OriginRelationship,
			Confidence: r.Confidence,
		})
	}

	inferShared(c, actors, OriginTeam, "same_team", func(a *models.Actor) *string { return a.Team }, models.ActorTeam)
	inferShared(c, actors, OriginOrganization, "same_organization", func(a *models.Actor) *string { return a.Organization }, models.ActorOrganization)
	inferTags(c, actors, docTags, minSharedTags)

	degree := make(map[string]int, len(actors))
	for _, e := range c.edges {
		degree[e.Source]++
		degree[e.Target]++
	}

	g := &Graph{ScopeID: scopeID, Nodes: make([]Node, 0, len(actors)), Edges: c.edges, BuiltAt: time.Now()}
	if g.Edges == nil {
		g.Edges = []Edge{}
	}
	for _, a := range actors {
		d := degree[a.ID]
		g.Nodes = append(g.Nodes, Node{
			ID:           a.ID,
			Label:        a.Name,
			Type:         a.Type,
			Role:         a.Role,
			Team:         a.Team,
			Organization: a.Organization,
			MentionCount: a.MentionCount,
			Degree:       d,
			Size:         sizing.size(d),
		})
	}
	return g
}

// inferShared links actors whose attribute names the same group, and links each member to
// the actor of groupType carrying that name when one exists.
func inferShared(c *composer, actors []*models.Actor, origin, relType string, attr func(*models.Actor) *string, groupType models.ActorType) {
	groupActor := make(map[string]*models.Actor)
	for _, a := range actors {
		if a.Type == groupType {
			groupActor[models.NormalizeLabel(a.Name)] = a
		}
	}

	var keys []string
	members := make(map[string][]*models.Actor)
	for _, a := range actors {
		v := attr(a)
		if v == nil {
			continue
		}
		k := models.NormalizeLabel(*v)
		if k == "" {
			continue
		}
		if _, ok := members[k]; !ok {
			keys = append(keys, k)
		}
		members[k] = append(members[k], a)
	}

	for _, k := range keys {
		group := members[k]
		if g := groupActor[k]; g != nil {
			for _, m := range group {
				c.offer(Edge{ID: origin + ":" + m.ID + ":" + g.ID, Source: m.ID, Target: g.ID, Type: "member_of", Origin: origin})
			}
		}
		for i := 0; i < len(group); i++ {
			for j := i + 1; j < len(group); j++ {
				a, b := group[i], group[j]
				c.offer(Edge{ID: origin + ":" + a.ID + ":" + b.ID, Source: a.ID, Target: b.ID, Type: relType, Origin: origin})
			}
		}
	}
}

// inferTags links a person with a project or system when both are tagged on at least
// minShared documents. A tag refers to an actor when their normalised labels match.
func inferTags(c *composer, actors []*models.Actor, docTags map[string][]string, minShared int) {
	if minShared < 1 {
		minShared = 2
	}
	byLabel := make(map[string][]*models.Actor)
	for _, a := range actors {
		switch a.Type {
		case models.ActorPerson, models.ActorProject, models.ActorSystem:
			k := models.NormalizeLabel(a.Name)
			byLabel[k] = append(byLabel[k], a)
		}
	}

	docIDs := make([]string, 0, len(docTags))
	for id := range docTags {
		docIDs = append(docIDs, id)
	}
	sort.Strings(docIDs)

	shared := make(map[pairKey]int)
	var order []pairKey
	for _, id := range docIDs {
		var persons, things []*models.Actor
		seen := make(map[string]bool)
		for _, tag := range docTags[id] {
			for _, a := range byLabel[models.NormalizeLabel(tag)] {
				if seen[a.ID] {
					continue
				}
				seen[a.ID] = true
				if a.Type == models.ActorPerson {
					persons = append(persons, a)
				} else {
					things = append(things, a)
				}
			}
		}
		for _, p := range persons {
			for _, t := range things {
				k := pairKey{p.ID, t.ID}
				if shared[k] == 0 {
					order = append(order, k)
				}
				shared[k]++
			}
		}
	}

	for _, k := range order {
		if n := shared[k]; n >= minShared {
			c.offer(Edge{
				ID:     OriginTag + ":" + k.a + ":" + k.b,
				Source: k.a,
				Target: k.b,
				Type:   "tagged_together",
				Origin: OriginTag,
				Weight: n,
			})
		}
	}
}
