package extraction

import (
	"strings"
	"unicode"

	"github.com/actor-graph/backend/internal/storage/models"
)

const (
	defaultRelationType = "related_to"
	maxNameLen          = 120
)

var relationAliases = map[string]string{
	"works_with":        "works_with",
	"work_with":         "works_with",
	"collaborates_with": "works_with",
	"reports_to":        "reports_to",
	"report_to":         "reports_to",
	"managed_by":        "reports_to",
	"manages":           "manages",
	"leads":             "manages",
	"owns":              "owns",
	"owned_by":          "owned_by",
	"uses":              "uses",
	"depends_on":        "depends_on",
	"member_of":         "member_of",
	"part_of":           "member_of",
	"belongs_to":        "member_of",
	"communicates_with": "communicates_with",
	"supports":          "supports",
	"related_to":        "related_to",
}

// NormalizeRelationType turns a free-form label into snake_case and folds common
// synonyms onto one name.
func NormalizeRelationType(label string) string {
	key := models.NormalizeLabel(label)
	if key == "" {
		return defaultRelationType
	}
	if alias, ok := relationAliases[key]; ok {
		return alias
	}
	return key
}

// CleanName trims whitespace, quotes, list markers and leading articles from a name.
func CleanName(name string) string {
	name = strings.Join(strings.Fields(name), " ")
	name = strings.Trim(name, " \t\"'`*_-•:;,.")
	for _, article := range []string{"the ", "The ", "a ", "A ", "an ", "An "} {
		if rest, ok := strings.CutPrefix(name, article); ok && rest != "" {
			name = rest
			break
		}
	}
	if len(name) > maxNameLen {
		name = strings.TrimSpace(name[:maxNameLen])
		name = strings.ToValidUTF8(name, "")
	}
	return name
}

func nameKey(name string) string {
	return strings.ToLower(name)
}

// Normalize cleans an extraction in place: names are cleaned, empty or one-letter names
// removed, entities deduplicated per (name, type) keeping the highest confidence, every
// confidence bounded to [0, limit], relationship types snake_cased, and relationships
// without two distinct endpoints dropped.
func Normalize(ext *models.Extraction, limit float64) {
	type key struct {
		name string
		t    models.ActorType
	}

	index := make(map[key]int)
	entities := make([]models.ExtractedEntity, 0, len(ext.Entities))
	for _, e := range ext.Entities {
		e.Name = CleanName(e.Name)
		if !meaningfulName(e.Name) {
			continue
		}
		if !e.Type.Valid() {
			e.Type = models.ParseActorType(string(e.Type))
		}
		e.Confidence = Clamp(e.Confidence, limit)
		e.Role = CleanName(e.Role)
		e.Team = CleanName(e.Team)
		e.Organization = CleanName(e.Organization)
		e.Description = strings.TrimSpace(e.Description)

		k := key{nameKey(e.Name), e.Type}
		if i, ok := index[k]; ok {
			entities[i] = mergeEntity(entities[i], e)
			continue
		}
		index[k] = len(entities)
		entities = append(entities, e)
	}
	ext.Entities = entities

	type relKey struct{ source, target, t string }
	seen := make(map[relKey]int)
	relationships := make([]models.ExtractedRelationship, 0, len(ext.Relationships))
	for _, r := range ext.Relationships {
		r.Source = CleanName(r.Source)
		r.Target = CleanName(r.Target)
		if !meaningfulName(r.Source) || !meaningfulName(r.Target) || nameKey(r.Source) == nameKey(r.Target) {
			continue
		}
		r.Type = NormalizeRelationType(r.Type)
		r.Confidence = Clamp(r.Confidence, limit)
		r.Context = strings.TrimSpace(r.Context)

		k := relKey{nameKey(r.Source), nameKey(r.Target), r.Type}
		if i, ok := seen[k]; ok {
			if r.Confidence > relationships[i].Confidence {
				relationships[i].Confidence = r.Confidence
			}
			if relationships[i].Context == "" {
				relationships[i].Context = r.Context
			}
			continue
		}
		seen[k] = len(relationships)
		relationships = append(relationships, r)
	}
	ext.Relationships = relationships
	ext.Confidence = Clamp(ext.Confidence, limit)
}

func mergeEntity(a, b models.ExtractedEntity) models.ExtractedEntity {
	if b.Confidence > a.Confidence {
		a.Confidence = b.Confidence
	}
	if a.Role == "" {
		a.Role = b.Role
	}
	if a.Team == "" {
		a.Team = b.Team
	}
	if a.Organization == "" {
		a.Organization = b.Organization
	}
	if a.Description == "" {
		a.Description = b.Description
	}
	return a
}

func meaningfulName(name string) bool {
	letters := 0
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	return letters >= 2
}
