package extraction

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

var errNoJSONObject = errors.New("no well-formed JSON object in reply")

// FirstJSONObject returns the first balanced, well-formed JSON object embedded in s.
// Code fences, prose before or after, and broken candidates ahead of a good one are skipped.
func FirstJSONObject(s string) (string, bool) {
	for start := strings.IndexByte(s, '{'); start >= 0; {
		if end := matchBrace(s, start); end > start {
			candidate := s[start : end+1]
			if json.Valid([]byte(candidate)) {
				return candidate, true
			}
		}
		next := strings.IndexByte(s[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

// matchBrace returns the index of the brace closing the one at start, honouring JSON
// strings and escapes, or -1.
func matchBrace(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// flexFloat accepts 0.8, "0.8", "80%" and null.
type flexFloat struct {
	Value float64
	Set   bool
}

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		percent := strings.HasSuffix(s, "%")
		v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		if err != nil {
			return nil
		}
		if percent {
			v /= 100
		}
		f.Value, f.Set = v, true
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return nil
	}
	f.Value, f.Set = v, true
	return nil
}

// flexString accepts a string, the first element of a string array, or a number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil && len(list) > 0 {
		*f = flexString(list[0])
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err == nil {
		*f = flexString(n.String())
	}
	return nil
}

type rawEntity struct {
	Name         flexString `json:"name"`
	Type         flexString `json:"type"`
	Confidence   flexFloat  `json:"confidence"`
	Role         flexString `json:"role"`
	Team         flexString `json:"team"`
	Organization flexString `json:"organization"`
	Description  flexString `json:"description"`
}

type rawRelationship struct {
	Source       flexString `json:"source"`
	From         flexString `json:"from"`
	Target       flexString `json:"target"`
	To           flexString `json:"to"`
	Type         flexString `json:"type"`
	Relationship flexString `json:"relationship"`
	Context      flexString `json:"context"`
	Confidence   flexFloat  `json:"confidence"`
}

type rawReply struct {
	Entities      []rawEntity       `json:"entities"`
	Actors        []rawEntity       `json:"actors"`
	Relationships []rawRelationship `json:"relationships"`
	Relations     []rawRelationship `json:"relations"`
	Confidence    flexFloat         `json:"confidence"`
}

// ParseReply decodes a backend reply into an extraction. Anything without a usable JSON
// object is an OracleParse error.
func ParseReply(backend, reply string, defaultConfidence float64) (*models.Extraction, error) {
	obj, ok := FirstJSONObject(reply)
	if !ok {
		return nil, apperrors.NewOracleParse(backend, errNoJSONObject)
	}

	var raw rawReply
	if err := json.Unmarshal([]byte(obj), &raw); err != nil {
		return nil, apperrors.NewOracleParse(backend, err)
	}

	entities := append(raw.Entities, raw.Actors...)
	relationships := append(raw.Relationships, raw.Relations...)

	ext := &models.Extraction{Backend: backend}
	for _, e := range entities {
		ext.Entities = append(ext.Entities, models.ExtractedEntity{
			Name:         string(e.Name),
			Type:         models.ParseActorType(string(e.Type)),
			Confidence:   confidenceOr(e.Confidence, defaultConfidence),
			Role:         string(e.Role),
			Team:         string(e.Team),
			Organization: string(e.Organization),
			Description:  string(e.Description),
		})
	}
	for _, r := range relationships {
		source, target, relType := string(r.Source), string(r.Target), string(r.Type)
		if source == "" {
			source = string(r.From)
		}
		if target == "" {
			target = string(r.To)
		}
		if relType == "" {
			relType = string(r.Relationship)
		}
		ext.Relationships = append(ext.Relationships, models.ExtractedRelationship{
			Source:     source,
			Target:     target,
			Type:       relType,
			Context:    string(r.Context),
			Confidence: confidenceOr(r.Confidence, defaultConfidence),
		})
	}
	if raw.Confidence.Set {
		ext.Confidence = raw.Confidence.Value
	}

	Normalize(ext, 1)
	if !raw.Confidence.Set {
		ext.Confidence = meanConfidence(ext)
	}
	return ext, nil
}

func confidenceOr(f flexFloat, fallback float64) float64 {
	if f.Set {
		return f.Value
	}
	return fallback
}

// Clamp bounds a confidence to [0, limit]. NaN becomes 0.
func Clamp(v, limit float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if limit > 1 || limit <= 0 {
		limit = 1
	}
	if v > limit {
		return limit
	}
	return v
}

func meanConfidence(ext *models.Extraction) float64 {
	n := len(ext.Entities) + len(ext.Relationships)
	if n == 0 {
		return 0
	}
	var sum float64
	for _, e := range ext.Entities {
		sum += e.Confidence
	}
	for _, r := range ext.Relationships {
		sum += r.Confidence
	}
	return Clamp(sum/float64(n), 1)
}
