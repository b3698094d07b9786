package models

import (
	"strings"
	"unicode"
)

// ActorType is the closed set of actor kinds. Anything the extractor labels outside
// this set becomes ActorUnknown.
type ActorType string

const (
	ActorPerson       ActorType = "person"
	ActorRole         ActorType = "role"
	ActorTeam         ActorType = "team"
	ActorSystem       ActorType = "system"
	ActorOrganization ActorType = "organization"
	ActorProject      ActorType = "project"
	ActorLocation     ActorType = "location"
	ActorTechnology   ActorType = "technology"
	ActorUnknown      ActorType = "unknown"
)

var ActorTypes = []ActorType{
	ActorPerson, ActorRole, ActorTeam, ActorSystem, ActorOrganization,
	ActorProject, ActorLocation, ActorTechnology, ActorUnknown,
}

var actorTypeLabels = map[string]ActorType{
	"person": ActorPerson, "people": ActorPerson, "individual": ActorPerson, "human": ActorPerson,
	"employee": ActorPerson, "user": ActorPerson, "stakeholder": ActorPerson, "contact": ActorPerson,
	"per": ActorPerson,

	"role": ActorRole, "position": ActorRole, "title": ActorRole, "job": ActorRole,
	"job_title": ActorRole, "responsibility": ActorRole,

	"team": ActorTeam, "group": ActorTeam, "squad": ActorTeam, "department": ActorTeam,
	"unit": ActorTeam, "tribe": ActorTeam, "chapter": ActorTeam, "guild": ActorTeam,
	"art": ActorTeam,

	"system": ActorSystem, "service": ActorSystem, "application": ActorSystem, "app": ActorSystem,
	"api": ActorSystem, "component": ActorSystem, "tool": ActorSystem, "platform": ActorSystem,
	"database": ActorSystem, "microservice": ActorSystem, "software": ActorSystem,

	"organization": ActorOrganization, "organisation": ActorOrganization, "org": ActorOrganization,
	"company": ActorOrganization, "business": ActorOrganization, "vendor": ActorOrganization,
	"client": ActorOrganization, "customer": ActorOrganization, "partner": ActorOrganization,
	"agency": ActorOrganization,

	"project": ActorProject, "initiative": ActorProject, "program": ActorProject,
	"programme": ActorProject, "epic": ActorProject, "product": ActorProject, "feature": ActorProject,

	"location": ActorLocation, "place": ActorLocation, "city": ActorLocation, "country": ActorLocation,
	"office": ActorLocation, "site": ActorLocation, "region": ActorLocation, "gpe": ActorLocation,
	"loc": ActorLocation,

	"technology": ActorTechnology, "tech": ActorTechnology, "framework": ActorTechnology,
	"language": ActorTechnology, "library": ActorTechnology, "protocol": ActorTechnology,
	"programming_language": ActorTechnology, "stack": ActorTechnology,

	"unknown": ActorUnknown,
}

// ParseActorType maps any extractor label onto the closed enum. The mapping is total.
func ParseActorType(label string) ActorType {
	label = strings.TrimSpace(label)
	// BIO-tagged NER labels ("B-PER", "I-GPE").
	if len(label) > 2 && label[1] == '-' && strings.ContainsRune("biBI", rune(label[0])) {
		label = label[2:]
	}
	key := NormalizeLabel(label)
	if t, ok := actorTypeLabels[key]; ok {
		return t
	}
	// plural forms ("teams", "systems")
	if t, ok := actorTypeLabels[strings.TrimSuffix(key, "s")]; ok {
		return t
	}
	return ActorUnknown
}

func (t ActorType) Valid() bool {
	switch t {
	case ActorPerson, ActorRole, ActorTeam, ActorSystem, ActorOrganization,
		ActorProject, ActorLocation, ActorTechnology, ActorUnknown:
		return true
	}
	return false
}

// NormalizeLabel lower-cases a label and collapses separators into underscores:
// "Works With" and "works-with" both become "works_with".
func NormalizeLabel(label string) string {
	var b strings.Builder
	pendingSep := false
	for _, r := range strings.TrimSpace(label) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(unicode.ToLower(r))
		default:
			pendingSep = true
		}
	}
	return b.String()
}
