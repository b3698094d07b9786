package extraction

import (
	"regexp"
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/actor-graph/backend/internal/storage/models"
)

// Base confidences of pattern matches, before the fallback cap applies.
const (
	patternTeamConfidence     = 0.6
	patternSystemConfidence   = 0.6
	patternOrgConfidence      = 0.55
	patternRoleConfidence     = 0.55
	patternPersonConfidence   = 0.5
	patternNERConfidence      = 0.45
	patternRelationConfidence = 0.5
	patternArrowConfidence    = 0.65
)

var (
	headerPattern = regexp.MustCompile(`^\s{0,3}(#{1,6})\s+(.+?)\s*#*\s*$`)
	arrowPattern  = regexp.MustCompile(`^\s*[-*]\s+(.+?)\s+->\s+(.+?)(?:\s+\(([^)]+)\))?\s*$`)
	bulletPrefix  = regexp.MustCompile(`^\s*(?:[-*+•]|\d+[.)])\s+`)

	capWord = `\p{Lu}[\p{L}\p{N}&.'-]*`
	capSeq  = capWord + `(?:\s+` + capWord + `)*`

	teamPattern   = regexp.MustCompile(`\b(` + capSeq + `)\s+((?i:team|squad|group|department|guild|tribe|chapter|unit))\b`)
	systemPattern = regexp.MustCompile(`\b(` + capSeq + `)\s+((?i:api|service|system|platform|database|db|app|application|pipeline|portal|gateway|backend|frontend))\b`)
	orgPattern    = regexp.MustCompile(`\b(` + capSeq + `)\s+(Inc|Ltd|GmbH|Corp|Corporation|LLC|AG|BV|plc)\b\.?`)
	personPattern = regexp.MustCompile(`\b\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+){0,2}\b`)
	sentenceSplit = regexp.MustCompile(`[.!?;]+(?:\s+|$)|\n+`)
)

var roleKeywords = []string{
	"release train engineer", "product owner", "product manager", "scrum master",
	"engineering manager", "business owner", "solution architect", "system architect",
	"tech lead", "team lead", "qa engineer", "data scientist", "architect",
	"developer", "designer", "tester", "analyst", "cto", "ceo", "rte",
}

var rolePattern, personRolePattern *regexp.Regexp

func init() {
	alts := make([]string, len(roleKeywords))
	for i, r := range roleKeywords {
		alts[i] = regexp.QuoteMeta(r)
	}
	roles := `(?i:` + strings.Join(alts, "|") + `)`
	rolePattern = regexp.MustCompile(`\b(` + roles + `)\b`)
	personRolePattern = regexp.MustCompile(`\b(\p{Lu}\p{Ll}+(?:\s+\p{Lu}\p{Ll}+){0,2})\s*(?:,\s*|\(\s*|[-–:]\s*|\s+is\s+|\s+as\s+)(?:(?i:the|our|a|an)\s+)?(` + roles + `)\b`)
}

type verbRule struct {
	pattern *regexp.Regexp
	relType string
}

var verbRules = []verbRule{
	{regexp.MustCompile(`(?i)\b(?:works|working|worked|collaborates|collaborating|pairs|pairing)\s+with\b`), "works_with"},
	{regexp.MustCompile(`(?i)\breports?\s+(?:directly\s+)?to\b`), "reports_to"},
	{regexp.MustCompile(`(?i)\b(?:owns|maintains|is\s+responsible\s+for)\b`), "owns"},
	{regexp.MustCompile(`(?i)\bdepends?\s+on\b`), "depends_on"},
	{regexp.MustCompile(`(?i)\b(?:uses|relies\s+on|calls|integrates\s+with)\b`), "uses"},
	{regexp.MustCompile(`(?i)\b(?:manages|leads|heads|runs)\b`), "manages"},
	{regexp.MustCompile(`(?i)\b(?:is\s+)?(?:a\s+)?(?:member\s+of|part\s+of|belongs\s+to|joined)\b`), "member_of"},
	{regexp.MustCompile(`(?i)\b(?:communicates|talks|talked|speaks)\s+(?:with|to)\b`), "communicates_with"},
	{regexp.MustCompile(`(?i)\bsupports\b`), "supports"},
}

var stopwords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`The A An This That These Those We I It They He She You Our Their Your My Its His Her
		In On At For With And But Or If When Then After Before During Also Next Last First Each Every All Some No Yes
		Today Tomorrow Yesterday Monday Tuesday Wednesday Thursday Friday Saturday Sunday
		January February March April June July August September October November December
		Notes Note Meeting Agenda Action Actions Items Item Summary Steps Status Update Updates Decision Decisions
		Team Teams System Systems Project Projects Role Roles Risk Risks Open Questions Question TODO Done Blocked
		Please Thanks Hello Hi Dear Regards Attendees Participants Discussion Overview Background Goals Goal
		Sprint Release Review Retro Planning Demo Standup PI Iteration Objectives Dependencies Feature Features`) {
		stopwords[w] = true
	}
}

type mention struct {
	start, end int
	entity     models.ExtractedEntity
}

// PatternExtractor is the deterministic extractor used when no backend gives a usable
// answer. Its confidences never exceed the configured cap.
type PatternExtractor struct {
	cap      float64
	useProse bool
	log      *zap.Logger
}

func NewPatternExtractor(confidenceCap float64, useProse bool, log *zap.Logger) *PatternExtractor {
	if confidenceCap <= 0 || confidenceCap > 1 {
		confidenceCap = 0.7
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &PatternExtractor{cap: confidenceCap, useProse: useProse, log: log}
}

func (p *PatternExtractor) Name() string {
	return "pattern"
}

func (p *PatternExtractor) Extract(text string) *models.Extraction {
	ext := &models.Extraction{Backend: p.Name(), Degraded: true}

	for _, sec := range segment(text) {
		var sectionTeam string
		if sec.header != "" {
			headerMentions := p.mentions(sec.header)
			for _, m := range headerMentions {
				ext.Entities = append(ext.Entities, m.entity)
			}
			if len(headerMentions) == 1 && headerMentions[0].entity.Type == models.ActorTeam {
				sectionTeam = headerMentions[0].entity.Name
			}
		}

		for _, line := range sec.lines {
			if m := arrowPattern.FindStringSubmatch(line); m != nil {
				ext.Relationships = append(ext.Relationships, models.ExtractedRelationship{
					Source:     m[1],
					Target:     m[2],
					Type:       m[3],
					Context:    strings.TrimSpace(line),
					Confidence: patternArrowConfidence,
				})
				for _, name := range []string{m[1], m[2]} {
					if t := GuessType(name); t != models.ActorUnknown {
						ext.Entities = append(ext.Entities, models.ExtractedEntity{Name: name, Type: t, Confidence: patternPersonConfidence})
					}
				}
				continue
			}

			line = bulletPrefix.ReplaceAllString(line, "")
			for _, sentence := range sentenceSplit.Split(line, -1) {
				if strings.TrimSpace(sentence) == "" {
					continue
				}
				mentions := p.mentions(sentence)
				for _, m := range mentions {
					e := m.entity
					if sectionTeam != "" && e.Type == models.ActorPerson && e.Team == "" {
						e.Team = sectionTeam
					}
					ext.Entities = append(ext.Entities, e)
				}
				ext.Relationships = append(ext.Relationships, relations(sentence, mentions)...)
			}
		}
	}

	if p.useProse {
		ext.Entities = append(ext.Entities, p.namedEntities(text)...)
	}

	Normalize(ext, p.cap)
	ext.Confidence = Clamp(meanConfidence(ext), p.cap)
	return ext
}

type section struct {
	header string
	lines  []string
}

// segment splits markdown on headers. Text before the first header forms a section
// with no header.
func segment(text string) []section {
	var sections []section
	current := section{}
	for _, line := range strings.Split(text, "\n") {
		if m := headerPattern.FindStringSubmatch(line); m != nil {
			if current.header != "" || len(current.lines) > 0 {
				sections = append(sections, current)
			}
			current = section{header: m[2]}
			continue
		}
		if strings.TrimSpace(line) != "" {
			current.lines = append(current.lines, line)
		}
	}
	if current.header != "" || len(current.lines) > 0 {
		sections = append(sections, current)
	}
	return sections
}

// mentions finds actor mentions in one sentence, in order of appearance. Longer, typed
// matches claim their span first so "Matcher API" is never also a person "Matcher".
func (p *PatternExtractor) mentions(sentence string) []mention {
	var found []mention
	// role phrases attached to a person ("Alice, the product owner") belong to that person
	var attached [][2]int
	taken := func(start, end int) bool {
		for _, m := range found {
			if start < m.end && end > m.start {
				return true
			}
		}
		for _, span := range attached {
			if start < span[1] && end > span[0] {
				return true
			}
		}
		return false
	}
	add := func(start, end int, e models.ExtractedEntity) {
		if taken(start, end) {
			return
		}
		e.Name = CleanName(e.Name)
		if !meaningfulName(e.Name) || stopwords[e.Name] {
			return
		}
		found = append(found, mention{start: start, end: end, entity: e})
	}

	for _, loc := range personRolePattern.FindAllStringSubmatchIndex(sentence, -1) {
		name := sentence[loc[2]:loc[3]]
		if stopwords[firstWord(name)] {
			continue
		}
		add(loc[2], loc[3], models.ExtractedEntity{
			Name: name, Type: models.ActorPerson, Confidence: patternPersonConfidence + 0.1,
			Role: titleCase(sentence[loc[4]:loc[5]]),
		})
		attached = append(attached, [2]int{loc[3], loc[1]})
	}
	for _, loc := range teamPattern.FindAllStringIndex(sentence, -1) {
		add(loc[0], loc[1], models.ExtractedEntity{Name: sentence[loc[0]:loc[1]], Type: models.ActorTeam, Confidence: patternTeamConfidence})
	}
	for _, loc := range orgPattern.FindAllStringIndex(sentence, -1) {
		add(loc[0], loc[1], models.ExtractedEntity{Name: sentence[loc[0]:loc[1]], Type: models.ActorOrganization, Confidence: patternOrgConfidence})
	}
	for _, loc := range systemPattern.FindAllStringIndex(sentence, -1) {
		add(loc[0], loc[1], models.ExtractedEntity{Name: sentence[loc[0]:loc[1]], Type: models.ActorSystem, Confidence: patternSystemConfidence})
	}
	for _, loc := range rolePattern.FindAllStringIndex(sentence, -1) {
		add(loc[0], loc[1], models.ExtractedEntity{Name: titleCase(sentence[loc[0]:loc[1]]), Type: models.ActorRole, Confidence: patternRoleConfidence})
	}
	for _, loc := range personPattern.FindAllStringIndex(sentence, -1) {
		name := sentence[loc[0]:loc[1]]
		words := strings.Fields(name)
		// "Yesterday Jan" names Jan
		for len(words) > 0 && stopwords[words[0]] {
			loc[0] += strings.Index(sentence[loc[0]:], words[0]) + len(words[0])
			words = words[1:]
		}
		if len(words) == 0 {
			continue
		}
		name = strings.Join(words, " ")
		start := loc[0] + strings.Index(sentence[loc[0]:], words[0])
		add(start, loc[1], models.ExtractedEntity{Name: name, Type: models.ActorPerson, Confidence: patternPersonConfidence})
	}

	sort.Slice(found, func(i, j int) bool { return found[i].start < found[j].start })
	return found
}

// relations links the nearest mention before each verb phrase to the nearest one after it.
func relations(sentence string, mentions []mention) []models.ExtractedRelationship {
	if len(mentions) < 2 {
		return nil
	}
	var out []models.ExtractedRelationship
	for _, rule := range verbRules {
		for _, loc := range rule.pattern.FindAllStringIndex(sentence, -1) {
			var source, target *mention
			for i := range mentions {
				m := &mentions[i]
				if m.end <= loc[0] {
					source = m
				} else if m.start >= loc[1] && target == nil {
					target = m
				}
			}
			if source == nil || target == nil {
				continue
			}
			out = append(out, models.ExtractedRelationship{
				Source:     source.entity.Name,
				Target:     target.entity.Name,
				Type:       rule.relType,
				Context:    strings.TrimSpace(sentence),
				Confidence: patternRelationConfidence,
			})
		}
	}
	return out
}

// GuessType infers an actor type from keywords in a name, or unknown.
func GuessType(name string) models.ActorType {
	switch {
	case teamPattern.MatchString(name):
		return models.ActorTeam
	case orgPattern.MatchString(name):
		return models.ActorOrganization
	case systemPattern.MatchString(name):
		return models.ActorSystem
	case rolePattern.MatchString(name) && len(strings.Fields(name)) <= 4:
		return models.ActorRole
	}
	return models.ActorUnknown
}

// namedEntities runs the prose NER tagger. Tagger failures only cost recall.
func (p *PatternExtractor) namedEntities(text string) []models.ExtractedEntity {
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		p.log.Debug("NER tagging failed", zap.Error(err))
		return nil
	}
	var out []models.ExtractedEntity
	for _, ent := range doc.Entities() {
		t := models.ParseActorType(ent.Label)
		if t == models.ActorUnknown || stopwords[ent.Text] {
			continue
		}
		out = append(out, models.ExtractedEntity{Name: ent.Text, Type: t, Confidence: patternNERConfidence})
	}
	return out
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}

func titleCase(s string) string {
	words := strings.Fields(strings.ToLower(s))
	for i, w := range words {
		if len(w) <= 3 && (w == "rte" || w == "cto" || w == "ceo" || w == "qa") {
			words[i] = strings.ToUpper(w)
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
