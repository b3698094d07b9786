package models

import "time"

type Document struct {
	ID               string    `json:"id"`
	ScopeID          string    `json:"scope_id"`
	SourceRef        string    `json:"source_ref"`
	Title            string    `json:"title"`
	RawContent       string    `json:"raw_content,omitempty"`
	ContentHash      string    `json:"content_hash"`
	ExtractionStatus string    `json:"extraction_status"`
	ExtractionError  string    `json:"extraction_error"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Document extraction status values.
const (
	DocumentPending  = "pending"
	DocumentComplete = "complete"
	DocumentFailed   = "failed"
)

type Actor struct {
	ID           string    `json:"id"`
	ScopeID      string    `json:"scope_id"`
	Name         string    `json:"name"`
	Type         ActorType `json:"type"`
	Role         *string   `json:"role,omitempty"`
	Team         *string   `json:"team,omitempty"`
	Organization *string   `json:"organization,omitempty"`
	Description  *string   `json:"description,omitempty"`
	Confidence   float64   `json:"confidence"`
	MentionCount int       `json:"mention_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

type Suggestion struct {
	ID             string    `json:"id"`
	ScopeID        string    `json:"scope_id"`
	SourceID       string    `json:"source_id"`
	TargetID       string    `json:"target_id"`
	Type           string    `json:"type"`
	Confidence     float64   `json:"confidence"`
	BaseConfidence float64   `json:"base_confidence"`
	EvidenceCount  int       `json:"evidence_count"`
	SourceDocs     []string  `json:"source_docs"`
	Contexts       []string  `json:"contexts"`
	Approved       bool      `json:"approved"`
	Dismissed      bool      `json:"dismissed"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Active reports whether the suggestion still accepts evidence.
func (s *Suggestion) Active() bool {
	return !s.Approved && !s.Dismissed
}

type Relationship struct {
	ID          string    `json:"id"`
	ScopeID     string    `json:"scope_id"`
	SourceID    string    `json:"source_id"`
	TargetID    string    `json:"target_id"`
	Type        string    `json:"type"`
	Context     string    `json:"context"`
	Strength    float64   `json:"strength"`
	Confidence  float64   `json:"confidence"`
	Approved    bool      `json:"approved"`
	SourceDocID string    `json:"source_doc_id"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type QueueItem struct {
	ID           int64       `json:"id"`
	DocumentID   string      `json:"document_id"`
	Status       QueueStatus `json:"status"`
	Attempts     int         `json:"attempts"`
	ErrorMessage string      `json:"error_message"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// QueueStatus is the persisted state of a queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueComplete   QueueStatus = "complete"
	QueueFailed     QueueStatus = "failed"
	QueueDead       QueueStatus = "dead"
)

// QueueStatuses lists every status in display order.
var QueueStatuses = []QueueStatus{QueuePending, QueueProcessing, QueueComplete, QueueFailed, QueueDead}

// ExtractedEntity is one actor mention produced by the extraction oracle.
type ExtractedEntity struct {
	Name         string    `json:"name"`
	Type         ActorType `json:"type"`
	Confidence   float64   `json:"confidence"`
	Role         string    `json:"role,omitempty"`
	Team         string    `json:"team,omitempty"`
	Organization string    `json:"organization,omitempty"`
	Description  string    `json:"description,omitempty"`
}

// ExtractedRelationship is one relationship observation produced by the extraction oracle.
type ExtractedRelationship struct {
	Source     string  `json:"source"`
	Target     string  `json:"target"`
	Type       string  `json:"type"`
	Context    string  `json:"context,omitempty"`
	Confidence float64 `json:"confidence"`
}

type Extraction struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
	Confidence    float64                 `json:"confidence"`
	Backend       string                  `json:"backend"`
	Degraded      bool                    `json:"degraded"`
}

// SuggestionFilter narrows the suggestion inbox. Zero values match everything; Status
// defaults to active.
type SuggestionFilter struct {
	Status        string  `json:"status"`
	Type          string  `json:"type"`
	ActorID       string  `json:"actor_id"`
	MinConfidence float64 `json:"min_confidence"`
	MinEvidence   int     `json:"min_evidence"`
	Limit         int     `json:"limit"`
	Offset        int     `json:"offset"`
}

// Suggestion inbox status filters.
const (
	SuggestionActive    = "active"
	SuggestionApproved  = "approved"
	SuggestionDismissed = "dismissed"
	SuggestionAll       = "all"
)
