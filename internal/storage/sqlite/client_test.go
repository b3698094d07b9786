package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/storage/models"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c, err := NewClient(filepath.Join(t.TempDir(), "test.db"), 1000)
	require.NoError(t, err)
	require.NoError(t, c.InitSchema())
	t.Cleanup(func() { c.Close() })
	return c
}

func strPtr(s string) *string { return &s }

func insertDoc(t *testing.T, c *Client, id string) {
	t.Helper()
	_, err := c.UpsertDocument(context.Background(), &models.Document{
		ID: id, ScopeID: "rte", SourceRef: id + ".md", RawContent: "x", ContentHash: "h-" + id,
	})
	require.NoError(t, err)
}

func TestUpsertActorFillsNullsAndCountsMentions(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	first, err := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Jan", Type: models.ActorPerson, Confidence: 0.6})
	require.NoError(t, err)
	assert.Equal(t, 1, first.MentionCount)
	assert.Nil(t, first.Role)

	second, err := c.UpsertActor(ctx, &models.Actor{
		ScopeID: "rte", Name: "Jan", Type: models.ActorPerson, Confidence: 0.4,
		Role: strPtr("Engineer"), Team: strPtr("Backend"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.MentionCount)
	assert.Equal(t, "Engineer", *second.Role)
	assert.InDelta(t, 0.6, second.Confidence, 1e-9)

	third, err := c.UpsertActor(ctx, &models.Actor{
		ScopeID: "rte", Name: "Jan", Type: models.ActorPerson, Role: strPtr("Manager"),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, third.MentionCount)
	assert.Equal(t, "Engineer", *third.Role, "non-null values are never overwritten")
	assert.Equal(t, "Backend", *third.Team, "null input keeps the stored value")
}

func TestActorUniquePerScopeTypeName(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, err := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Backend", Type: models.ActorTeam})
	require.NoError(t, err)
	b, err := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Backend", Type: models.ActorSystem})
	require.NoError(t, err)
	other, err := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte-2", Name: "Backend", Type: models.ActorTeam})
	require.NoError(t, err)

	assert.NotEqual(t, a.ID, b.ID)
	assert.NotEqual(t, a.ID, other.ID)

	found, err := c.FindActorByName(ctx, "rte", "backend")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "rte", found.ScopeID)

	missing, err := c.FindActorByName(ctx, "rte", "nobody")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestActiveSuggestionIndexAllowsOnlyOne(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	jan, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Jan", Type: models.ActorPerson})
	team, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Backend team", Type: models.ActorTeam})

	sg := &models.Suggestion{ScopeID: "rte", SourceID: jan.ID, TargetID: team.ID, Type: "works_with", Confidence: 0.5, BaseConfidence: 0.5, EvidenceCount: 1}
	require.NoError(t, c.InsertSuggestion(ctx, sg))

	dup := *sg
	dup.ID = ""
	err := c.InsertSuggestion(ctx, &dup)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeStoreUnavailable))

	sg.Dismissed = true
	require.NoError(t, c.UpdateSuggestion(ctx, sg))

	fresh := *sg
	fresh.ID = ""
	fresh.Dismissed = false
	require.NoError(t, c.InsertSuggestion(ctx, &fresh), "inactive rows do not block a new active row")

	active, err := c.FindActiveSuggestion(ctx, "rte", jan.ID, team.ID, "works_with")
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, fresh.ID, active.ID)
}

func TestListSuggestionsFilter(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "A", Type: models.ActorPerson})
	b, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "B", Type: models.ActorPerson})
	require.NoError(t, c.InsertSuggestion(ctx, &models.Suggestion{ScopeID: "rte", SourceID: a.ID, TargetID: b.ID, Type: "works_with", Confidence: 0.8, EvidenceCount: 3, Contexts: []string{"ctx"}}))
	require.NoError(t, c.InsertSuggestion(ctx, &models.Suggestion{ScopeID: "rte", SourceID: b.ID, TargetID: a.ID, Type: "reports_to", Confidence: 0.4, EvidenceCount: 1}))

	all, err := c.ListSuggestions(ctx, "rte", models.SuggestionFilter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "works_with", all[0].Type)
	assert.Equal(t, []string{"ctx"}, all[0].Contexts)
	assert.Empty(t, all[1].SourceDocs)

	strong, err := c.ListSuggestions(ctx, "rte", models.SuggestionFilter{MinEvidence: 2})
	require.NoError(t, err)
	assert.Len(t, strong, 1)

	_, err = c.ListSuggestions(ctx, "rte", models.SuggestionFilter{Status: "bogus"})
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestDeleteActorRestrictedByReferences(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "A", Type: models.ActorPerson})
	b, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "B", Type: models.ActorPerson})
	_, created, err := c.UpsertRelationship(ctx, &models.Relationship{ScopeID: "rte", SourceID: a.ID, TargetID: b.ID, Type: "works_with", Confidence: 0.7, Approved: true})
	require.NoError(t, err)
	assert.True(t, created)

	assert.Error(t, c.DeleteActor(ctx, b.ID))

	n, err := c.CountDanglingReferences(ctx, "rte")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUpsertRelationshipRefinesConfidenceOnly(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "A", Type: models.ActorPerson})
	b, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "B", Type: models.ActorTeam})

	first, _, err := c.UpsertRelationship(ctx, &models.Relationship{ScopeID: "rte", SourceID: a.ID, TargetID: b.ID, Type: "member_of", Context: "first", Confidence: 0.6, Approved: true})
	require.NoError(t, err)

	again, created, err := c.UpsertRelationship(ctx, &models.Relationship{ScopeID: "rte", SourceID: a.ID, TargetID: b.ID, Type: "member_of", Context: "second", Confidence: 0.8, Approved: true})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)
	assert.InDelta(t, 0.8, again.Confidence, 1e-9)
	assert.Equal(t, "first", again.Context)

	lower, _, err := c.UpsertRelationship(ctx, &models.Relationship{ScopeID: "rte", SourceID: a.ID, TargetID: b.ID, Type: "member_of", Confidence: 0.1, Approved: true})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, lower.Confidence, 1e-9)
}

func TestRewriteDismissed(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	a, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Jan", Type: models.ActorPerson})
	dup, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Jan Smith", Type: models.ActorPerson})
	team, _ := c.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Backend", Type: models.ActorTeam})

	require.NoError(t, c.AddDismissed(ctx, "rte", a.ID, team.ID, "works_with"))
	require.NoError(t, c.AddDismissed(ctx, "rte", team.ID, a.ID, "owns"))
	require.NoError(t, c.AddDismissed(ctx, "rte", a.ID, dup.ID, "works_with"))

	require.NoError(t, c.RewriteDismissed(ctx, a.ID, dup.ID))

	ok, err := c.IsDismissed(ctx, "rte", dup.ID, team.ID, "works_with")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = c.IsDismissed(ctx, "rte", team.ID, dup.ID, "owns")
	assert.True(t, ok)
	ok, _ = c.IsDismissed(ctx, "rte", a.ID, team.ID, "works_with")
	assert.False(t, ok)
	ok, _ = c.IsDismissed(ctx, "rte", dup.ID, dup.ID, "works_with")
	assert.False(t, ok)

	require.NoError(t, c.DeleteActor(ctx, a.ID))
}

func TestQueueClaimIsFIFO(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	insertDoc(t, c, "d1")
	insertDoc(t, c, "d2")

	first, err := c.InsertQueueItem(ctx, "d1")
	require.NoError(t, err)
	second, err := c.InsertQueueItem(ctx, "d2")
	require.NoError(t, err)

	_, err = c.InsertQueueItem(ctx, "d1")
	assert.Error(t, err, "only one open item per document")

	got, err := c.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	assert.Equal(t, models.QueueProcessing, got.Status)
	assert.NotNil(t, got.StartedAt)

	got, err = c.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)

	got, err = c.ClaimNextPending(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateQueueItemCompareAndSet(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	insertDoc(t, c, "d1")

	item, err := c.InsertQueueItem(ctx, "d1")
	require.NoError(t, err)

	ok, err := c.UpdateQueueItem(ctx, item.ID, models.QueueProcessing, models.QueueComplete, 0, "")
	require.NoError(t, err)
	assert.False(t, ok, "item is pending, not processing")

	ok, err = c.UpdateQueueItem(ctx, item.ID, models.QueuePending, models.QueueDead, 3, "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	stored, err := c.GetQueueItem(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueDead, stored.Status)
	assert.Equal(t, "boom", stored.ErrorMessage)
	assert.NotNil(t, stored.CompletedAt)

	_, err = c.GetQueueItem(ctx, 999)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}

func TestResetQueueItemsSkipsDocumentsWithOpenItems(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	insertDoc(t, c, "d1")
	insertDoc(t, c, "d2")

	dead1, _ := c.InsertQueueItem(ctx, "d1")
	_, _ = c.UpdateQueueItem(ctx, dead1.ID, models.QueuePending, models.QueueDead, 3, "x")
	_, _ = c.InsertQueueItem(ctx, "d1")

	dead2, _ := c.InsertQueueItem(ctx, "d2")
	_, _ = c.UpdateQueueItem(ctx, dead2.ID, models.QueuePending, models.QueueDead, 3, "x")

	n, err := c.ResetQueueItems(ctx, models.QueueDead)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	stored, _ := c.GetQueueItem(ctx, dead2.ID)
	assert.Equal(t, models.QueuePending, stored.Status)
	assert.Zero(t, stored.Attempts)

	stats, err := c.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats[models.QueuePending])
	assert.Equal(t, 1, stats[models.QueueDead])
	assert.Equal(t, 0, stats[models.QueueComplete])
}

func TestDocumentTagsAndStatus(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	changed, err := c.UpsertDocument(ctx, &models.Document{ID: "d1", ScopeID: "rte", SourceRef: "a.md", RawContent: "x", ContentHash: "h1"})
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = c.UpsertDocument(ctx, &models.Document{ID: "d1", ScopeID: "rte", SourceRef: "a.md", RawContent: "x", ContentHash: "h1"})
	require.NoError(t, err)
	assert.False(t, changed)

	require.NoError(t, c.ReplaceDocumentTags(ctx, "d1", []string{"jan", "matcher-api", "jan"}))
	tags, err := c.DocumentTags(ctx, "rte")
	require.NoError(t, err)
	assert.Equal(t, []string{"jan", "matcher-api"}, tags["d1"])

	require.NoError(t, c.SetDocumentStatus(ctx, "d1", models.DocumentFailed, "gave up"))
	doc, err := c.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, models.DocumentFailed, doc.ExtractionStatus)
	assert.Equal(t, "gave up", doc.ExtractionError)

	_, err = c.GetDocument(ctx, "missing")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
}

func TestInTxRollsBack(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.InTx(ctx, func(q *Queries) error {
		if _, err := q.UpsertActor(ctx, &models.Actor{ScopeID: "rte", Name: "Ghost", Type: models.ActorPerson}); err != nil {
			return err
		}
		return apperrors.NewValidation("scope", "forced")
	})
	require.Error(t, err)

	actors, err := c.ListActors(ctx, "rte")
	require.NoError(t, err)
	assert.Empty(t, actors)
}
