package dedup

import (
	"context"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/actor-graph/backend/internal/storage/models"
	"github.com/actor-graph/backend/internal/storage/sqlite"
	"github.com/actor-graph/backend/pkg/config"
	apperrors "github.com/actor-graph/backend/pkg/errors"
)

const scope = "rte-1"

func newTestStore(t *testing.T) *sqlite.Client {
	t.Helper()
	store, err := sqlite.NewClient(filepath.Join(t.TempDir(), "dedup.db"), 1000)
	require.NoError(t, err)
	require.NoError(t, store.InitSchema())
	t.Cleanup(func() { store.Close() })
	return store
}

func strPtr(s string) *string { return &s }

func addActor(t *testing.T, store *sqlite.Client, name string, actorType models.ActorType) *models.Actor {
	t.Helper()
	a, err := store.UpsertActor(context.Background(), &models.Actor{ScopeID: scope, Name: name, Type: actorType, Confidence: 0.5})
	require.NoError(t, err)
	return a
}

func addSuggestion(t *testing.T, store *sqlite.Client, source, target *models.Actor, relType string, evidence int, contexts ...string) *models.Suggestion {
	t.Helper()
	sg := &models.Suggestion{
		ScopeID: scope, SourceID: source.ID, TargetID: target.ID, Type: relType,
		Confidence: 0.5, BaseConfidence: 0.5, EvidenceCount: evidence,
		SourceDocs: []string{source.Name + ".md"}, Contexts: contexts,
	}
	require.NoError(t, store.InsertSuggestion(context.Background(), sg))
	return sg
}

func addRelationship(t *testing.T, store *sqlite.Client, source, target *models.Actor, relType string, confidence float64) *models.Relationship {
	t.Helper()
	r, _, err := store.UpsertRelationship(context.Background(), &models.Relationship{
		ScopeID: scope, SourceID: source.ID, TargetID: target.ID, Type: relType, Confidence: confidence, Approved: true,
	})
	require.NoError(t, err)
	return r
}

type fakeProjector struct {
	deleted []string
	actors  []string
	rels    int
}

func (f *fakeProjector) UpsertActor(ctx context.Context, a *models.Actor) error {
	f.actors = append(f.actors, a.Name)
	return nil
}

func (f *fakeProjector) UpsertRelationship(ctx context.Context, r *models.Relationship) error {
	f.rels++
	return nil
}

func (f *fakeProjector) DeleteActors(ctx context.Context, ids []string) error {
	f.deleted = append(f.deleted, ids...)
	return nil
}

type recordingInvalidator struct{ scopes []string }

func (r *recordingInvalidator) Invalidate(scopeID string) { r.scopes = append(r.scopes, scopeID) }

func TestSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, Similarity("Backend Team", "backend  team"))
	assert.InDelta(t, 1-1.0/12, Similarity("Backend Team", "Backend Tean"), 1e-9)
	assert.Less(t, Similarity("Jan", "Mia"), 0.5)
	assert.Equal(t, 1.0, Similarity("", ""))
	assert.Equal(t, 0.0, Similarity("abc", ""))
	assert.InDelta(t, 0.75, Similarity("Zoë!", "zoë?"), 1e-9, "runes, not bytes")
}

func actorsNamed(names ...string) []*models.Actor {
	out := make([]*models.Actor, len(names))
	for i, n := range names {
		out[i] = &models.Actor{ID: n, Name: n, Type: models.ActorTeam}
	}
	return out
}

func groupNames(groups [][]*models.Actor) [][]string {
	var out [][]string
	for _, g := range groups {
		var names []string
		for _, a := range g {
			names = append(names, a.Name)
		}
		sort.Strings(names)
		out = append(out, names)
	}
	return out
}

func TestClusterStrategies(t *testing.T) {
	// each neighbour is one edit apart, the two ends are two edits apart
	chain := actorsNamed("abcdefghij", "abcdefghiz", "abcdefghyz", "zzzz")

	comps := cluster(chain, 0.85, StrategyComponents)
	assert.Equal(t, [][]string{{"abcdefghij", "abcdefghiz", "abcdefghyz"}}, groupNames(comps))

	greedyGroups := cluster(chain, 0.85, StrategyGreedy)
	assert.Equal(t, [][]string{{"abcdefghij", "abcdefghiz"}}, groupNames(greedyGroups),
		"the seed only collects its own neighbours")

	assert.Nil(t, cluster(actorsNamed("solo"), 0.85, StrategyComponents))

	// one edit in five is exactly 0.8, which does not exceed the threshold
	assert.Empty(t, cluster(actorsNamed("abcde", "abcdz"), 0.8, StrategyComponents))
	assert.Empty(t, cluster(actorsNamed("abcde", "abcdz"), 0.8, StrategyGreedy))
}

func TestComponentsAreOrderIndependent(t *testing.T) {
	names := []string{"Platform Team", "Platfrm Team", "Platform Teams", "Payments", "Paymnts", "Ops"}
	forward := actorsNamed(names...)
	reversed := actorsNamed(names...)
	for i, j := 0, len(reversed)-1; i < j; i, j = i+1, j-1 {
		reversed[i], reversed[j] = reversed[j], reversed[i]
	}

	a := groupNames(components(forward, 0.8))
	b := groupNames(components(reversed, 0.8))
	sort.Slice(a, func(i, j int) bool { return a[i][0] < a[j][0] })
	sort.Slice(b, func(i, j int) bool { return b[i][0] < b[j][0] })
	assert.Equal(t, a, b)
}

func TestCanonicalPrefersLongestName(t *testing.T) {
	keep, merged := canonical(actorsNamed("Jan", "Jan Novak", "Jan Nowak"))
	assert.Equal(t, "Jan Novak", keep.Name, "ties broken by name")
	require.Len(t, merged, 2)
}

func TestMergeDuplicatesRewritesReferences(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	proj := &fakeProjector{}
	inv := &recordingInvalidator{}
	d := New(store, config.DedupConfig{Threshold: 0.8, Strategy: "components"}, nil,
		WithProjector(proj), WithInvalidator(inv))

	full := addActor(t, store, "Backend Team", models.ActorTeam)
	typo := addActor(t, store, "Backend Tean", models.ActorTeam)
	jan := addActor(t, store, "Jan", models.ActorPerson)
	mia := addActor(t, store, "Mia", models.ActorPerson)
	// same name, other type: never merged
	other := addActor(t, store, "Backend Team", models.ActorSystem)

	require.NoError(t, store.UpdateActor(ctx, &models.Actor{
		ID: typo.ID, Description: strPtr("owns payments"), Confidence: 0.9,
		MentionCount: 4, LastSeenAt: time.Now(),
	}))

	// active suggestions that collide after the merge fold together
	addSuggestion(t, store, jan, full, "member_of", 2, "a")
	addSuggestion(t, store, jan, typo, "member_of", 3, "b")
	// a suggestion between the duplicates becomes a self loop
	addSuggestion(t, store, full, typo, "related_to", 1)
	addSuggestion(t, store, mia, typo, "supports", 1)

	addRelationship(t, store, jan, full, "works_with", 0.6)
	addRelationship(t, store, jan, typo, "works_with", 0.8)
	addRelationship(t, store, typo, full, "related_to", 0.5)
	require.NoError(t, store.AddDismissed(ctx, scope, mia.ID, typo.ID, "owns"))

	res, err := d.MergeDuplicates(ctx, scope)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Merged)
	require.Len(t, res.Groups, 1)
	assert.Equal(t, full.ID, res.Groups[0].CanonicalID)
	assert.Equal(t, []string{typo.ID}, res.Groups[0].MergedIDs)

	dangling, err := store.CountDanglingReferences(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, dangling)

	_, err = store.GetActor(ctx, typo.ID)
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeNotFound))
	_, err = store.GetActor(ctx, other.ID)
	assert.NoError(t, err)

	merged, err := store.GetActor(ctx, full.ID)
	require.NoError(t, err)
	assert.Equal(t, 5, merged.MentionCount)
	assert.InDelta(t, 0.9, merged.Confidence, 1e-9)
	require.NotNil(t, merged.Description)
	assert.Equal(t, "owns payments", *merged.Description)

	suggestions, err := store.ListSuggestions(ctx, scope, models.SuggestionFilter{Status: models.SuggestionAll})
	require.NoError(t, err)
	require.Len(t, suggestions, 2)
	byType := map[string]*models.Suggestion{}
	for _, sg := range suggestions {
		byType[sg.Type] = sg
		assert.Equal(t, full.ID, sg.TargetID)
	}
	assert.Equal(t, 5, byType["member_of"].EvidenceCount)
	assert.ElementsMatch(t, []string{"a", "b"}, byType["member_of"].Contexts)
	assert.Equal(t, mia.ID, byType["supports"].SourceID)

	rels, err := store.ListRelationships(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, full.ID, rels[0].TargetID)
	assert.InDelta(t, 0.8, rels[0].Confidence, 1e-9)

	blocked, err := store.IsDismissed(ctx, scope, mia.ID, full.ID, "owns")
	require.NoError(t, err)
	assert.True(t, blocked)

	assert.Equal(t, []string{typo.ID}, proj.deleted)
	assert.Equal(t, []string{"Backend Team"}, proj.actors)
	assert.Equal(t, 1, proj.rels)
	assert.Equal(t, []string{scope}, inv.scopes)
}

func TestMergeDuplicatesIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	d := New(store, config.DedupConfig{Threshold: 0.8, Strategy: "components"}, nil)
	addActor(t, store, "Checkout Service", models.ActorSystem)
	addActor(t, store, "Checkout Servce", models.ActorSystem)
	addActor(t, store, "Checkout Srvice", models.ActorSystem)

	first, err := d.MergeDuplicates(context.Background(), scope)
	require.NoError(t, err)
	assert.Equal(t, 2, first.Merged)

	second, err := d.MergeDuplicates(context.Background(), scope)
	require.NoError(t, err)
	assert.Zero(t, second.Merged)
	assert.Empty(t, second.Groups)
}

func TestMergeDuplicatesValidatesScope(t *testing.T) {
	d := New(newTestStore(t), config.DedupConfig{}, nil)
	_, err := d.MergeDuplicates(context.Background(), "")
	assert.True(t, apperrors.IsErrorType(err, apperrors.ErrorTypeValidation))
}

func TestMergeBounded(t *testing.T) {
	assert.Equal(t, []string{"b", "c", "d"}, mergeBounded([]string{"a", "b"}, []string{"b", "c", "d"}, 3))
	assert.Equal(t, []string{}, mergeBounded(nil, nil, 3))
}

func TestMergeDuplicatesKeepsDismissalsAndConfirmations(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := New(store, config.DedupConfig{Threshold: 0.8, Strategy: "components"}, nil)

	keep := addActor(t, store, "Jan Kowalski", models.ActorPerson)
	dup := addActor(t, store, "Jan Kowalsky", models.ActorPerson)
	team := addActor(t, store, "Payments", models.ActorTeam)
	ledger := addActor(t, store, "Ledger", models.ActorSystem)

	dismissed := addSuggestion(t, store, keep, team, "works_with", 1)
	dismissed.Dismissed = true
	require.NoError(t, store.UpdateSuggestion(ctx, dismissed))
	require.NoError(t, store.AddDismissed(ctx, scope, keep.ID, team.ID, "works_with"))
	addSuggestion(t, store, dup, team, "works_with", 3)

	addRelationship(t, store, keep, ledger, "uses", 0.4)
	addSuggestion(t, store, dup, ledger, "uses", 2)

	// dismissed on the duplicate, still active on the canonical actor
	addSuggestion(t, store, keep, ledger, "owns", 2)
	require.NoError(t, store.AddDismissed(ctx, scope, dup.ID, ledger.ID, "owns"))

	res, err := d.MergeDuplicates(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 1, res.Merged)
	assert.Equal(t, keep.ID, res.Groups[0].CanonicalID)

	active, err := store.ListSuggestions(ctx, scope, models.SuggestionFilter{Status: models.SuggestionActive})
	require.NoError(t, err)
	assert.Empty(t, active)

	rels, err := store.ListRelationships(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, keep.ID, rels[0].SourceID)
	assert.InDelta(t, 0.5, rels[0].Confidence, 1e-9, "suggestion evidence refines the confirmed edge")

	blocked, err := store.IsDismissed(ctx, scope, keep.ID, ledger.ID, "owns")
	require.NoError(t, err)
	assert.True(t, blocked)

	dangling, err := store.CountDanglingReferences(ctx, scope)
	require.NoError(t, err)
	assert.Zero(t, dangling)
}

func TestMergeGroupFoldsConcurrentUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := New(store, config.DedupConfig{Threshold: 0.8}, nil)

	keep := addActor(t, store, "Checkout Service", models.ActorSystem)
	dup := addActor(t, store, "Checkout Servce", models.ActorSystem)
	staleKeep, staleDup := *keep, *dup

	// a save lands between listing the scope and merging
	_, err := store.UpsertActor(ctx, &models.Actor{
		ScopeID: scope, Name: "Checkout Service", Type: models.ActorSystem,
		Role: strPtr("payments"), Confidence: 0.5,
	})
	require.NoError(t, err)
	current, err := store.GetActor(ctx, keep.ID)
	require.NoError(t, err)
	require.Greater(t, current.MentionCount, staleKeep.MentionCount)

	folded, err := d.mergeGroup(ctx, &staleKeep, []*models.Actor{&staleDup})
	require.NoError(t, err)
	require.NotNil(t, folded)

	merged, err := store.GetActor(ctx, keep.ID)
	require.NoError(t, err)
	require.NotNil(t, merged.Role)
	assert.Equal(t, "payments", *merged.Role)
	assert.Equal(t, current.MentionCount+dup.MentionCount, merged.MentionCount)
}

func TestMergeGroupSkipsRemovedActors(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	d := New(store, config.DedupConfig{Threshold: 0.8}, nil)

	keep := addActor(t, store, "Checkout Service", models.ActorSystem)
	dup := addActor(t, store, "Checkout Servce", models.ActorSystem)
	require.NoError(t, store.DeleteActor(ctx, dup.ID))

	folded, err := d.mergeGroup(ctx, keep, []*models.Actor{dup})
	require.NoError(t, err)
	assert.Nil(t, folded)

	unchanged, err := store.GetActor(ctx, keep.ID)
	require.NoError(t, err)
	assert.Equal(t, keep.MentionCount, unchanged.MentionCount)
}
