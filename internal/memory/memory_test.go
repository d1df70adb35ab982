package memory

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddNodeGetNode(t *testing.T) {
	s := openTestStore(t)

	n, err := s.AddNode(Node{Type: NodeFact, Content: "water boils at 100C", Tier: TierTask, Confidence: 0.9})
	require.NoError(t, err)
	assert.NotEmpty(t, n.ID)

	got, ok, err := s.GetNode(n.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "water boils at 100C", got.Content)
	assert.Equal(t, TierTask, got.Tier)
	assert.Equal(t, 0, got.AccessCount)
}

func TestGetNodeMissing(t *testing.T) {
	s := openTestStore(t)
	_, ok, err := s.GetNode("does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTouchIncrementsAccess(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeSnippet, Content: "for i := range x {}", Tier: TierTask, Confidence: 0.5})
	require.NoError(t, err)

	require.NoError(t, s.Touch(n.ID))
	require.NoError(t, s.Touch(n.ID))

	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.AccessCount)
}

func TestTouchMissingReturnsError(t *testing.T) {
	s := openTestStore(t)
	err := s.Touch("nope")
	assert.Error(t, err)
}

func TestUpdateNodeDoesNotChangeTier(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeFact, Content: "v1", Tier: TierSession, Confidence: 0.4})
	require.NoError(t, err)

	n.Content = "v2"
	n.Confidence = 0.8
	n.Tier = TierArchive // UpdateNode must ignore this
	require.NoError(t, s.UpdateNode(n))

	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	assert.Equal(t, 0.8, got.Confidence)
	assert.Equal(t, TierSession, got.Tier, "UpdateNode must never mutate tier")
}

func TestDeleteNodeRemovesMemberships(t *testing.T) {
	s := openTestStore(t)
	a, err := s.AddNode(Node{Type: NodeEntity, Content: "alice", Tier: TierTask, Confidence: 1})
	require.NoError(t, err)
	b, err := s.AddNode(Node{Type: NodeEntity, Content: "bob", Tier: TierTask, Confidence: 1})
	require.NoError(t, err)

	_, err = s.AddEdge(Hyperedge{
		Type:   "knows",
		Label:  "alice knows bob",
		Weight: 1,
		Members: []Member{
			{NodeID: a.ID, Role: "subject", Position: 0},
			{NodeID: b.ID, Role: "object", Position: 1},
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.DeleteNode(a.ID))

	edges, err := s.EdgesFor(b.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Len(t, edges[0].Members, 1, "deleting a member node must remove its hyperedge memberships")
	assert.Equal(t, b.ID, edges[0].Members[0].NodeID)
}

func TestAddEdgeRejectsUnknownMember(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddEdge(Hyperedge{
		Type:    "supports",
		Members: []Member{{NodeID: "ghost", Role: "subject", Position: 0}},
	})
	assert.Error(t, err)
}

func TestEdgesForOrdersMembersByPosition(t *testing.T) {
	s := openTestStore(t)
	n1, _ := s.AddNode(Node{Type: NodeEntity, Content: "one", Tier: TierTask, Confidence: 1})
	n2, _ := s.AddNode(Node{Type: NodeEntity, Content: "two", Tier: TierTask, Confidence: 1})
	n3, _ := s.AddNode(Node{Type: NodeEntity, Content: "three", Tier: TierTask, Confidence: 1})

	_, err := s.AddEdge(Hyperedge{
		Type: "sequence",
		Members: []Member{
			{NodeID: n3.ID, Role: "third", Position: 2},
			{NodeID: n1.ID, Role: "first", Position: 0},
			{NodeID: n2.ID, Role: "second", Position: 1},
		},
	})
	require.NoError(t, err)

	edges, err := s.EdgesFor(n1.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	require.Len(t, edges[0].Members, 3)
	assert.Equal(t, n1.ID, edges[0].Members[0].NodeID)
	assert.Equal(t, n2.ID, edges[0].Members[1].NodeID)
	assert.Equal(t, n3.ID, edges[0].Members[2].NodeID)
}

func TestSearchContentDeterministicOrdering(t *testing.T) {
	s := openTestStore(t)
	now := time.Now()
	for i := 0; i < 3; i++ {
		n, err := s.AddNode(Node{Type: NodeFact, Content: "recursion decomposes a query", Tier: TierTask, Confidence: 1})
		require.NoError(t, err)
		n.LastAccessedAt = now
		require.NoError(t, s.UpdateNode(n))
	}

	first, err := s.SearchContent("recursion query", 10, SearchOptions{})
	require.NoError(t, err)
	second, err := s.SearchContent("recursion query", 10, SearchOptions{})
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Node.ID, second[i].Node.ID, "identical queries over an unchanged store must reproduce ordering")
	}
	for i := 1; i < len(first); i++ {
		if first[i-1].Score == first[i].Score {
			assert.Less(t, first[i-1].Node.ID, first[i].Node.ID, "ties must break by id")
		}
	}
}

func TestSearchContentExcludesArchiveByDefault(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddNode(Node{Type: NodeFact, Content: "archived fact about orchestration", Tier: TierArchive, Confidence: 0.9})
	require.NoError(t, err)

	results, err := s.SearchContent("orchestration", 10, SearchOptions{})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.SearchContent("orchestration", 10, SearchOptions{IncludeArchive: true})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestPromoteAdvancesOneTier(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeFact, Content: "x", Tier: TierTask, Confidence: 1})
	require.NoError(t, err)

	require.NoError(t, s.Promote([]string{n.ID}, "accessed frequently"))
	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, TierSession, got.Tier)

	require.NoError(t, s.Promote([]string{n.ID}, "accessed again"))
	got, _, err = s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, TierLongTerm, got.Tier, "promote must advance exactly one tier per call")
}

func TestPromoteIsNoOpAtArchive(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeFact, Content: "x", Tier: TierArchive, Confidence: 1})
	require.NoError(t, err)

	require.NoError(t, s.Promote([]string{n.ID}, "ignored"))
	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, TierArchive, got.Tier)
}

func TestDecayLowersConfidenceNeverRaisesIt(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeFact, Content: "x", Tier: TierLongTerm, Confidence: 0.8})
	require.NoError(t, err)

	require.NoError(t, s.Decay(0.5, 0.1))
	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.4, got.Confidence, 1e-9)
	assert.Equal(t, TierLongTerm, got.Tier, "confidence above minConfidence must not be demoted")
}

func TestDecayDemotesBelowThresholdToArchive(t *testing.T) {
	s := openTestStore(t)
	n, err := s.AddNode(Node{Type: NodeFact, Content: "x", Tier: TierSession, Confidence: 0.2})
	require.NoError(t, err)

	require.NoError(t, s.Decay(0.1, 0.1))
	got, _, err := s.GetNode(n.ID)
	require.NoError(t, err)
	assert.Equal(t, TierArchive, got.Tier)
	assert.InDelta(t, 0.02, got.Confidence, 1e-9)
}

func TestGetStats(t *testing.T) {
	s := openTestStore(t)
	_, err := s.AddNode(Node{Type: NodeFact, Content: "a", Tier: TierTask, Confidence: 1})
	require.NoError(t, err)
	_, err = s.AddNode(Node{Type: NodeEntity, Content: "b", Tier: TierSession, Confidence: 1})
	require.NoError(t, err)

	stats, err := s.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.NodeCount)
	assert.Equal(t, 1, stats.ByTier[TierTask])
	assert.Equal(t, 1, stats.ByTier[TierSession])
	assert.Equal(t, 1, stats.ByType[NodeFact])
	assert.Equal(t, 1, stats.ByType[NodeEntity])
}
