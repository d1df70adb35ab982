package trajectory

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendAssignsMonotonicSeq(t *testing.T) {
	s := NewSink()
	a := s.Append(KindStart, 0, nil, nil)
	b := s.Append(KindAnalyze, 0, nil, nil)
	c := s.Append(KindFinal, 0, nil, nil)

	require.Equal(t, int64(0), a.Seq)
	require.Equal(t, int64(1), b.Seq)
	require.Equal(t, int64(2), c.Seq)
}

func TestRecursePairingValid(t *testing.T) {
	s := NewSink()
	s.Append(KindStart, 0, nil, nil)
	s.Append(KindRecurseStart, 0, nil, nil)
	s.Append(KindAnalyze, 1, nil, nil)
	s.Append(KindRecurseEnd, 1, nil, nil)
	s.Append(KindFinal, 0, nil, nil)

	require.NoError(t, s.ValidateRecursePairing())
}

func TestRecursePairingDetectsUnmatchedStart(t *testing.T) {
	s := NewSink()
	s.Append(KindRecurseStart, 0, nil, nil)
	require.Error(t, s.ValidateRecursePairing())
}

func TestExportImportRoundTrip(t *testing.T) {
	s := NewSink()
	s.Append(KindStart, 0, map[string]any{"query": "hi"}, nil)
	first := s.Append(KindModelCall, 0, nil, nil)
	two := first.Seq
	s.Append(KindFinal, 0, nil, &two)

	out1, err := s.Export()
	require.NoError(t, err)

	imported, err := Import(out1)
	require.NoError(t, err)

	out2, err := imported.Export()
	require.NoError(t, err)
	require.Equal(t, out1, out2)
}

func TestRangeFiltersBySeq(t *testing.T) {
	s := NewSink()
	for i := 0; i < 5; i++ {
		s.Append(KindModelCall, 0, nil, nil)
	}
	got := s.Range(2, 4)
	require.Len(t, got, 2)
	require.Equal(t, int64(2), got[0].Seq)
	require.Equal(t, int64(3), got[1].Seq)
}

func TestSubscribeReceivesAppendedEvent(t *testing.T) {
	s := NewSink()
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Append(KindStart, 0, nil, nil)
	ev := <-ch
	require.Equal(t, KindStart, ev.Kind)
}

func TestExportGraphLinksParentSeq(t *testing.T) {
	s := NewSink()
	root := s.Append(KindRecurseStart, 0, nil, nil)
	parent := root.Seq
	s.Append(KindRecurseEnd, 0, nil, &parent)

	graph := s.ExportGraph()
	require.Contains(t, graph[root.Seq].Children, root.Seq+1)
}
