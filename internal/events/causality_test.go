package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausalGraphReconstructsChain(t *testing.T) {
	root := NewBuilder(trade()).WithEventID("e1").MustBuild()
	xp := NewBuilder(XPAwarded{UserID: "u-1", Amount: 10, Reason: "trade"}).WithEventID("e2").CausedBy(root).MustBuild()
	fee := NewBuilder(FeeCharged{FeeID: "f", UserID: "u-1", AmountMinor: 5, Currency: "USD"}).WithEventID("e3").CausedBy(root).MustBuild()
	level := NewBuilder(LevelUp{UserID: "u-1", Level: 2, PreviousLevel: 1}).WithEventID("e4").CausedBy(xp).MustBuild()
	unrelated := NewBuilder(NFTMinted{TokenID: "n", OwnerID: "o", Collection: "c"}).WithEventID("e5").MustBuild()

	g := NewCausalGraph()
	for _, env := range []Envelope{root, xp, fee, level, unrelated} {
		require.NoError(t, g.Add(env))
	}

	ids := func(envs []Envelope) []string {
		out := make([]string, 0, len(envs))
		for _, e := range envs {
			out = append(out, e.EventID)
		}
		return out
	}

	assert.Equal(t, []string{"e2", "e3"}, ids(g.Children("e1")))
	assert.Equal(t, []string{"e2", "e1"}, ids(g.Ancestors("e4")))
	assert.Equal(t, []string{"e1", "e5"}, ids(g.Roots()))
	assert.Equal(t, []string{"e1", "e2", "e3", "e4"}, ids(g.Correlated(root.CorrelationID)))
	assert.Equal(t, 5, g.Len())

	require.Error(t, g.Add(NewBuilder(trade()).MustBuild()))
}
