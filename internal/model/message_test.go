package model

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToggleReaction_AddThenRemove(t *testing.T) {
	groups := ToggleReaction(nil, "👍", "p1")
	require.Equal(t, []ReactionGroup{{Emoji: "👍", Count: 1, Players: []string{"p1"}}}, groups)

	groups = ToggleReaction(groups, "👍", "p2")
	require.Equal(t, 2, groups[0].Count)
	require.Equal(t, []string{"p1", "p2"}, groups[0].Players)

	// Toggling twice restores the original state.
	groups = ToggleReaction(groups, "👍", "p2")
	require.Equal(t, []ReactionGroup{{Emoji: "👍", Count: 1, Players: []string{"p1"}}}, groups)
}

func TestToggleReaction_GroupDisappearsWithLastReactor(t *testing.T) {
	groups := ToggleReaction(nil, "🔥", "p1")
	groups = ToggleReaction(groups, "🔥", "p1")
	require.Nil(t, groups)
}

func TestToggleReaction_KeepsOtherGroups(t *testing.T) {
	groups := ToggleReaction(nil, "👍", "p1")
	groups = ToggleReaction(groups, "🔥", "p2")
	require.Len(t, groups, 2)

	groups = ToggleReaction(groups, "👍", "p1")
	require.Equal(t, []ReactionGroup{{Emoji: "🔥", Count: 1, Players: []string{"p2"}}}, groups)
}

func TestTentative(t *testing.T) {
	m := Message{ID: TentativeIDPrefix + "abc"}
	require.True(t, m.Tentative())
	m.ID = "m42"
	require.False(t, m.Tentative())
}
