package consensus_test

import (
	"testing"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/stretchr/testify/require"
)

var question = consensus.TaskQuestion{TaskType: consensus.TaskRandomNumber, BlockHeight: 3, TaskAnswer: "100"}

func TestSelectWinnerIsDeterministic(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	answers := []consensus.NumberAnswer{
		{Address: "far", Answer: 10, NextBlockHeight: 3, SubmitTime: t0},
		{Address: "late", Answer: 95, NextBlockHeight: 3, SubmitTime: t0.Add(2 * time.Second)},
		{Address: "early", Answer: 105, NextBlockHeight: 3, SubmitTime: t0.Add(time.Second)},
		{Address: "b-tie", Answer: 95, NextBlockHeight: 3, SubmitTime: t0.Add(time.Second)},
		{Address: "stale", Answer: 100, NextBlockHeight: 2, SubmitTime: t0},
	}

	w, ok := consensus.SelectWinner(question, answers, nil)
	require.True(t, ok)
	require.Equal(t, "b-tie", w.Address)

	reversed := make([]consensus.NumberAnswer, len(answers))
	for i, a := range answers {
		reversed[len(answers)-1-i] = a
	}
	again, _ := consensus.SelectWinner(question, reversed, nil)
	require.Equal(t, w, again)

	w, _ = consensus.SelectWinner(question, answers, map[string]bool{"b-tie": true})
	require.Equal(t, "early", w.Address)

	_, ok = consensus.SelectWinner(question, answers, map[string]bool{"far": true, "late": true, "early": true, "b-tie": true})
	require.False(t, ok)
}

func TestSelectContendersLeadsWithWinner(t *testing.T) {
	answers := []consensus.NumberAnswer{
		{Address: "a", Answer: 1, NextBlockHeight: 3},
		{Address: "b", Answer: 99, NextBlockHeight: 3},
		{Address: "c", Answer: 50, NextBlockHeight: 3},
		{Address: "d", Answer: 101, NextBlockHeight: 3},
	}
	got := consensus.SelectContenders(question, answers, map[string]bool{"d": true}, 1)
	require.Len(t, got, 2)
	require.Equal(t, "b", got[0].Address)
	require.Equal(t, "c", got[1].Address)
}

func TestSelectLegacyWinnerTakesEarliest(t *testing.T) {
	t0 := time.Unix(1700000000, 0)
	answers := []consensus.BlockAnswer{
		{Address: "second", Block: &core.Block{Height: 3}, SubmitTime: t0.Add(time.Second)},
		{Address: "first", Block: &core.Block{Height: 3}, SubmitTime: t0},
		{Address: "wrong", Block: &core.Block{Height: 4}, SubmitTime: t0.Add(-time.Second)},
		{Address: "empty", SubmitTime: t0.Add(-time.Second)},
	}
	w, ok := consensus.SelectLegacyWinner(question, answers, nil)
	require.True(t, ok)
	require.Equal(t, "first", w.Address)

	w, _ = consensus.SelectLegacyWinner(question, answers, map[string]bool{"first": true})
	require.Equal(t, "second", w.Address)
}

func TestRandomChallenger(t *testing.T) {
	q, err := consensus.RandomChallenger{Max: 10}.NewChallenge(consensus.TaskRandomNumber, 8)
	require.NoError(t, err)
	require.Equal(t, int64(8), q.BlockHeight)
	n, err := q.Number()
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 1)
	require.LessOrEqual(t, n, 10)
	require.Empty(t, q.Public().TaskAnswer)

	_, err = consensus.RandomChallenger{}.NewChallenge("pow", 8)
	require.ErrorIs(t, err, consensus.ErrUnknownTask)
}
