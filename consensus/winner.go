package consensus

import (
	"sort"
)

func distance(a, b int) int {
	if a > b {
		return a - b
	}
	return b - a
}

// rankAnswers orders the eligible answers by distance to secret, then by
// submission time, then by address.
func rankAnswers(q TaskQuestion, answers []NumberAnswer, excluded map[string]bool) ([]NumberAnswer, error) {
	secret, err := q.Number()
	if err != nil {
		return nil, err
	}
	ranked := make([]NumberAnswer, 0, len(answers))
	for _, a := range answers {
		if a.NextBlockHeight != q.BlockHeight || excluded[a.Address] {
			continue
		}
		ranked = append(ranked, a)
	}
	sort.Slice(ranked, func(i, j int) bool {
		di, dj := distance(ranked[i].Answer, secret), distance(ranked[j].Answer, secret)
		if di != dj {
			return di < dj
		}
		if !ranked[i].SubmitTime.Equal(ranked[j].SubmitTime) {
			return ranked[i].SubmitTime.Before(ranked[j].SubmitTime)
		}
		return ranked[i].Address < ranked[j].Address
	})
	return ranked, nil
}

// SelectWinner returns the answer closest to the hidden number among those
// not excluded. The result depends only on its inputs.
func SelectWinner(q TaskQuestion, answers []NumberAnswer, excluded map[string]bool) (NumberAnswer, bool) {
	ranked, err := rankAnswers(q, answers, excluded)
	if err != nil || len(ranked) == 0 {
		return NumberAnswer{}, false
	}
	return ranked[0], true
}

// SelectContenders returns the winner first, followed by up to n of the
// next closest answers.
func SelectContenders(q TaskQuestion, answers []NumberAnswer, excluded map[string]bool, n int) []NumberAnswer {
	ranked, err := rankAnswers(q, answers, excluded)
	if err != nil {
		return nil
	}
	if len(ranked) > n+1 {
		ranked = ranked[:n+1]
	}
	return ranked
}

// SelectLegacyWinner returns the earliest legacy answer whose block targets
// the round height.
func SelectLegacyWinner(q TaskQuestion, answers []BlockAnswer, excluded map[string]bool) (BlockAnswer, bool) {
	var (
		best  BlockAnswer
		found bool
	)
	for _, a := range answers {
		if excluded[a.Address] || a.Block == nil || a.Block.Height != q.BlockHeight {
			continue
		}
		if !found || a.SubmitTime.Before(best.SubmitTime) ||
			(a.SubmitTime.Equal(best.SubmitTime) && a.Address < best.Address) {
			best, found = a, true
		}
	}
	return best, found
}
