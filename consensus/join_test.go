package consensus_test

import (
	"net/url"
	"testing"
	"time"

	"github.com/Artfain/reserve-node/consensus"
	"github.com/Artfain/reserve-node/core"
	"github.com/stretchr/testify/require"
)

func TestJoinProof(t *testing.T) {
	owner, err := core.GenerateSigner()
	require.NoError(t, err)
	thief, err := core.GenerateSigner()
	require.NoError(t, err)
	now := time.Unix(1700000000, 0)

	proof, err := consensus.NewJoinProof(owner, now)
	require.NoError(t, err)
	q := url.Values{}
	proof.Encode(q)
	parsed := consensus.JoinProofFromQuery(q)
	require.Equal(t, proof, parsed)
	require.NoError(t, parsed.Verify(now.Add(time.Minute), consensus.DefaultJoinSkew))

	require.ErrorIs(t, parsed.Verify(now.Add(time.Hour), consensus.DefaultJoinSkew), consensus.ErrBadProof)
	require.ErrorIs(t, consensus.JoinProofFromQuery(url.Values{"address": {owner.Address()}}).Verify(now, time.Minute), consensus.ErrBadProof)

	// A valid signature from another key does not prove the address.
	stolen, err := consensus.NewJoinProof(thief, now)
	require.NoError(t, err)
	stolen.Address = owner.Address()
	require.ErrorIs(t, stolen.Verify(now, time.Minute), consensus.ErrBadProof)

	// Right key, tampered timestamp.
	replayed := proof
	replayed.Time++
	require.ErrorIs(t, replayed.Verify(now, time.Minute), consensus.ErrBadProof)
}
