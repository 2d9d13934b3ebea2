package core_test

import (
	"encoding/json"
	"testing"

	"github.com/Artfain/reserve-node/core"
	"github.com/stretchr/testify/require"
)

func makeTx(from, to string, amount, fee float64, nonce, ts int64) core.Transaction {
	tx := core.Transaction{
		FromAddress: from,
		ToAddress:   to,
		Amount:      amount,
		Fee:         fee,
		Nonce:       nonce,
		Timestamp:   ts,
	}
	tx.Build()
	return tx
}

func TestBlockHashDeterministic(t *testing.T) {
	txs := []core.Transaction{makeTx("alice", "bob", 10, 0.1, 1, 1000)}
	a := core.NewBlock(5, 1000, "prev", "val", "chain", txs)
	b := core.NewBlock(5, 1000, "prev", "val", "chain", txs)
	require.Equal(t, a.Hash, b.Hash)
	require.Equal(t, a.Hash, a.CalculateHash())

	c := core.NewBlock(5, 1001, "prev", "val", "chain", txs)
	require.NotEqual(t, a.Hash, c.Hash)

	a.AdjudicatorSignature = "sig"
	require.Equal(t, b.Hash, a.CalculateHash(), "signature is not part of the hash")
}

func TestBlockBuildAggregates(t *testing.T) {
	txs := []core.Transaction{
		makeTx("alice", "bob", 10, 0.5, 1, 1000),
		makeTx("alice", "carol", 2, 0.25, 2, 1000),
	}
	b := core.NewBlock(1, 1000, "prev", "val", "chain", txs)
	require.Equal(t, 2, b.NumOfTx)
	require.InDelta(t, 12.0, b.TotalAmount, 1e-9)
	require.InDelta(t, 0.75, b.TotalReward, 1e-9)
	require.Positive(t, b.Size)
	require.Equal(t, core.MerkleRoot([]string{txs[0].Hash, txs[1].Hash}), b.MerkleRoot)
}

func TestMerkleRoot(t *testing.T) {
	require.Equal(t, core.HashString(""), core.MerkleRoot(nil))
	require.Equal(t, "a", core.MerkleRoot([]string{"a"}))
	require.Equal(t, core.HashString("ab"), core.MerkleRoot([]string{"a", "b"}))

	odd := core.MerkleRoot([]string{"a", "b", "c"})
	want := core.HashString(core.HashString("ab") + core.HashString("cc"))
	require.Equal(t, want, odd)
}

func TestBlockWireNames(t *testing.T) {
	b := core.NewBlock(1, 1000, "prev", "val", "chain", nil)
	data, err := json.Marshal(b)
	require.NoError(t, err)

	var fields map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, name := range []string{"Height", "Timestamp", "Hash", "PrevHash", "MerkleRoot", "Validator", "Transactions", "Size"} {
		require.Contains(t, fields, name)
	}
	require.NotContains(t, fields, "AdjudicatorSignature")
}

func TestBlockCopy(t *testing.T) {
	b := core.NewBlock(1, 1000, "prev", "val", "chain", []core.Transaction{makeTx("a", "b", 1, 0, 1, 1)})
	c := b.Copy()
	c.Transactions[0].Amount = 99
	require.InDelta(t, 1.0, b.Transactions[0].Amount, 1e-9)
}
