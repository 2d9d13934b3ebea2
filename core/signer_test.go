package core_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/Artfain/reserve-node/core"
	"github.com/stretchr/testify/require"
)

func TestSignerRoundTrip(t *testing.T) {
	s, err := core.GenerateSigner()
	require.NoError(t, err)

	sig, err := s.Sign("block-hash")
	require.NoError(t, err)
	require.True(t, core.VerifySignature(s.PublicKey(), "block-hash", sig))
	require.False(t, core.VerifySignature(s.PublicKey(), "other-hash", sig))
	require.False(t, core.VerifySignature(s.PublicKey(), "block-hash", "zz"))

	other, err := core.GenerateSigner()
	require.NoError(t, err)
	require.False(t, core.VerifySignature(other.PublicKey(), "block-hash", sig))
}

func TestLoadOrCreateSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "adjudicator.key")
	first, err := core.LoadOrCreateSigner(path)
	require.NoError(t, err)
	second, err := core.LoadOrCreateSigner(path)
	require.NoError(t, err)
	require.Equal(t, first.PublicKey(), second.PublicKey())

	_, err = core.SignerFromHex("abcd")
	require.Error(t, err)
}

func TestAddressFromPublicKey(t *testing.T) {
	s, err := core.GenerateSigner()
	require.NoError(t, err)
	addr, err := core.AddressFromPublicKey(s.PublicKey())
	require.NoError(t, err)
	require.Equal(t, s.Address(), addr)
	require.True(t, strings.HasPrefix(addr, core.AddressPrefix))

	other, err := core.GenerateSigner()
	require.NoError(t, err)
	require.NotEqual(t, addr, other.Address())

	_, err = core.AddressFromPublicKey("02deadbeef")
	require.Error(t, err)
	_, err = core.AddressFromPublicKey("not-hex")
	require.Error(t, err)
}
