package consensus

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/Artfain/reserve-node/core"
)

// DefaultJoinSkew bounds how far a join proof's timestamp may drift from the
// adjudicator's clock.
const DefaultJoinSkew = 5 * time.Minute

// JoinProof shows that a member connecting to the pool holds the key its
// address is derived from. The signed message is "address.unixtime".
type JoinProof struct {
	Address   string
	PublicKey string
	Time      int64
	Signature string
}

func joinMessage(address string, t int64) string {
	return address + "." + strconv.FormatInt(t, 10)
}

// NewJoinProof signs a proof for the signer's address at now.
func NewJoinProof(s *core.Signer, now time.Time) (JoinProof, error) {
	p := JoinProof{Address: s.Address(), PublicKey: s.PublicKey(), Time: now.Unix()}
	sig, err := s.Sign(joinMessage(p.Address, p.Time))
	if err != nil {
		return JoinProof{}, err
	}
	p.Signature = sig
	return p, nil
}

// JoinProofFromQuery reads a proof from the pool URL's query.
func JoinProofFromQuery(q url.Values) JoinProof {
	t, _ := strconv.ParseInt(q.Get("time"), 10, 64)
	return JoinProof{
		Address:   q.Get("address"),
		PublicKey: q.Get("pubkey"),
		Time:      t,
		Signature: q.Get("sig"),
	}
}

// Encode writes the proof into q.
func (p JoinProof) Encode(q url.Values) {
	q.Set("address", p.Address)
	q.Set("pubkey", p.PublicKey)
	q.Set("time", strconv.FormatInt(p.Time, 10))
	q.Set("sig", p.Signature)
}

// Verify checks the key owns the address, the timestamp is within skew of
// now and the signature matches.
func (p JoinProof) Verify(now time.Time, skew time.Duration) error {
	if p.Address == "" || p.PublicKey == "" || p.Signature == "" || p.Time == 0 {
		return fmt.Errorf("%w: incomplete", ErrBadProof)
	}
	owner, err := core.AddressFromPublicKey(p.PublicKey)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadProof, err)
	}
	if owner != p.Address {
		return fmt.Errorf("%w: key does not own %s", ErrBadProof, p.Address)
	}
	if d := now.Sub(time.Unix(p.Time, 0)); d > skew || d < -skew {
		return fmt.Errorf("%w: timestamp off by %s", ErrBadProof, d.Round(time.Second))
	}
	if !core.VerifySignature(p.PublicKey, joinMessage(p.Address, p.Time), p.Signature) {
		return fmt.Errorf("%w: bad signature", ErrBadProof)
	}
	return nil
}
