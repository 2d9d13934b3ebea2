package core

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Signer holds the adjudicator's secp256k1 key.
type Signer struct {
	priv *secp256k1.PrivateKey
}

func GenerateSigner() (*Signer, error) {
	priv, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return &Signer{priv: priv}, nil
}

// SignerFromHex parses a hex-encoded 32 byte private key.
func SignerFromHex(s string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(raw) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("bad key size: need %d bytes", secp256k1.PrivKeyBytesLen)
	}
	return &Signer{priv: secp256k1.PrivKeyFromBytes(raw)}, nil
}

// LoadOrCreateSigner reads the key file at path, creating it on first use.
func LoadOrCreateSigner(path string) (*Signer, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return SignerFromHex(string(data))
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	s, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create key dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(s.priv.Serialize())), 0600); err != nil {
		return nil, fmt.Errorf("failed to write key file: %w", err)
	}
	return s, nil
}

// PublicKey returns the compressed public key in hex.
func (s *Signer) PublicKey() string {
	return hex.EncodeToString(s.priv.PubKey().SerializeCompressed())
}

// Address is the account address owned by the signer's key.
func (s *Signer) Address() string {
	return addressOf(s.priv.PubKey())
}

// AddressPrefix starts every account address derived from a key.
const AddressPrefix = "R"

func addressOf(pub *secp256k1.PublicKey) string {
	digest := sha256.Sum256(pub.SerializeCompressed())
	return AddressPrefix + base58.Encode(digest[:20])
}

// AddressFromPublicKey derives the account address of a hex public key.
func AddressFromPublicKey(pubKeyHex string) (string, error) {
	raw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return "", fmt.Errorf("failed to decode public key: %w", err)
	}
	pub, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key: %w", err)
	}
	return addressOf(pub), nil
}

// Sign signs the SHA-256 of message and returns the DER signature in hex.
func (s *Signer) Sign(message string) (string, error) {
	if s == nil || s.priv == nil {
		return "", errors.New("no signing key")
	}
	digest := sha256.Sum256([]byte(message))
	sig := ecdsa.Sign(s.priv, digest[:])
	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifySignature checks a signature produced by Sign against a hex public key.
func VerifySignature(pubKeyHex, message, signature string) bool {
	pubRaw, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return false
	}
	pub, err := secp256k1.ParsePubKey(pubRaw)
	if err != nil {
		return false
	}
	sigRaw, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	sig, err := ecdsa.ParseDERSignature(sigRaw)
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(message))
	return sig.Verify(digest[:], pub)
}
