// Package signer holds the secp256k1 controller keys used to authenticate
// ledger messages and archive uploads.
package signer

import (
	"crypto/ecdsa"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/xerrors"
)

// Signer signs payloads with an Ethereum private key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

// FromHex parses a hex encoded private key, with or without 0x prefix.
func FromHex(hexKey string) (*Signer, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, xerrors.New("empty controller key")
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, xerrors.Errorf("parse controller key: %w", err)
	}
	return New(key), nil
}

// New wraps an existing private key.
func New(key *ecdsa.PrivateKey) *Signer {
	return &Signer{key: key, address: crypto.PubkeyToAddress(key.PublicKey)}
}

// Address returns the checksummed address derived from the key.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign returns the 65 byte [R || S || V] signature over the personal-message
// hash of payload.
func (s *Signer) Sign(payload []byte) ([]byte, error) {
	sig, err := crypto.Sign(messageHash(payload), s.key)
	if err != nil {
		return nil, xerrors.Errorf("sign payload: %w", err)
	}
	return sig, nil
}

// SignHex is Sign with a 0x-prefixed hex encoding.
func (s *Signer) SignHex(payload []byte) (string, error) {
	sig, err := s.Sign(payload)
	if err != nil {
		return "", err
	}
	return hexutil.Encode(sig), nil
}

// Recover returns the address that produced sig over payload.
func Recover(payload []byte, sig []byte) (common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, xerrors.Errorf("invalid signature length %d", len(sig))
	}
	pub, err := crypto.SigToPub(messageHash(payload), sig)
	if err != nil {
		return common.Address{}, xerrors.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func messageHash(payload []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(payload))
	return crypto.Keccak256([]byte(prefix), payload)
}
