package payout

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// ErrBadSignature rejects payout-address proofs that do not recover to the
// claimed address.
var ErrBadSignature = errors.New("invalid_signature")

// AddressChallenge is the exact text a worker must personal-sign to prove
// control of a payout address. The nonce is single-use per worker.
func AddressChallenge(workerID uuid.UUID, nonce string) string {
	return fmt.Sprintf("proofwork payout address verification\nworker: %s\nnonce: %s", workerID, nonce)
}

// VerifyAddressSignature recovers the signer of a personal-sign signature
// over the challenge and requires it to match the claimed address.
func VerifyAddressSignature(workerID uuid.UUID, nonce, address, signature string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("%w: malformed address", ErrBadSignature)
	}
	raw, err := hex.DecodeString(strings.TrimPrefix(signature, "0x"))
	if err != nil || len(raw) != 65 {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	// personal_sign recovery ids arrive as 27/28.
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	message := AddressChallenge(workerID, nonce)
	digest := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
	pub, err := crypto.SigToPub(digest, raw)
	if err != nil {
		return fmt.Errorf("%w: recovery failed", ErrBadSignature)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return ErrBadSignature
	}
	return nil
}
