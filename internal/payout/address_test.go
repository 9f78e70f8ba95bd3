package payout

import (
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func signChallenge(t *testing.T, workerID uuid.UUID, nonce string) (address, signature string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	message := AddressChallenge(workerID, nonce)
	digest := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(message), message)))
	sig, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	sig[64] += 27 // personal_sign convention

	return crypto.PubkeyToAddress(key.PublicKey).Hex(), hex.EncodeToString(sig)
}

func TestVerifyAddressSignature(t *testing.T) {
	workerID := uuid.New()
	address, signature := signChallenge(t, workerID, "nonce-1")

	require.NoError(t, VerifyAddressSignature(workerID, "nonce-1", address, signature))
	require.NoError(t, VerifyAddressSignature(workerID, "nonce-1", address, "0x"+signature))
}

func TestVerifyAddressSignatureRejectsMismatch(t *testing.T) {
	workerID := uuid.New()
	address, signature := signChallenge(t, workerID, "nonce-1")

	// A different nonce changes the signed message.
	require.ErrorIs(t, VerifyAddressSignature(workerID, "nonce-2", address, signature), ErrBadSignature)

	// A different worker id does too.
	require.ErrorIs(t, VerifyAddressSignature(uuid.New(), "nonce-1", address, signature), ErrBadSignature)

	// The signature must recover to the claimed address.
	other, _ := signChallenge(t, workerID, "nonce-1")
	require.ErrorIs(t, VerifyAddressSignature(workerID, "nonce-1", other, signature), ErrBadSignature)
}

func TestVerifyAddressSignatureRejectsMalformedInput(t *testing.T) {
	workerID := uuid.New()
	address, signature := signChallenge(t, workerID, "nonce-1")

	require.ErrorIs(t, VerifyAddressSignature(workerID, "nonce-1", "not-an-address", signature), ErrBadSignature)
	require.ErrorIs(t, VerifyAddressSignature(workerID, "nonce-1", address, "zz"), ErrBadSignature)
	require.ErrorIs(t, VerifyAddressSignature(workerID, "nonce-1", address, "deadbeef"), ErrBadSignature)
}
