package settlement

import (
	"testing"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

func signDigest(t *testing.T, digest []byte, keyHex string, sigType SignatureType) Signature {
	t.Helper()
	key, err := crypto.HexToECDSA(keyHex)
	require.NoError(t, err)
	raw, err := crypto.Sign(digest, key)
	require.NoError(t, err)
	return Signature{
		Type: sigType,
		V:    raw[64] + 27,
		R:    hexutil.Bytes(raw[:32]),
		S:    hexutil.Bytes(raw[32:64]),
	}
}

const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestRecoverSignerEIP712(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	expected := crypto.PubkeyToAddress(key.PublicKey)

	orderHash := crypto.Keccak256Hash([]byte("order"))
	sig := signDigest(t, orderHash.Bytes(), testKeyHex, SignatureTypeEIP712)

	recovered, err := RecoverSigner(orderHash, sig)
	require.NoError(t, err)
	require.Equal(t, expected, recovered)
}

func TestRecoverSignerEthSign(t *testing.T) {
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	expected := crypto.PubkeyToAddress(key.PublicKey)

	orderHash := crypto.Keccak256Hash([]byte("order"))
	prefixed := crypto.Keccak256Hash(ethSignPrefix, orderHash.Bytes())
	sig := signDigest(t, prefixed.Bytes(), testKeyHex, SignatureTypeEthSign)

	recovered, err := RecoverSigner(orderHash, sig)
	require.NoError(t, err)
	require.Equal(t, expected, recovered)
}

func TestRecoverSignerRawVConvention(t *testing.T) {
	// Some signers deliver the raw recovery id instead of the 27/28 form.
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	expected := crypto.PubkeyToAddress(key.PublicKey)

	orderHash := crypto.Keccak256Hash([]byte("order"))
	sig := signDigest(t, orderHash.Bytes(), testKeyHex, SignatureTypeEIP712)
	sig.V -= 27

	recovered, err := RecoverSigner(orderHash, sig)
	require.NoError(t, err)
	require.Equal(t, expected, recovered)
}

func TestRecoverSignerUnsupportedType(t *testing.T) {
	orderHash := crypto.Keccak256Hash([]byte("order"))
	sig := signDigest(t, orderHash.Bytes(), testKeyHex, SignatureTypeIllegal)

	_, err := RecoverSigner(orderHash, sig)
	require.ErrorIs(t, err, ErrUnsupportedSignatureType)
}

func TestRepairSignature(t *testing.T) {
	sig := Signature{
		Type: SignatureTypeEIP712,
		V:    27,
		R:    hexutil.Bytes{0x12, 0x34},
		S:    hexutil.Bytes{0x56},
	}

	repaired := RepairSignature(sig)
	require.Len(t, []byte(repaired.R), 32)
	require.Len(t, []byte(repaired.S), 32)
	require.Equal(t, byte(0x12), repaired.R[30])
	require.Equal(t, byte(0x34), repaired.R[31])
	require.Equal(t, byte(0x56), repaired.S[31])

	again := RepairSignature(repaired)
	require.Equal(t, repaired, again)
}

func TestRecoverSignerRepairsComponents(t *testing.T) {
	// A signature that happens to have a short r still recovers after the
	// implicit repair.
	key, err := crypto.HexToECDSA(testKeyHex)
	require.NoError(t, err)
	expected := crypto.PubkeyToAddress(key.PublicKey)

	orderHash := crypto.Keccak256Hash([]byte("order"))
	sig := signDigest(t, orderHash.Bytes(), testKeyHex, SignatureTypeEIP712)
	for len(sig.R) > 0 && sig.R[0] == 0 {
		sig.R = sig.R[1:]
	}
	for len(sig.S) > 0 && sig.S[0] == 0 {
		sig.S = sig.S[1:]
	}

	recovered, err := RecoverSigner(orderHash, sig)
	require.NoError(t, err)
	require.Equal(t, expected, recovered)
}
