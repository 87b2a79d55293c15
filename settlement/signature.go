package settlement

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// SignatureType enumerates the signing conventions accepted on-chain.
type SignatureType uint8

const (
	SignatureTypeIllegal SignatureType = iota
	SignatureTypeInvalid
	SignatureTypeEIP712
	SignatureTypeEthSign
)

// Signature is an ECDSA signature split into its struct components, the form
// in which makers and takers deliver them.
type Signature struct {
	Type SignatureType `json:"signatureType"`
	V    uint8         `json:"v"`
	R    hexutil.Bytes `json:"r"`
	S    hexutil.Bytes `json:"s"`
}

const signatureComponentLength = 32

var ErrUnsupportedSignatureType = errors.New("unsupported signature type")

var ethSignPrefix = []byte("\x19Ethereum Signed Message:\n32")

// RecoverSigner returns the address that produced sig over hash. For the
// EthSign convention the hash is first wrapped in the personal-sign prefix.
func RecoverSigner(hash common.Hash, sig Signature) (common.Address, error) {
	sig = RepairSignature(sig)

	var messageHash common.Hash
	switch sig.Type {
	case SignatureTypeEIP712:
		messageHash = hash
	case SignatureTypeEthSign:
		messageHash = crypto.Keccak256Hash(ethSignPrefix, hash.Bytes())
	default:
		return common.Address{}, fmt.Errorf("%w: %d", ErrUnsupportedSignatureType, sig.Type)
	}

	compact := make([]byte, 65)
	copy(compact[:32], sig.R)
	copy(compact[32:64], sig.S)
	v := sig.V
	if v >= 27 {
		v -= 27
	}
	compact[64] = v

	pubkey, err := crypto.SigToPub(messageHash.Bytes(), compact)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pubkey), nil
}

// RepairSignature left-pads the r and s components to their canonical 32-byte
// width. Certain signers strip leading zero bytes; nodes reject such
// signatures. Idempotent, and a no-op for canonical input.
func RepairSignature(sig Signature) Signature {
	sig.R = leftPadComponent(sig.R)
	sig.S = leftPadComponent(sig.S)
	return sig
}

func leftPadComponent(b hexutil.Bytes) hexutil.Bytes {
	if len(b) >= signatureComponentLength {
		return b
	}
	padded := make(hexutil.Bytes, signatureComponentLength)
	copy(padded[signatureComponentLength-len(b):], b)
	return padded
}
