package walletsig

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const messageMagic = "Bitcoin Signed Message:\n"

var errUncompressedSegwit = errors.New("segwit verification requires a compressed public key indicator")

// MessageHash is the double SHA-256 of the magic-prefixed message.
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	_ = wire.WriteVarString(&buf, 0, messageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

// SignMessage produces a 65-byte compact signature over message.
func SignMessage(key *btcec.PrivateKey, message string, compressed bool) []byte {
	return ecdsa.SignCompact(key, MessageHash(message), compressed)
}

func (a *Authenticator) decodeAddress(address string) (btcutil.Address, error) {
	var lastErr error
	for _, params := range a.nets {
		addr, err := btcutil.DecodeAddress(address, params)
		if err == nil && addr.IsForNet(params) {
			return addr, nil
		}
		if err != nil {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("unknown network")
	}
	return nil, fmt.Errorf("decode address %q: %w", address, lastErr)
}

// verifyCompact recovers the signer of hash from a 65-byte compact signature
// and compares it with addr. checkSegwit rejects uncompressed indicators and
// lets a P2SH address match the bare key hash as well as its P2WPKH wrapper.
func verifyCompact(hash, sig []byte, addr btcutil.Address, checkSegwit bool) (bool, error) {
	pub, compressed, err := ecdsa.RecoverCompact(sig, hash)
	if err != nil {
		return false, err
	}
	if checkSegwit && !compressed {
		return false, errUncompressedSegwit
	}

	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	pkh := btcutil.Hash160(serialized)

	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return bytes.Equal(pkh, a.ScriptAddress()), nil
	case *btcutil.AddressScriptHash:
		if !compressed {
			return false, nil
		}
		redeem := btcutil.Hash160(append([]byte{txscript.OP_0, txscript.OP_DATA_20}, pkh...))
		if bytes.Equal(redeem, a.ScriptAddress()) {
			return true, nil
		}
		return checkSegwit && bytes.Equal(pkh, a.ScriptAddress()), nil
	case *btcutil.AddressWitnessPubKeyHash:
		if !compressed {
			return false, errUncompressedSegwit
		}
		return bytes.Equal(pkh, a.WitnessProgram()), nil
	case *btcutil.AddressTaproot:
		if !compressed {
			return false, errUncompressedSegwit
		}
		output := txscript.ComputeTaprootKeyNoScript(pub)
		return bytes.Equal(schnorr.SerializePubKey(output), a.WitnessProgram()), nil
	}
	return false, fmt.Errorf("unsupported address type %T", addr)
}
