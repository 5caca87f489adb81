package custody

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// sigHashForkID marks a BCH replay-protected signature. The digest is the
// BIP143 one, which txscript computes for witness v0 inputs.
const sigHashForkID txscript.SigHashType = 0x40

// sigHashAllForkID is the only hash type payouts use.
const sigHashAllForkID = txscript.SigHashAll | sigHashForkID

var (
	ErrNoInputs       = errors.New("payout has no inputs")
	ErrNoOutputs      = errors.New("payout has no outputs")
	ErrKeyMismatch    = errors.New("sealed key does not control the escrow address")
	ErrOutputsExceed  = errors.New("outputs exceed inputs")
	ErrOutputTooSmall = errors.New("output below dust limit")
)

// dustLimit mirrors amount.DustLimit; custody stays free of that import.
const dustLimit btcutil.Amount = 546

// SealedWallet is what the escrow record persists.
type SealedWallet struct {
	Address      string
	PublicKey    string
	EncryptedKey string
}

// Input is an unspent output of the escrow address.
type Input struct {
	TxID  string
	Vout  uint32
	Value btcutil.Amount
}

// Output pays Value to Address.
type Output struct {
	Address string
	Value   btcutil.Amount
}

// SignedTx is a fully signed payout ready to broadcast.
type SignedTx struct {
	TxID string
	Hex  string
	Fee  btcutil.Amount
}

// Custodian generates sealed wallets and signs payouts. It is the only
// component that ever holds a decrypted escrow key.
type Custodian struct {
	net    Network
	cipher *KeyCipher
}

func NewCustodian(net Network, cipher *KeyCipher) *Custodian {
	return &Custodian{net: net, cipher: cipher}
}

// Network returns the network addresses are generated for.
func (c *Custodian) Network() Network { return c.net }

// NewWallet generates a key pair and returns it sealed. The plaintext key
// is zeroed before returning.
func (c *Custodian) NewWallet() (*SealedWallet, error) {
	w, err := GenerateWallet(c.net)
	if err != nil {
		return nil, err
	}
	defer w.PrivateKey.Zero()

	enc, err := c.cipher.Encrypt(w.PrivateKey, w.Address)
	if err != nil {
		return nil, fmt.Errorf("seal wallet key: %w", err)
	}
	return &SealedWallet{Address: w.Address, PublicKey: w.PublicKey, EncryptedKey: enc}, nil
}

// SignPayout spends inputs (all held by wallet.Address) to outputs. The fee
// is whatever the inputs leave over. Inputs are sorted so the same UTXO set
// always yields the same transaction, and RFC6979 signatures keep it
// byte-identical across retries.
func (c *Custodian) SignPayout(wallet SealedWallet, inputs []Input, outputs []Output) (*SignedTx, error) {
	if len(inputs) == 0 {
		return nil, ErrNoInputs
	}
	if len(outputs) == 0 {
		return nil, ErrNoOutputs
	}

	ins := append([]Input(nil), inputs...)
	sort.Slice(ins, func(i, j int) bool {
		if ins[i].TxID != ins[j].TxID {
			return ins[i].TxID < ins[j].TxID
		}
		return ins[i].Vout < ins[j].Vout
	})

	var inTotal, outTotal btcutil.Amount
	tx := wire.NewMsgTx(2)
	for _, in := range ins {
		hash, err := chainhash.NewHashFromStr(in.TxID)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", in.TxID, err)
		}
		tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(hash, in.Vout), nil, nil))
		inTotal += in.Value
	}
	for _, out := range outputs {
		if out.Value < dustLimit {
			return nil, fmt.Errorf("%w: %d sats to %s", ErrOutputTooSmall, out.Value, out.Address)
		}
		addr, err := c.net.DecodeAddress(out.Address)
		if err != nil {
			return nil, err
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("output script: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(int64(out.Value), script))
		outTotal += out.Value
	}
	if outTotal > inTotal {
		return nil, ErrOutputsExceed
	}

	key, err := c.cipher.Decrypt(wallet.EncryptedKey, wallet.Address)
	if err != nil {
		return nil, err
	}
	defer key.Zero()

	priv, pub := btcec.PrivKeyFromBytes(key.b)
	defer priv.Zero()

	pubBytes := pub.SerializeCompressed()
	ownAddr, err := p2pkhAddress(c.net, pubBytes)
	if err != nil {
		return nil, err
	}
	if ownAddr != wallet.Address {
		return nil, ErrKeyMismatch
	}
	pkh, err := c.net.DecodeAddress(ownAddr)
	if err != nil {
		return nil, err
	}
	prevScript, err := txscript.PayToAddrScript(pkh)
	if err != nil {
		return nil, err
	}

	sigHashes := payoutSigHashes(tx, ins, prevScript)
	for i, in := range ins {
		digest, err := txscript.CalcWitnessSigHash(prevScript, sigHashes, sigHashAllForkID, tx, i, int64(in.Value))
		if err != nil {
			return nil, fmt.Errorf("sighash input %d: %w", i, err)
		}
		sig := ecdsa.Sign(priv, digest)
		sigBytes := append(sig.Serialize(), byte(sigHashAllForkID))
		script, err := txscript.NewScriptBuilder().AddData(sigBytes).AddData(pubBytes).Script()
		if err != nil {
			return nil, fmt.Errorf("signature script: %w", err)
		}
		tx.TxIn[i].SignatureScript = script
	}

	var buf bytes.Buffer
	if err := tx.SerializeNoWitness(&buf); err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}
	return &SignedTx{
		TxID: tx.TxHash().String(),
		Hex:  hex.EncodeToString(buf.Bytes()),
		Fee:  inTotal - outTotal,
	}, nil
}

// payoutSigHashes caches the prevout, sequence and output midstates shared by
// every input. All inputs are locked by prevScript.
func payoutSigHashes(tx *wire.MsgTx, ins []Input, prevScript []byte) *txscript.TxSigHashes {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, in := range ins {
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, wire.NewTxOut(int64(in.Value), prevScript))
	}
	return txscript.NewTxSigHashes(tx, fetcher)
}
