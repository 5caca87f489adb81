package custody

import (
	"bytes"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecret() []byte {
	return bytes.Repeat([]byte{0x42}, 32)
}

func newTestCustodian(t *testing.T) *Custodian {
	t.Helper()
	c, err := NewKeyCipher(testSecret())
	require.NoError(t, err)
	return NewCustodian(Testnet, c)
}

func TestCashAddr_KnownVector(t *testing.T) {
	legacy, err := btcutil.DecodeAddress("1BpEi6DfDAUFd7GtittLSdBeYJvcoaVggu", &chaincfg.MainNetParams)
	require.NoError(t, err)

	got, err := Mainnet.EncodeAddress(legacy)
	require.NoError(t, err)
	assert.Equal(t, "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a", got)

	back, err := Mainnet.DecodeAddress(got)
	require.NoError(t, err)
	assert.Equal(t, legacy.ScriptAddress(), back.ScriptAddress())

	// Without prefix and upper case.
	back, err = Mainnet.DecodeAddress(strings.ToUpper(strings.TrimPrefix(got, "bitcoincash:")))
	require.NoError(t, err)
	assert.Equal(t, legacy.ScriptAddress(), back.ScriptAddress())
}

func TestCashAddr_Rejects(t *testing.T) {
	good := "bitcoincash:qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a"

	_, err := Mainnet.DecodeAddress(good[:len(good)-1] + "q")
	assert.ErrorIs(t, err, ErrInvalidAddress, "bad checksum")

	_, err = Testnet.DecodeAddress(good)
	assert.ErrorIs(t, err, ErrInvalidAddress, "wrong network prefix")

	_, err = Mainnet.DecodeAddress("bitcoincash:Qpm2qsznhks23z7629mms6s4cwef74vcwvy22gdx6a")
	assert.ErrorIs(t, err, ErrInvalidAddress, "mixed case")

	_, err = Testnet.DecodeAddress("1BpEi6DfDAUFd7GtittLSdBeYJvcoaVggu")
	assert.ErrorIs(t, err, ErrInvalidAddress, "mainnet legacy on testnet")
}

func TestGenerateWallet_BoundToNetwork(t *testing.T) {
	w, err := GenerateWallet(Testnet)
	require.NoError(t, err)
	defer w.PrivateKey.Zero()

	assert.True(t, strings.HasPrefix(w.Address, "bchtest:q"), w.Address)
	assert.Len(t, w.PublicKey, 66)
	_, err = Testnet.DecodeAddress(w.Address)
	require.NoError(t, err)

	w2, err := GenerateWallet(Testnet)
	require.NoError(t, err)
	defer w2.PrivateKey.Zero()
	assert.NotEqual(t, w.Address, w2.Address)
}

func TestKeyCipher_RoundTrip(t *testing.T) {
	c, err := NewKeyCipher(testSecret())
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		w, err := GenerateWallet(Testnet)
		require.NoError(t, err)
		plain := append([]byte(nil), w.PrivateKey.b...)

		sealed, err := c.Encrypt(w.PrivateKey, w.Address)
		require.NoError(t, err)
		assert.NotContains(t, sealed, hex.EncodeToString(plain))
		assert.NotEqual(t, string(plain), sealed)

		opened, err := c.Decrypt(sealed, w.Address)
		require.NoError(t, err)
		assert.Equal(t, plain, opened.b)
		opened.Zero()
		w.PrivateKey.Zero()
	}
}

func TestKeyCipher_FailsClosed(t *testing.T) {
	_, err := NewKeyCipher(nil)
	assert.ErrorIs(t, err, ErrInvalidSecret)
	_, err = NewKeyCipher(make([]byte, 16))
	assert.ErrorIs(t, err, ErrInvalidSecret)

	c, err := NewKeyCipher(testSecret())
	require.NoError(t, err)
	w, err := GenerateWallet(Testnet)
	require.NoError(t, err)
	sealed, err := c.Encrypt(w.PrivateKey, w.Address)
	require.NoError(t, err)

	_, err = c.Decrypt(sealed, "bchtest:someotheraddress")
	assert.ErrorIs(t, err, ErrInvalidSealedKey, "ciphertext is bound to its address")

	other, err := NewKeyCipher(bytes.Repeat([]byte{0x43}, 32))
	require.NoError(t, err)
	_, err = other.Decrypt(sealed, w.Address)
	assert.ErrorIs(t, err, ErrInvalidSealedKey, "wrong secret")

	_, err = c.Decrypt("v0:"+sealed[3:], w.Address)
	assert.ErrorIs(t, err, ErrInvalidSealedKey)
}

func TestPrivateKey_NeverLogged(t *testing.T) {
	w, err := GenerateWallet(Testnet)
	require.NoError(t, err)
	keyHex := hex.EncodeToString(w.PrivateKey.b)

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("generated", "wallet", w, "key", w.PrivateKey)
	logger.Info("printf", "text", w.PrivateKey.String())

	assert.NotContains(t, buf.String(), keyHex)
	assert.Contains(t, buf.String(), w.Address)
	w.PrivateKey.Zero()
	assert.Nil(t, w.PrivateKey.b)
}

func TestSignPayout_ValidSignatures(t *testing.T) {
	c := newTestCustodian(t)
	wallet, err := c.NewWallet()
	require.NoError(t, err)

	dest, err := GenerateWallet(Testnet)
	require.NoError(t, err)
	dest.PrivateKey.Zero()

	inputs := []Input{
		{TxID: strings.Repeat("ab", 32), Vout: 1, Value: 3_000_000},
		{TxID: strings.Repeat("01", 32), Vout: 0, Value: 2_000_000},
	}
	outputs := []Output{{Address: dest.Address, Value: 4_999_000}}

	signed, err := c.SignPayout(*wallet, inputs, outputs)
	require.NoError(t, err)
	assert.Equal(t, btcutil.Amount(1000), signed.Fee)

	raw, err := hex.DecodeString(signed.Hex)
	require.NoError(t, err)
	var tx wire.MsgTx
	require.NoError(t, tx.DeserializeNoWitness(bytes.NewReader(raw)))
	require.Len(t, tx.TxIn, 2)
	assert.Equal(t, signed.TxID, tx.TxHash().String())
	// Inputs are sorted by txid.
	assert.Equal(t, strings.Repeat("01", 32), tx.TxIn[0].PreviousOutPoint.Hash.String())

	pubBytes, err := hex.DecodeString(wallet.PublicKey)
	require.NoError(t, err)
	pub, err := btcec.ParsePubKey(pubBytes)
	require.NoError(t, err)

	own, err := Testnet.DecodeAddress(wallet.Address)
	require.NoError(t, err)
	prevScript, err := txscript.PayToAddrScript(own)
	require.NoError(t, err)

	values := map[string]btcutil.Amount{
		strings.Repeat("ab", 32): 3_000_000,
		strings.Repeat("01", 32): 2_000_000,
	}
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for _, in := range tx.TxIn {
		value := values[in.PreviousOutPoint.Hash.String()]
		fetcher.AddPrevOut(in.PreviousOutPoint, wire.NewTxOut(int64(value), prevScript))
	}
	sigHashes := txscript.NewTxSigHashes(&tx, fetcher)
	for i, in := range tx.TxIn {
		pushes, err := txscript.PushedData(in.SignatureScript)
		require.NoError(t, err)
		require.Len(t, pushes, 2)
		sigBytes := pushes[0]
		assert.Equal(t, byte(0x41), sigBytes[len(sigBytes)-1])
		assert.Equal(t, pubBytes, pushes[1])

		sig, err := ecdsa.ParseDERSignature(sigBytes[:len(sigBytes)-1])
		require.NoError(t, err)
		value := int64(values[in.PreviousOutPoint.Hash.String()])
		digest, err := txscript.CalcWitnessSigHash(prevScript, sigHashes, txscript.SigHashAll|0x40, &tx, i, value)
		require.NoError(t, err)
		assert.True(t, sig.Verify(digest, pub), "input %d signature must verify", i)
	}
}

func TestSignPayout_Deterministic(t *testing.T) {
	c := newTestCustodian(t)
	wallet, err := c.NewWallet()
	require.NoError(t, err)
	dest, _ := GenerateWallet(Testnet)

	inputs := []Input{{TxID: strings.Repeat("cd", 32), Vout: 0, Value: 100_000}}
	outputs := []Output{{Address: dest.Address, Value: 99_000}}

	a, err := c.SignPayout(*wallet, inputs, outputs)
	require.NoError(t, err)
	b, err := c.SignPayout(*wallet, inputs, outputs)
	require.NoError(t, err)
	assert.Equal(t, a.Hex, b.Hex)
	assert.Equal(t, a.TxID, b.TxID)
}

func TestSignPayout_Rejects(t *testing.T) {
	c := newTestCustodian(t)
	wallet, err := c.NewWallet()
	require.NoError(t, err)
	dest, _ := GenerateWallet(Testnet)
	in := []Input{{TxID: strings.Repeat("cd", 32), Vout: 0, Value: 10_000}}

	_, err = c.SignPayout(*wallet, nil, []Output{{Address: dest.Address, Value: 1000}})
	assert.ErrorIs(t, err, ErrNoInputs)

	_, err = c.SignPayout(*wallet, in, []Output{{Address: dest.Address, Value: 20_000}})
	assert.ErrorIs(t, err, ErrOutputsExceed)

	_, err = c.SignPayout(*wallet, in, []Output{{Address: dest.Address, Value: 100}})
	assert.ErrorIs(t, err, ErrOutputTooSmall)

	other, err := c.NewWallet()
	require.NoError(t, err)
	swapped := SealedWallet{Address: wallet.Address, EncryptedKey: other.EncryptedKey}
	_, err = c.SignPayout(swapped, in, []Output{{Address: dest.Address, Value: 9_000}})
	assert.True(t, errors.Is(err, ErrInvalidSealedKey) || errors.Is(err, ErrKeyMismatch), "got %v", err)
}
