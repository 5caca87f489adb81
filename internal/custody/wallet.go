package custody

import (
	"encoding/hex"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

const redacted = "[REDACTED]"

// PrivateKey holds raw secp256k1 key bytes. It refuses to print itself and
// should be zeroed as soon as the caller is done with it.
type PrivateKey struct {
	b []byte
}

func (k *PrivateKey) String() string { return redacted }
func (k *PrivateKey) GoString() string { return redacted }
func (k *PrivateKey) LogValue() slog.Value { return slog.StringValue(redacted) }
func (k *PrivateKey) MarshalJSON() ([]byte, error) { return []byte(`"` + redacted + `"`), nil }

// Zero overwrites the key bytes.
func (k *PrivateKey) Zero() {
	if k == nil {
		return
	}
	for i := range k.b {
		k.b[i] = 0
	}
	k.b = nil
}

// Wallet is freshly generated key material. It exists only in memory
// between generation and sealing.
type Wallet struct {
	Address    string // CashAddr
	PublicKey  string // compressed, hex
	PrivateKey *PrivateKey
}

// LogValue keeps the private key out of structured logs.
func (w *Wallet) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("address", w.Address),
		slog.String("public_key", w.PublicKey),
	)
}

// GenerateWallet creates a new key pair from the OS CSPRNG and derives its
// P2PKH address on net.
func GenerateWallet(net Network) (*Wallet, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	defer priv.Zero()

	pub := priv.PubKey().SerializeCompressed()
	addr, err := p2pkhAddress(net, pub)
	if err != nil {
		return nil, err
	}

	return &Wallet{
		Address:    addr,
		PublicKey:  hex.EncodeToString(pub),
		PrivateKey: &PrivateKey{b: priv.Serialize()},
	}, nil
}

func p2pkhAddress(net Network, compressedPub []byte) (string, error) {
	pkh, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(compressedPub), net.Params)
	if err != nil {
		return "", fmt.Errorf("derive address: %w", err)
	}
	return net.EncodeAddress(pkh)
}
