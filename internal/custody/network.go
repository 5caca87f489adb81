// Package custody owns escrow key material: wallet generation, encryption
// at rest and payout signing. Plaintext keys never leave this package.
package custody

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// Network binds chain parameters to the CashAddr prefix used on that network.
type Network struct {
	Name           string
	Params         *chaincfg.Params
	CashAddrPrefix string
}

var (
	Mainnet = Network{Name: "mainnet", Params: &chaincfg.MainNetParams, CashAddrPrefix: "bitcoincash"}
	Testnet = Network{Name: "testnet", Params: &chaincfg.TestNet3Params, CashAddrPrefix: "bchtest"}
	Regtest = Network{Name: "regtest", Params: &chaincfg.RegressionNetParams, CashAddrPrefix: "bchreg"}
)

var ErrInvalidAddress = errors.New("invalid address")

// ParseNetwork resolves a configured network name.
func ParseNetwork(name string) (Network, error) {
	switch name {
	case "mainnet":
		return Mainnet, nil
	case "testnet":
		return Testnet, nil
	case "regtest":
		return Regtest, nil
	}
	return Network{}, fmt.Errorf("unknown network %q", name)
}

// EncodeAddress renders a P2PKH or P2SH address in CashAddr form.
func (n Network) EncodeAddress(addr btcutil.Address) (string, error) {
	switch a := addr.(type) {
	case *btcutil.AddressPubKeyHash:
		return encodeCashAddr(n.CashAddrPrefix, cashAddrP2PKH, a.Hash160()[:])
	case *btcutil.AddressScriptHash:
		return encodeCashAddr(n.CashAddrPrefix, cashAddrP2SH, a.Hash160()[:])
	}
	return "", fmt.Errorf("%w: unsupported address type %T", ErrInvalidAddress, addr)
}

// DecodeAddress accepts a CashAddr (with or without prefix) or a legacy
// base58 address and returns it only if it belongs to this network.
func (n Network) DecodeAddress(s string) (btcutil.Address, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	if looksLikeCashAddr(s, n.CashAddrPrefix) {
		kind, hash, err := decodeCashAddr(s, n.CashAddrPrefix)
		if err != nil {
			return nil, err
		}
		switch kind {
		case cashAddrP2PKH:
			return btcutil.NewAddressPubKeyHash(hash, n.Params)
		case cashAddrP2SH:
			return btcutil.NewAddressScriptHashFromHash(hash, n.Params)
		}
		return nil, fmt.Errorf("%w: unsupported cashaddr type %d", ErrInvalidAddress, kind)
	}

	addr, err := btcutil.DecodeAddress(s, n.Params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if !addr.IsForNet(n.Params) {
		return nil, fmt.Errorf("%w: address is for another network", ErrInvalidAddress)
	}
	switch addr.(type) {
	case *btcutil.AddressPubKeyHash, *btcutil.AddressScriptHash:
		return addr, nil
	}
	return nil, fmt.Errorf("%w: unsupported address type", ErrInvalidAddress)
}

// NormalizeAddress returns the canonical CashAddr form of s.
func (n Network) NormalizeAddress(s string) (string, error) {
	addr, err := n.DecodeAddress(s)
	if err != nil {
		return "", err
	}
	return n.EncodeAddress(addr)
}

func looksLikeCashAddr(s, prefix string) bool {
	l := strings.ToLower(s)
	if strings.Contains(l, ":") {
		return true
	}
	// Prefix-less CashAddr payloads are 42 chars starting with q or p.
	return len(l) == 42 && (l[0] == 'q' || l[0] == 'p')
}
