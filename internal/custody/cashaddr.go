package custody

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/bech32"
)

const (
	cashAddrP2PKH byte = 0
	cashAddrP2SH  byte = 1

	cashAddrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"
)

func cashAddrPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func prefixValues(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

// encodeCashAddr encodes a 20-byte hash with the given address type.
func encodeCashAddr(prefix string, kind byte, hash []byte) (string, error) {
	if len(hash) != 20 {
		return "", fmt.Errorf("%w: hash must be 20 bytes", ErrInvalidAddress)
	}
	payload := append([]byte{kind << 3}, hash...)
	data, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}

	checksumInput := append(prefixValues(prefix), data...)
	checksumInput = append(checksumInput, make([]byte, 8)...)
	mod := cashAddrPolymod(checksumInput)

	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte(':')
	for _, v := range data {
		sb.WriteByte(cashAddrCharset[v])
	}
	for i := 0; i < 8; i++ {
		sb.WriteByte(cashAddrCharset[(mod>>(5*(7-i)))&0x1f])
	}
	return sb.String(), nil
}

// decodeCashAddr validates the checksum against expectedPrefix and returns
// the address type and 20-byte hash.
func decodeCashAddr(s, expectedPrefix string) (byte, []byte, error) {
	if strings.ToLower(s) != s && strings.ToUpper(s) != s {
		return 0, nil, fmt.Errorf("%w: mixed case", ErrInvalidAddress)
	}
	s = strings.ToLower(s)

	prefix, payload, ok := strings.Cut(s, ":")
	if !ok {
		prefix, payload = expectedPrefix, s
	}
	if prefix != expectedPrefix {
		return 0, nil, fmt.Errorf("%w: prefix %q is not %q", ErrInvalidAddress, prefix, expectedPrefix)
	}
	if len(payload) <= 8 {
		return 0, nil, fmt.Errorf("%w: too short", ErrInvalidAddress)
	}

	values := make([]byte, len(payload))
	for i := 0; i < len(payload); i++ {
		idx := strings.IndexByte(cashAddrCharset, payload[i])
		if idx < 0 {
			return 0, nil, fmt.Errorf("%w: invalid character %q", ErrInvalidAddress, payload[i])
		}
		values[i] = byte(idx)
	}

	if cashAddrPolymod(append(prefixValues(prefix), values...)) != 0 {
		return 0, nil, fmt.Errorf("%w: bad checksum", ErrInvalidAddress)
	}

	raw, err := bech32.ConvertBits(values[:len(values)-8], 5, 8, false)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(raw) != 21 {
		return 0, nil, fmt.Errorf("%w: unsupported hash size", ErrInvalidAddress)
	}
	version := raw[0]
	if version&0x07 != 0 {
		return 0, nil, fmt.Errorf("%w: unsupported hash size", ErrInvalidAddress)
	}
	return version >> 3, raw[1:], nil
}
