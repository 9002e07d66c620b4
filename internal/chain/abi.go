package chain

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/crypto/sha3"
)

// Selector returns the 4-byte function selector for a canonical signature
// such as "pauseStream(uint256)".
func Selector(signature string) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	return h.Sum(nil)[:4]
}

// EncodeCall ABI-encodes a contract call: selector followed by each
// argument padded to a 32-byte word. Supported argument types are *big.Int
// (uint256) and hex address strings. The treasury contracts take no
// dynamic arguments, so dynamic types are intentionally unsupported.
func EncodeCall(signature string, args ...any) (string, error) {
	data := Selector(signature)

	for i, arg := range args {
		word, err := encodeWord(arg)
		if err != nil {
			return "", fmt.Errorf("encode argument %d of %s: %w", i, signature, err)
		}
		data = append(data, word...)
	}

	return "0x" + hex.EncodeToString(data), nil
}

func encodeWord(arg any) ([]byte, error) {
	switch v := arg.(type) {
	case *big.Int:
		if v == nil || v.Sign() < 0 {
			return nil, fmt.Errorf("uint256 must be non-negative")
		}
		if v.BitLen() > 256 {
			return nil, fmt.Errorf("uint256 overflow")
		}
		return leftPad(v.Bytes()), nil
	case int64:
		if v < 0 {
			return nil, fmt.Errorf("uint256 must be non-negative")
		}
		return leftPad(big.NewInt(v).Bytes()), nil
	case string:
		addr := strings.TrimPrefix(strings.ToLower(v), "0x")
		if len(addr) != 40 {
			return nil, fmt.Errorf("invalid address %q", v)
		}
		raw, err := hex.DecodeString(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", v, err)
		}
		return leftPad(raw), nil
	default:
		return nil, fmt.Errorf("unsupported argument type %T", arg)
	}
}

func leftPad(b []byte) []byte {
	padded := make([]byte, 32)
	copy(padded[32-len(b):], b)
	return padded
}
