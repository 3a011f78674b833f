package util

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Normalize returns s in Unicode NFC with surrounding space removed.
// Subject attribute values and profile names are compared in this form.
func Normalize(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func HexEncode(b []byte) string {
	return hex.EncodeToString(b)
}

func HexDecode(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// FormatSerial renders a certificate serial as lower-case hex with an even
// number of digits.
func FormatSerial(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	return HexEncode(serial.Bytes())
}

// ParseSerial parses a hex serial, accepting an optional "0x" prefix and
// ':' separators as printed by openssl.
func ParseSerial(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(s)), "0x")
	s = strings.ReplaceAll(s, ":", "")
	if s == "" {
		return nil, fmt.Errorf("empty serial")
	}
	serial, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid hex serial %q", s)
	}
	if serial.Sign() <= 0 {
		return nil, fmt.Errorf("serial must be positive")
	}
	return serial, nil
}
