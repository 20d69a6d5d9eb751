package flash

import (
	"encoding/hex"
	"strings"
)

// BytesToHex renders v as the uppercase hex digit pairs used by Intel
// HEX and S-record lines. HexToBytes(BytesToHex(v)) == v for any v.
func BytesToHex(v []byte) string {
	return strings.ToUpper(hex.EncodeToString(v))
}

// HexToBytes is the inverse of BytesToHex; it accepts either case.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
