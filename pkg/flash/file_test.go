package flash

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestParseIntelHex covers the "HEX parse" scenario: one data record at
// address 0x0100 length 16, followed by an end-of-file record.
func TestParseIntelHex(t *testing.T) {
	input := ":10010000214601360121470136007EFE09D2190140\n:00000001FF\n"
	file, err := ParseIntelHex(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, file.Blocks, 1)
	assert.Equal(t, uint32(0x0100), file.Blocks[0].Address)
	assert.Len(t, file.Blocks[0].Data, 16)
	assert.NoError(t, file.Validate())
}

func TestParseIntelHexChecksumMismatch(t *testing.T) {
	input := ":10010000214601360121470136007EFE09D21901FF\n:00000001FF\n"
	_, err := ParseIntelHex(strings.NewReader(input))
	assert.Error(t, err)
}

func TestParseIntelHexExtendedLinearAddress(t *testing.T) {
	input := ":020000040001F9\n:04000000DEADBEEFC4\n:00000001FF\n"
	file, err := ParseIntelHex(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, file.Blocks, 1)
	assert.Equal(t, uint32(0x00010000), file.Blocks[0].Address)
	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, file.Blocks[0].Data)
}

func TestParseSRecord(t *testing.T) {
	// S1 record: addr 0x0100, data 21 46 01 36.
	// bytecount=0x06, sum=0x06+0x01+0x00+0x21+0x46+0x01+0x36=0xA5, ^0xA5=0x5A
	input := "S1060100214601365A\n"
	file, err := ParseSRecord(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, file.Blocks, 1)
	assert.Equal(t, uint32(0x0100), file.Blocks[0].Address)
	assert.Equal(t, []byte{0x21, 0x46, 0x01, 0x36}, file.Blocks[0].Data)
}

// TestOverlappingBlocksRejected covers the "Overlapping blocks
// rejected" scenario: block A at 0x0100 length 16, block B at 0x0108
// length 16 overlap and Validate() must fail.
func TestOverlappingBlocksRejected(t *testing.T) {
	file := File{Blocks: []Block{
		{Address: 0x0100, Data: make([]byte, 16)},
		{Address: 0x0108, Data: make([]byte, 16)},
	}}
	assert.Error(t, file.Validate())
}

func TestNonOverlappingBlocksValid(t *testing.T) {
	file := File{Blocks: []Block{
		{Address: 0x0100, Data: make([]byte, 16)},
		{Address: 0x0200, Data: make([]byte, 16)},
	}}
	assert.NoError(t, file.Validate())
}

func TestParseBinary(t *testing.T) {
	file := ParseBinary([]byte{1, 2, 3, 4})
	require.Len(t, file.Blocks, 1)
	assert.Equal(t, uint32(0), file.Blocks[0].Address)
	assert.Equal(t, []byte{1, 2, 3, 4}, file.Blocks[0].Data)
}

// TestIntelHexRoundTrip covers the §8 round-trip law: decode then
// re-encode (here the reverse order, encode then decode) must reproduce
// the same blocks, across a 64KiB extended-linear-address boundary.
func TestIntelHexRoundTrip(t *testing.T) {
	original := File{Blocks: []Block{
		{Address: 0x0100, Data: []byte{0x21, 0x46, 0x01, 0x36, 0x01, 0x21, 0x47, 0x01}},
		{Address: 0x20000, Data: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
	}}
	encoded := EncodeIntelHex(original)
	decoded, err := ParseIntelHex(strings.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, original.Blocks, decoded.Blocks)
}

func TestSRecordRoundTrip(t *testing.T) {
	original := File{Blocks: []Block{
		{Address: 0x0100, Data: []byte{0x21, 0x46, 0x01, 0x36}},
		{Address: 0x1000000, Data: []byte{0xAA, 0xBB}},
	}}
	encoded := EncodeSRecord(original)
	decoded, err := ParseSRecord(strings.NewReader(encoded))
	require.NoError(t, err)
	assert.Equal(t, original.Blocks, decoded.Blocks)
}

// TestBinaryRoundTrip covers §8 invariant 5 directly:
// parse(encode(flashfile)) == flashfile under the binary format.
func TestBinaryRoundTrip(t *testing.T) {
	original := ParseBinary([]byte{1, 2, 3, 4, 5})
	encoded, err := EncodeBinary(original)
	require.NoError(t, err)
	assert.Equal(t, original, ParseBinary(encoded))
}

// TestHexToBytesRoundTrip covers the §8 "Hex-string <-> byte-vector" law:
// hex_to_bytes(bytes_to_hex(v)) == v.
func TestHexToBytesRoundTrip(t *testing.T) {
	v := []byte{0x00, 0x7F, 0xFF, 0x10, 0xAB}
	decoded, err := HexToBytes(BytesToHex(v))
	require.NoError(t, err)
	assert.Equal(t, v, decoded)
}
