// Package flash implements the flash file parser (component F) and the
// flash manager state machine (component G) that drives ECU
// reprogramming over a uds.Client as its RPC substrate.
package flash

import (
	"fmt"
	"sort"
)

// Block is a contiguous run of bytes destined for a flash address.
type Block struct {
	Address uint32
	Data    []byte
}

func (b Block) end() uint32 { return b.Address + uint32(len(b.Data)) }

// File is an ordered, non-overlapping set of Blocks parsed from an
// Intel HEX, Motorola S-record, or raw binary image.
type File struct {
	Blocks []Block
}

// Validate checks the no-overlap invariant (§8 invariant 1): for every
// pair of distinct blocks, their half-open address ranges must be
// disjoint.
func (f File) Validate() error {
	blocks := append([]Block(nil), f.Blocks...)
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].Address < blocks[j].Address })
	for i := 1; i < len(blocks); i++ {
		if blocks[i].Address < blocks[i-1].end() {
			return fmt.Errorf("flash: block at x%08X overlaps block at x%08X", blocks[i].Address, blocks[i-1].Address)
		}
	}
	return nil
}

// TotalBytes returns the sum of every block's length.
func (f File) TotalBytes() int {
	total := 0
	for _, b := range f.Blocks {
		total += len(b.Data)
	}
	return total
}

// builder coalesces records into contiguous blocks: a record that
// continues directly from the running block's end is appended; any gap
// starts a new block. Shared by the Intel HEX and S-record parsers.
type builder struct {
	blocks  []Block
	current *Block
}

func (bld *builder) add(address uint32, data []byte) {
	if bld.current != nil && address == bld.current.end() {
		bld.current.Data = append(bld.current.Data, data...)
		return
	}
	bld.blocks = append(bld.blocks, Block{Address: address, Data: append([]byte(nil), data...)})
	bld.current = &bld.blocks[len(bld.blocks)-1]
}

func (bld *builder) file() File {
	return File{Blocks: bld.blocks}
}

// ParseBinary treats the whole input as one block at address 0.
func ParseBinary(data []byte) File {
	if len(data) == 0 {
		return File{}
	}
	return File{Blocks: []Block{{Address: 0, Data: append([]byte(nil), data...)}}}
}

// EncodeBinary reconstructs the flat image ParseBinary would decode back
// to f: a single block at address 0. ParseBinary(EncodeBinary(f)) == f
// is the binary-format instance of §8 invariant 5.
func EncodeBinary(f File) ([]byte, error) {
	if len(f.Blocks) == 0 {
		return nil, nil
	}
	if len(f.Blocks) != 1 || f.Blocks[0].Address != 0 {
		return nil, fmt.Errorf("flash: binary encode requires a single block at address 0")
	}
	return append([]byte(nil), f.Blocks[0].Data...), nil
}
