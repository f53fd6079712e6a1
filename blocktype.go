package dataserver

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BlockType is the classification tag of a block.
// The set of values is closed; use ParseBlockType to convert untrusted input.
type BlockType string

const (
	BlockTypeA BlockType = "TYPE_A"
	BlockTypeB BlockType = "TYPE_B"
)

// BlockTypes lists every recognised classification tag.
var BlockTypes = []BlockType{BlockTypeA, BlockTypeB}

// Valid reports whether t is one of the recognised classification tags.
func (t BlockType) Valid() bool {
	switch t {
	case BlockTypeA, BlockTypeB:
		return true
	default:
		return false
	}
}

func (t BlockType) String() string {
	return string(t)
}

// ParseBlockType converts s into a BlockType.
// Returns ErrInvalidBlockType if s is not a recognised tag. Matching is exact.
func ParseBlockType(s string) (BlockType, error) {
	t := BlockType(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q (want one of %s)", ErrInvalidBlockType, s, blockTypeList())
	}
	return t, nil
}

// UnmarshalJSON implements json.Unmarshaler so that unknown tags are rejected
// while decoding rather than later.
func (t *BlockType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidBlockType, string(data))
	}
	parsed, err := ParseBlockType(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

func blockTypeList() string {
	names := make([]string, len(BlockTypes))
	for i, t := range BlockTypes {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
