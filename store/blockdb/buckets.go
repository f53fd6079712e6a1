package blockdb

import (
	"bytes"

	"github.com/wolfeidau/dataserver"
)

// Bucket names for bbolt storage.
var (
	bucketBlocks       = []byte("blocks")         // name -> blockRecord JSON
	bucketBlocksByType = []byte("blocks_by_type") // blockType|name -> name
)

// makeTypeIndexKey creates a key for the blocks_by_type index.
// Format: [blockType][separator][name]
func makeTypeIndexKey(t dataserver.BlockType, name string) []byte {
	result := make([]byte, len(t)+1+len(name))
	copy(result, t)
	result[len(t)] = 0 // null separator
	copy(result[len(t)+1:], name)
	return result
}

// typeIndexPrefix returns the prefix shared by all index keys for t.
func typeIndexPrefix(t dataserver.BlockType) []byte {
	result := make([]byte, len(t)+1)
	copy(result, t)
	return result
}

// parseTypeIndexKey extracts the block type and name from an index key.
func parseTypeIndexKey(data []byte) (t dataserver.BlockType, name string) {
	i := bytes.IndexByte(data, 0)
	if i < 0 {
		return dataserver.BlockType(data), ""
	}
	return dataserver.BlockType(data[:i]), string(data[i+1:])
}
