package sumtree

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/plasmachain/operator/models"
	"github.com/plasmachain/operator/rangeindex"
)

// Inner schema:
// S{uint64 block}{coin id} : {uint32 leaf index}{signed tx}
// T{uint64 block}{uint8 level}{uint32 index} : {hash}{uint128 sum}[{coin id} on level 0]
// H{uint64 block} : {uint8 height}{uint32 leaf count}{root hash}{uint128 root sum}
// P{uint64 block} : {root hash} once the root reached the parent chain
const (
	prefixStaged    = 'S'
	prefixNode      = 'T'
	prefixMeta      = 'H'
	prefixSubmitted = 'P'
)

const (
	sumSize      = 16
	nodeSize     = common.HashLength + sumSize
	leafNodeSize = nodeSize + models.CoinIDSize
	metaSize     = 1 + 4 + common.HashLength + sumSize

	stagedKeySize = 1 + 8 + models.CoinIDSize
	nodeKeySize   = 1 + 8 + 1 + 4
)

func makeStagedKey(block uint64, coin models.CoinID) []byte {
	out := make([]byte, stagedKeySize)
	out[0] = prefixStaged
	binary.BigEndian.PutUint64(out[1:], block)
	copy(out[9:], coin[:])
	return out
}

func parseStagedKey(key []byte) (block uint64, coin models.CoinID) {
	if len(key) != stagedKeySize || key[0] != prefixStaged {
		panic(fmt.Sprintf("staged key wanted S got %x", key))
	}
	block = binary.BigEndian.Uint64(key[1:])
	copy(coin[:], key[9:])
	return block, coin
}

func stagedPrefix(block uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixStaged
	binary.BigEndian.PutUint64(out[1:], block)
	return out
}

func makeNodeKey(block uint64, level uint8, index uint32) []byte {
	out := make([]byte, nodeKeySize)
	out[0] = prefixNode
	binary.BigEndian.PutUint64(out[1:], block)
	out[9] = level
	binary.BigEndian.PutUint32(out[10:], index)
	return out
}

func nodeBlockPrefix(block uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixNode
	binary.BigEndian.PutUint64(out[1:], block)
	return out
}

func nodeLevelPrefix(block uint64, level uint8) []byte {
	out := make([]byte, 10)
	out[0] = prefixNode
	binary.BigEndian.PutUint64(out[1:], block)
	out[9] = level
	return out
}

func makeMetaKey(block uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixMeta
	binary.BigEndian.PutUint64(out[1:], block)
	return out
}

func makeSubmittedKey(block uint64) []byte {
	out := make([]byte, 9)
	out[0] = prefixSubmitted
	binary.BigEndian.PutUint64(out[1:], block)
	return out
}

func prefixBounds(prefix []byte) (lower, upper []byte) {
	return prefix, rangeindex.PrefixUpperBound(prefix)
}

// putSum writes sum as a 16 byte big-endian value.
func putSum(dst []byte, sum *uint256.Int) error {
	if sum.BitLen() > 8*sumSize {
		return ErrSumOverflow
	}
	b := sum.Bytes32()
	copy(dst[:sumSize], b[32-sumSize:])
	return nil
}

func readSum(src []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(src[:sumSize])
}

func (n Node) encode() ([]byte, error) {
	out := make([]byte, nodeSize)
	copy(out, n.Hash[:])
	if err := putSum(out[common.HashLength:], n.Sum); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeNode(val []byte) (Node, error) {
	if len(val) < nodeSize {
		return Node{}, fmt.Errorf("node value too short: %d", len(val))
	}
	return Node{
		Hash: common.BytesToHash(val[:common.HashLength]),
		Sum:  readSum(val[common.HashLength:]),
	}, nil
}

func (r *Root) encode() ([]byte, error) {
	out := make([]byte, metaSize)
	out[0] = r.Height
	binary.BigEndian.PutUint32(out[1:], r.Leaves)
	copy(out[5:], r.Hash[:])
	if err := putSum(out[5+common.HashLength:], r.Sum); err != nil {
		return nil, err
	}
	return out, nil
}

func decodeRoot(block uint64, val []byte) (*Root, error) {
	if len(val) != metaSize {
		return nil, fmt.Errorf("block meta has %d bytes", len(val))
	}
	return &Root{
		Block:  block,
		Height: val[0],
		Leaves: binary.BigEndian.Uint32(val[1:]),
		Hash:   common.BytesToHash(val[5 : 5+common.HashLength]),
		Sum:    readSum(val[5+common.HashLength:]),
	}, nil
}
