package rangeindex

import (
	"encoding/binary"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/plasmachain/operator/models"
)

// Inner schema:
// R{uint32 type}{uint96 end} : {encoded TransferRecord}
// O{owner}{uint32 type}{uint96 end} : {uint96 start}
// D{uint32 type} : {uint96 total deposited}
// Xblock : {uint64 current block}
const (
	prefixRange   = 'R'
	prefixOwner   = 'O'
	prefixDeposit = 'D'
)

var blockNumberKey = []byte("Xblock")

const (
	rangeKeySize = 1 + models.TypeSize + models.PositionSize
	ownerKeySize = 1 + common.AddressLength + models.TypeSize + models.PositionSize
)

func makeRangeKey(typ uint32, end *uint256.Int) ([]byte, error) {
	out := make([]byte, rangeKeySize)
	out[0] = prefixRange
	binary.BigEndian.PutUint32(out[1:], typ)
	if err := models.PutPosition(out[1+models.TypeSize:], end); err != nil {
		return nil, err
	}
	return out, nil
}

func parseRangeKey(key []byte) (typ uint32, end *uint256.Int, err error) {
	if len(key) != rangeKeySize || key[0] != prefixRange {
		return 0, nil, fmt.Errorf("range key wanted R got %x", key)
	}
	typ = binary.BigEndian.Uint32(key[1:])
	end = models.ReadPosition(key[1+models.TypeSize:])
	return typ, end, nil
}

func makeOwnerKey(owner common.Address, typ uint32, end *uint256.Int) ([]byte, error) {
	out := make([]byte, ownerKeySize)
	out[0] = prefixOwner
	pos := 1
	copy(out[pos:], owner[:])
	pos += common.AddressLength
	binary.BigEndian.PutUint32(out[pos:], typ)
	pos += models.TypeSize
	if err := models.PutPosition(out[pos:], end); err != nil {
		return nil, err
	}
	return out, nil
}

func parseOwnerKey(key []byte) (owner common.Address, typ uint32, end *uint256.Int) {
	if len(key) != ownerKeySize || key[0] != prefixOwner {
		panic(fmt.Sprintf("owner key wanted O got %x", key))
	}
	pos := 1
	owner = common.BytesToAddress(key[pos : pos+common.AddressLength])
	pos += common.AddressLength
	typ = binary.BigEndian.Uint32(key[pos:])
	pos += models.TypeSize
	end = models.ReadPosition(key[pos:])
	return owner, typ, end
}

func makeDepositKey(typ uint32) []byte {
	var out [1 + models.TypeSize]byte
	out[0] = prefixDeposit
	binary.BigEndian.PutUint32(out[1:], typ)
	return out[:]
}

func typePrefix(typ uint32) []byte {
	var out [1 + models.TypeSize]byte
	out[0] = prefixRange
	binary.BigEndian.PutUint32(out[1:], typ)
	return out[:]
}

func ownerPrefix(owner common.Address) []byte {
	out := make([]byte, 1+common.AddressLength)
	out[0] = prefixOwner
	copy(out[1:], owner[:])
	return out
}

// PrefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil if there is none.
func PrefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		upper[i]++
		if upper[i] != 0 {
			return upper[:i+1]
		}
	}
	return nil
}
