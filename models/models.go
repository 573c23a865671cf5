package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	TypeSize     = 4
	PositionSize = 12
	CoinIDSize   = TypeSize + PositionSize
)

var (
	ErrPositionOverflow = errors.New("position does not fit in 96 bits")
	ErrEmptyRange       = errors.New("range start must be below range end")
)

// ZeroAddress is the sender of every deposit record.
var ZeroAddress common.Address

// MaxPosition is the largest position representable in a CoinID.
var MaxPosition = new(uint256.Int).Sub(new(uint256.Int).Lsh(uint256.NewInt(1), 8*PositionSize), uint256.NewInt(1))

// CoinID is the big-endian concatenation of a token type and a position.
// Lexicographic order on the bytes orders all coins of a type contiguously.
type CoinID [CoinIDSize]byte

// MaxCoinID is the highest point of the coin space.
var MaxCoinID = CoinID{
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
}

func NewCoinID(typ uint32, pos *uint256.Int) (CoinID, error) {
	var c CoinID
	binary.BigEndian.PutUint32(c[:TypeSize], typ)
	if err := PutPosition(c[TypeSize:], pos); err != nil {
		return c, err
	}
	return c, nil
}

func (c CoinID) Type() uint32 {
	return binary.BigEndian.Uint32(c[:TypeSize])
}

func (c CoinID) Position() *uint256.Int {
	return new(uint256.Int).SetBytes(c[TypeSize:])
}

// Int returns the whole 128-bit coin id as an integer.
func (c CoinID) Int() *uint256.Int {
	return new(uint256.Int).SetBytes(c[:])
}

func (c CoinID) Compare(o CoinID) int {
	return bytes.Compare(c[:], o[:])
}

func (c CoinID) String() string {
	return fmt.Sprintf("%d:%s", c.Type(), c.Position().Dec())
}

// PutPosition writes pos as a 12 byte big-endian value into dst.
func PutPosition(dst []byte, pos *uint256.Int) error {
	if pos == nil {
		pos = new(uint256.Int)
	}
	if pos.Gt(MaxPosition) {
		return ErrPositionOverflow
	}
	b := pos.Bytes32()
	copy(dst[:PositionSize], b[32-PositionSize:])
	return nil
}

func ReadPosition(src []byte) *uint256.Int {
	return new(uint256.Int).SetBytes(src[:PositionSize])
}

// TransferRecord moves [Start, End) of Type from Sender to Recipient as of Block.
type TransferRecord struct {
	Sender    common.Address
	Recipient common.Address
	Type      uint32
	Start     *uint256.Int
	End       *uint256.Int
	Block     uint64
}

func (tr *TransferRecord) IsDeposit() bool {
	return tr.Sender == ZeroAddress
}

// CheckRange verifies Start < End and that both fit a position.
func (tr *TransferRecord) CheckRange() error {
	if tr.Start == nil || tr.End == nil {
		return ErrEmptyRange
	}
	if tr.End.Gt(MaxPosition) {
		return ErrPositionOverflow
	}
	if !tr.Start.Lt(tr.End) {
		return ErrEmptyRange
	}
	return nil
}

func (tr *TransferRecord) StartCoin() CoinID {
	c, _ := NewCoinID(tr.Type, tr.Start)
	return c
}

func (tr *TransferRecord) EndCoin() CoinID {
	c, _ := NewCoinID(tr.Type, tr.End)
	return c
}

// Overlaps reports whether the two records share any coin.
func (tr *TransferRecord) Overlaps(o *TransferRecord) bool {
	if tr.Type != o.Type {
		return false
	}
	return tr.Start.Lt(o.End) && o.Start.Lt(tr.End)
}

// WithRange returns a copy of tr covering [start, end).
func (tr *TransferRecord) WithRange(start, end *uint256.Int) TransferRecord {
	out := *tr
	out.Start = start.Clone()
	out.End = end.Clone()
	return out
}

func (tr *TransferRecord) String() string {
	return fmt.Sprintf("%s->%s type=%d [%s,%s) block=%d", tr.Sender.Hex(), tr.Recipient.Hex(), tr.Type, tr.Start.Dec(), tr.End.Dec(), tr.Block)
}

// Signature is a recoverable secp256k1 signature over a transfer.
type Signature struct {
	V uint8
	R [32]byte
	S [32]byte
}

// Transaction carries one signature per transfer record.
type Transaction struct {
	Transfers  []TransferRecord
	Signatures []Signature
}

// FirstCoin is the key a transaction is ordered by inside a sealed block.
func (tx *Transaction) FirstCoin() CoinID {
	return tx.Transfers[0].StartCoin()
}
