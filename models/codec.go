package models

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Wire layout, all fields big-endian and fixed width:
//
//	transfer:    sender(20) recipient(20) type(4) start(12) end(12) block(8)
//	signature:   v(1) r(32) s(32)
//	unsigned tx: count(1) transfer*count
//	signed tx:   unsigned tx, signature*count
const (
	TransferRecordSize = common.AddressLength*2 + TypeSize + PositionSize*2 + 8
	SignatureSize      = 1 + 32 + 32
	MaxTransfers       = 255
)

var (
	ErrShortBuffer      = errors.New("buffer too short")
	ErrNoTransfers      = errors.New("transaction has no transfers")
	ErrTooManyTransfers = errors.New("transaction has too many transfers")
	ErrSignatureCount   = errors.New("signature count does not match transfer count")
)

func (tr *TransferRecord) MarshalBinary() ([]byte, error) {
	out := make([]byte, TransferRecordSize)
	if err := tr.putBinary(out); err != nil {
		return nil, err
	}
	return out, nil
}

func (tr *TransferRecord) putBinary(out []byte) error {
	pos := 0
	copy(out[pos:], tr.Sender[:])
	pos += common.AddressLength
	copy(out[pos:], tr.Recipient[:])
	pos += common.AddressLength
	binary.BigEndian.PutUint32(out[pos:], tr.Type)
	pos += TypeSize
	if err := PutPosition(out[pos:], tr.Start); err != nil {
		return fmt.Errorf("start: %w", err)
	}
	pos += PositionSize
	if err := PutPosition(out[pos:], tr.End); err != nil {
		return fmt.Errorf("end: %w", err)
	}
	pos += PositionSize
	binary.BigEndian.PutUint64(out[pos:], tr.Block)
	return nil
}

func (tr *TransferRecord) UnmarshalBinary(b []byte) error {
	if len(b) < TransferRecordSize {
		return ErrShortBuffer
	}
	pos := 0
	tr.Sender = common.BytesToAddress(b[pos : pos+common.AddressLength])
	pos += common.AddressLength
	tr.Recipient = common.BytesToAddress(b[pos : pos+common.AddressLength])
	pos += common.AddressLength
	tr.Type = binary.BigEndian.Uint32(b[pos:])
	pos += TypeSize
	tr.Start = ReadPosition(b[pos:])
	pos += PositionSize
	tr.End = ReadPosition(b[pos:])
	pos += PositionSize
	tr.Block = binary.BigEndian.Uint64(b[pos:])
	return nil
}

func (tx *Transaction) checkShape() error {
	if len(tx.Transfers) == 0 {
		return ErrNoTransfers
	}
	if len(tx.Transfers) > MaxTransfers {
		return ErrTooManyTransfers
	}
	return nil
}

// MarshalUnsigned encodes only the transfer fields. This is what gets hashed
// into a sum tree leaf.
func (tx *Transaction) MarshalUnsigned() ([]byte, error) {
	if err := tx.checkShape(); err != nil {
		return nil, err
	}
	out := make([]byte, 1+len(tx.Transfers)*TransferRecordSize)
	out[0] = byte(len(tx.Transfers))
	for i := range tx.Transfers {
		if err := tx.Transfers[i].putBinary(out[1+i*TransferRecordSize:]); err != nil {
			return nil, fmt.Errorf("transfer %d: %w", i, err)
		}
	}
	return out, nil
}

func (tx *Transaction) MarshalBinary() ([]byte, error) {
	if len(tx.Signatures) != len(tx.Transfers) {
		return nil, ErrSignatureCount
	}
	unsigned, err := tx.MarshalUnsigned()
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(unsigned), len(unsigned)+len(tx.Signatures)*SignatureSize)
	copy(out, unsigned)
	for _, sig := range tx.Signatures {
		out = append(out, sig.V)
		out = append(out, sig.R[:]...)
		out = append(out, sig.S[:]...)
	}
	return out, nil
}

func (tx *Transaction) UnmarshalBinary(b []byte) error {
	out, err := ReadTransaction(bytes.NewReader(b))
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrShortBuffer
		}
		return err
	}
	*tx = *out
	return nil
}

// ReadTransaction reads one signed transaction. It returns io.EOF only when
// r is exhausted exactly at a transaction boundary.
func ReadTransaction(r io.Reader) (*Transaction, error) {
	var count [1]byte
	if _, err := io.ReadFull(r, count[:]); err != nil {
		return nil, err
	}
	n := int(count[0])
	if n == 0 {
		return nil, ErrNoTransfers
	}

	body := make([]byte, n*(TransferRecordSize+SignatureSize))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	tx := &Transaction{
		Transfers:  make([]TransferRecord, n),
		Signatures: make([]Signature, n),
	}
	for i := 0; i < n; i++ {
		if err := tx.Transfers[i].UnmarshalBinary(body[i*TransferRecordSize:]); err != nil {
			return nil, err
		}
	}
	sigs := body[n*TransferRecordSize:]
	for i := 0; i < n; i++ {
		s := sigs[i*SignatureSize:]
		tx.Signatures[i].V = s[0]
		copy(tx.Signatures[i].R[:], s[1:33])
		copy(tx.Signatures[i].S[:], s[33:65])
	}
	return tx, nil
}

// Hash is the keccak256 of the unsigned encoding.
func (tx *Transaction) Hash() (common.Hash, error) {
	unsigned, err := tx.MarshalUnsigned()
	if err != nil {
		return common.Hash{}, err
	}
	return crypto.Keccak256Hash(unsigned), nil
}
