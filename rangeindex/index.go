package rangeindex

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/plasmachain/operator/models"
)

// ErrUnfunded is returned when the stored ranges do not exactly cover a
// requested span.
var ErrUnfunded = errors.New("requested span is not covered by stored ranges")

// ErrCorruptRecord means a stored range record disagrees with its key.
var ErrCorruptRecord = errors.New("range record does not match its key")

// OwnedRange is a merged run of coins of one type held by a single owner.
type OwnedRange struct {
	Type  uint32
	Start *uint256.Int
	End   *uint256.Int
}

func (or OwnedRange) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  uint32 `json:"type"`
		Start string `json:"start"`
		End   string `json:"end"`
	}{or.Type, or.Start.Dec(), or.End.Dec()})
}

// PutRange stores rec as the record that produced [rec.Start, rec.End) and
// marks rec.Recipient as its owner.
func PutRange(w pebble.Writer, rec *models.TransferRecord) error {
	rkey, err := makeRangeKey(rec.Type, rec.End)
	if err != nil {
		return err
	}
	okey, err := makeOwnerKey(rec.Recipient, rec.Type, rec.End)
	if err != nil {
		return err
	}
	val, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	var start [models.PositionSize]byte
	if err := models.PutPosition(start[:], rec.Start); err != nil {
		return err
	}
	if err := w.Set(rkey, val, nil); err != nil {
		return fmt.Errorf("pebble set err, %w", err)
	}
	if err := w.Set(okey, start[:], nil); err != nil {
		return fmt.Errorf("pebble set err, %w", err)
	}
	return nil
}

// decodeRangeRecord unmarshals a range entry and checks it against the type
// and end encoded in its key.
func decodeRangeRecord(key, value []byte) (models.TransferRecord, error) {
	var rec models.TransferRecord
	typ, end, err := parseRangeKey(key)
	if err != nil {
		return rec, err
	}
	if err := rec.UnmarshalBinary(value); err != nil {
		return rec, fmt.Errorf("range record %x: %w", key, err)
	}
	if rec.Type != typ || !rec.End.Eq(end) {
		return rec, fmt.Errorf("%w: key %x holds type %d end %s", ErrCorruptRecord, key, rec.Type, rec.End.Dec())
	}
	return rec, nil
}

// DeleteRange removes both index entries for rec.
func DeleteRange(w pebble.Writer, rec *models.TransferRecord) error {
	rkey, err := makeRangeKey(rec.Type, rec.End)
	if err != nil {
		return err
	}
	okey, err := makeOwnerKey(rec.Recipient, rec.Type, rec.End)
	if err != nil {
		return err
	}
	if err := w.Delete(rkey, nil); err != nil {
		return fmt.Errorf("pebble delete err, %w", err)
	}
	if err := w.Delete(okey, nil); err != nil {
		return fmt.Errorf("pebble delete err, %w", err)
	}
	return nil
}

// AffectedRanges returns the stored records overlapping [start, end) of typ,
// in order. Unless they tile the span exactly it returns ErrUnfunded.
func AffectedRanges(r pebble.Reader, typ uint32, start, end *uint256.Int) ([]models.TransferRecord, error) {
	// first entry whose end is beyond start
	lower, err := makeRangeKey(typ, new(uint256.Int).AddUint64(start, 1))
	if err != nil {
		return nil, err
	}
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: PrefixUpperBound(typePrefix(typ)),
	})
	if err != nil {
		return nil, fmt.Errorf("range iter start, %w", err)
	}
	defer iter.Close()

	var out []models.TransferRecord
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("range iter, %w", err)
		}
		rec, err := decodeRangeRecord(iter.Key(), value)
		if err != nil {
			return nil, err
		}
		if !rec.Start.Lt(end) {
			break
		}
		out = append(out, rec)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("range iter, %w", err)
	}

	if len(out) == 0 {
		return nil, ErrUnfunded
	}
	if out[0].Start.Gt(start) {
		return nil, ErrUnfunded
	}
	for i := 1; i < len(out); i++ {
		if !out[i].Start.Eq(out[i-1].End) {
			return nil, ErrUnfunded
		}
	}
	if out[len(out)-1].End.Lt(end) {
		return nil, ErrUnfunded
	}
	return out, nil
}

// Ranges returns every stored record of typ in position order.
func Ranges(r pebble.Reader, typ uint32) ([]models.TransferRecord, error) {
	prefix := typePrefix(typ)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("range iter start, %w", err)
	}
	defer iter.Close()

	var out []models.TransferRecord
	for iter.First(); iter.Valid(); iter.Next() {
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("range iter, %w", err)
		}
		rec, err := decodeRangeRecord(iter.Key(), value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, iter.Error()
}

// OwnedRanges scans the owner index. Adjacent ranges of the same type are
// merged; ranges of different types never are.
func OwnedRanges(r pebble.Reader, owner common.Address) ([]OwnedRange, error) {
	prefix := ownerPrefix(owner)
	iter, err := r.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("owner iter start, %w", err)
	}
	defer iter.Close()

	var out []OwnedRange
	for iter.First(); iter.Valid(); iter.Next() {
		_, typ, end := parseOwnerKey(iter.Key())
		value, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("owner iter, %w", err)
		}
		start := models.ReadPosition(value)
		if n := len(out); n > 0 && out[n-1].Type == typ && out[n-1].End.Eq(start) {
			out[n-1].End = end
			continue
		}
		out = append(out, OwnedRange{Type: typ, Start: start, End: end})
	}
	return out, iter.Error()
}

func TotalDeposits(r pebble.Reader, typ uint32) (*uint256.Int, error) {
	value, closer, err := r.Get(makeDepositKey(typ))
	if errors.Is(err, pebble.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get err, %w", err)
	}
	defer closer.Close()
	return models.ReadPosition(value), nil
}

func SetTotalDeposits(w pebble.Writer, typ uint32, total *uint256.Int) error {
	var val [models.PositionSize]byte
	if err := models.PutPosition(val[:], total); err != nil {
		return err
	}
	return w.Set(makeDepositKey(typ), val[:], nil)
}

func BlockNumber(r pebble.Reader) (uint64, bool, error) {
	value, closer, err := r.Get(blockNumberKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("pebble block number err, %w", err)
	}
	defer closer.Close()
	return binary.BigEndian.Uint64(value), true, nil
}

func SetBlockNumber(w pebble.Writer, block uint64, opts *pebble.WriteOptions) error {
	var val [8]byte
	binary.BigEndian.PutUint64(val[:], block)
	return w.Set(blockNumberKey, val[:], opts)
}
