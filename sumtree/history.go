package sumtree

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/plasmachain/operator/models"
)

// Proof ties a block transaction to its inclusion branch.
type Proof struct {
	Tx     *models.Transaction
	Branch *Branch
}

// BlockHistory holds every leaf of one block whose coin interval intersects
// the queried range.
type BlockHistory struct {
	Block  uint64
	Root   common.Hash
	Proofs []Proof
}

// GetTxHistory walks the built blocks in [fromBlock, toBlock] and proves
// which transactions account for target's coins in each. Blocks without a
// tree are skipped. Since leaves tile the whole coin space, every non-empty
// block yields at least one proof.
func (t *Tree) GetTxHistory(ctx context.Context, fromBlock, toBlock uint64, target models.TransferRecord) ([]BlockHistory, error) {
	if err := target.CheckRange(); err != nil {
		return nil, err
	}
	ctx, span := otel.Tracer("sumtree").Start(ctx, "GetTxHistory")
	defer span.End()
	span.SetAttributes(
		attribute.Int64("from", int64(fromBlock)),
		attribute.Int64("to", int64(toBlock)),
		attribute.String("target", target.String()),
	)

	startCoin := target.StartCoin()
	endCoin := target.EndCoin()

	var out []BlockHistory
	for block := fromBlock; block <= toBlock; block++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		root, err := t.Root(block)
		if errors.Is(err, ErrBlockNotBuilt) {
			continue
		}
		if err != nil {
			return nil, err
		}

		proofs, err := t.blockProofs(block, startCoin, endCoin)
		if err != nil {
			return nil, fmt.Errorf("history of block %d: %w", block, err)
		}
		out = append(out, BlockHistory{
			Block:  block,
			Root:   root.Hash,
			Proofs: proofs,
		})
		historyQueryBlocks.Inc()

		if block == math.MaxUint64 {
			break
		}
	}
	return out, nil
}

// blockProofs finds the leaf covering startCoin, which is the last staged
// transaction at or below it (or the first leaf, whose interval begins at
// zero), then every following leaf starting before endCoin.
func (t *Tree) blockProofs(block uint64, startCoin, endCoin models.CoinID) ([]Proof, error) {
	lower, upper := prefixBounds(stagedPrefix(block))
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return nil, fmt.Errorf("staged iter start, %w", err)
	}
	defer iter.Close()

	// staged keys are fixed width so this sorts right after startCoin's key
	seek := append(makeStagedKey(block, startCoin), 0)
	if !iter.SeekLT(seek) {
		iter.First()
	}

	var out []Proof
	for first := true; iter.Valid(); iter.Next() {
		_, coin := parseStagedKey(iter.Key())
		if !first && coin.Compare(endCoin) >= 0 {
			break
		}
		first = false

		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, fmt.Errorf("staged iter, %w", err)
		}
		leafIndex := binary.BigEndian.Uint32(val[:4])
		var tx models.Transaction
		if err := tx.UnmarshalBinary(val[4:]); err != nil {
			return nil, fmt.Errorf("staged tx at %s: %w", coin, err)
		}
		br, err := t.GetBranch(block, leafIndex)
		if err != nil {
			return nil, err
		}
		out = append(out, Proof{Tx: &tx, Branch: br})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("staged iter, %w", err)
	}
	return out, nil
}
