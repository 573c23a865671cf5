package sumtree

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmachain/operator/models"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
)

type debugWriter struct {
	t *testing.T
}

func (w *debugWriter) Write(p []byte) (n int, err error) {
	w.t.Helper()
	w.t.Log(string(p))
	return len(p), nil
}

func newMemDB(t *testing.T) *pebble.DB {
	db, err := pebble.Open("sumtree", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newTestTree(t *testing.T, db *pebble.DB, cfg *Config) *Tree {
	tree, err := New(db, cfg)
	require.NoError(t, err)
	tree.log = slog.New(slog.NewTextHandler(&debugWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return tree
}

func mkTx(typ uint32, start, end, block uint64) *models.Transaction {
	return &models.Transaction{
		Transfers: []models.TransferRecord{{
			Sender:    alice,
			Recipient: bob,
			Type:      typ,
			Start:     uint256.NewInt(start),
			End:       uint256.NewInt(end),
			Block:     block,
		}},
		Signatures: []models.Signature{{V: 27}},
	}
}

func sliceSource(txs ...*models.Transaction) Source {
	return func(cb func(*models.Transaction) error) error {
		for _, tx := range txs {
			if err := cb(tx); err != nil {
				return err
			}
		}
		return nil
	}
}

func coinInt(t *testing.T, typ uint32, pos uint64) *uint256.Int {
	c, err := models.NewCoinID(typ, uint256.NewInt(pos))
	require.NoError(t, err)
	return c.Int()
}

func leafNode(t *testing.T, tx *models.Transaction, sum *uint256.Int) Node {
	h, err := tx.Hash()
	require.NoError(t, err)
	return Node{Hash: h, Sum: sum}
}

func TestEmptyBlock(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)

	root, err := tree.BuildBlock(context.Background(), 4, sliceSource())
	require.NoError(t, err)
	assert.Equal(common.Hash{}, root.Hash)
	assert.True(root.Sum.IsZero())
	assert.Equal(uint8(0), root.Height)
	assert.Equal(uint32(0), root.Leaves)

	_, err = tree.GetBranch(4, 0)
	assert.ErrorIs(err, ErrLeafOutOfRange)
}

func TestThreeTransactionBlock(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)

	tx0 := mkTx(0, 0, 10, 7)
	tx1 := mkTx(0, 10, 20, 7)
	tx2 := mkTx(1, 5, 6, 7)

	// arrival order does not matter, leaves are ordered by first coin
	root, err := tree.BuildBlock(context.Background(), 7, sliceSource(tx2, tx0, tx1))
	require.NoError(t, err)
	assert.Equal(uint8(2), root.Height)
	assert.Equal(uint32(3), root.Leaves)
	assert.True(root.Sum.Eq(models.MaxCoinID.Int()))

	c1 := coinInt(t, 0, 10)
	c2 := coinInt(t, 1, 5)
	l0 := leafNode(t, tx0, c1)
	l1 := leafNode(t, tx1, new(uint256.Int).Sub(c2, c1))
	l2 := leafNode(t, tx2, new(uint256.Int).Sub(models.MaxCoinID.Int(), c2))

	left, err := hashPair(l0, l1)
	require.NoError(t, err)
	right, err := hashPair(l2, EmptyNode())
	require.NoError(t, err)
	top, err := hashPair(left, right)
	require.NoError(t, err)
	assert.Equal(top.Hash, root.Hash)

	for i, want := range []Node{l0, l1, l2} {
		n, err := tree.GetNode(7, 0, uint32(i))
		require.NoError(t, err)
		assert.Equal(want.Hash, n.Hash)
		assert.True(want.Sum.Eq(n.Sum), "leaf %d sum", i)
	}

	tx, err := tree.LeafTransaction(7, 2)
	require.NoError(t, err)
	assert.Equal(tx2.FirstCoin(), tx.FirstCoin())
	assert.Equal(tx2.Signatures, tx.Signatures)

	_, err = tree.LeafTransaction(7, 3)
	assert.ErrorIs(err, ErrLeafOutOfRange)
}

func TestSingleLeafIsRoot(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)

	tx := mkTx(3, 100, 200, 1)
	root, err := tree.BuildBlock(context.Background(), 1, sliceSource(tx))
	require.NoError(t, err)

	h, err := tx.Hash()
	require.NoError(t, err)
	assert.Equal(uint8(0), root.Height)
	assert.Equal(h, root.Hash)
	assert.True(root.Sum.Eq(models.MaxCoinID.Int()))

	br, err := tree.GetBranch(1, 0)
	require.NoError(t, err)
	assert.Empty(br.Siblings)
	got, start, end, err := VerifyBranch(br.Leaf, br)
	require.NoError(t, err)
	assert.Equal(root.Hash, got)
	assert.True(start.IsZero())
	assert.True(end.Eq(models.MaxCoinID.Int()))
}

func TestBranchesRederiveRoot(t *testing.T) {
	assert := assert.New(t)
	cfg := DefaultConfig()
	cfg.BatchSize = 4
	tree := newTestTree(t, newMemDB(t), cfg)

	var txs []*models.Transaction
	for i := uint64(0); i < 37; i++ {
		txs = append(txs, mkTx(uint32(i%3), i*100, i*100+50, 2))
	}
	root, err := tree.BuildBlock(context.Background(), 2, sliceSource(txs...))
	require.NoError(t, err)
	assert.Equal(uint32(37), root.Leaves)
	assert.Equal(uint8(6), root.Height)
	assert.True(root.Sum.Eq(models.MaxCoinID.Int()))

	next := new(uint256.Int)
	for i := uint32(0); i < root.Leaves; i++ {
		br, err := tree.GetBranch(2, i)
		require.NoError(t, err)
		assert.Equal(int(root.Height), len(br.Siblings))

		tx, err := tree.LeafTransaction(2, i)
		require.NoError(t, err)
		leaf := leafNode(t, tx, br.Leaf.Sum)
		assert.Equal(br.Leaf.Hash, leaf.Hash)

		got, start, end, err := VerifyBranch(leaf, br)
		require.NoError(t, err)
		assert.Equal(root.Hash, got, "leaf %d", i)
		assert.True(start.Eq(next), "leaf %d starts at %s", i, start.Dec())
		if i > 0 {
			assert.True(start.Eq(tx.FirstCoin().Int()))
		}
		next = end
	}
	assert.True(next.Eq(models.MaxCoinID.Int()))

	_, err = tree.GetBranch(2, root.Leaves)
	assert.ErrorIs(err, ErrLeafOutOfRange)
}

func TestTamperedBranchFails(t *testing.T) {
	tree := newTestTree(t, newMemDB(t), nil)
	root, err := tree.BuildBlock(context.Background(), 0, sliceSource(mkTx(0, 0, 5, 0), mkTx(0, 5, 9, 0)))
	require.NoError(t, err)

	br, err := tree.GetBranch(0, 1)
	require.NoError(t, err)
	leaf := br.Leaf
	leaf.Sum = new(uint256.Int).AddUint64(leaf.Sum, 1)
	got, _, _, err := VerifyBranch(leaf, br)
	require.NoError(t, err)
	assert.NotEqual(t, root.Hash, got)
}

func TestSumOverflow(t *testing.T) {
	full := Node{Sum: models.MaxCoinID.Int()}
	_, err := hashPair(full, full)
	assert.ErrorIs(t, err, ErrSumOverflow)
}

func TestDuplicateFirstCoin(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)

	_, err := tree.BuildBlock(context.Background(), 3, sliceSource(mkTx(0, 0, 5, 3), mkTx(0, 0, 2, 3)))
	assert.ErrorIs(err, ErrDuplicateLeaf)

	_, err = tree.Root(3)
	assert.ErrorIs(err, ErrBlockNotBuilt)

	// a later clean build is not confused by the leftovers
	root, err := tree.BuildBlock(context.Background(), 3, sliceSource(mkTx(0, 0, 5, 3)))
	assert.NoError(err)
	assert.Equal(uint32(1), root.Leaves)
}

func TestBuildNotReentrant(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := func(cb func(*models.Transaction) error) error {
		close(entered)
		<-release
		return cb(mkTx(0, 0, 1, 9))
	}

	done := make(chan error, 1)
	go func() {
		_, err := tree.BuildBlock(context.Background(), 9, slow)
		done <- err
	}()

	<-entered
	_, err := tree.BuildBlock(context.Background(), 9, sliceSource())
	assert.ErrorIs(err, ErrBuildInProgress)

	// other blocks are independent
	_, err = tree.BuildBlock(context.Background(), 10, sliceSource())
	assert.NoError(err)

	close(release)
	select {
	case err := <-done:
		assert.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("build did not finish")
	}
}

func TestRootSurvivesReopen(t *testing.T) {
	assert := assert.New(t)
	db := newMemDB(t)
	tree := newTestTree(t, db, nil)

	root, err := tree.BuildBlock(context.Background(), 5, sliceSource(mkTx(0, 0, 5, 5), mkTx(2, 1, 4, 5)))
	require.NoError(t, err)

	again, err := tree.BuildBlock(context.Background(), 5, sliceSource(mkTx(0, 0, 1, 5)))
	require.NoError(t, err)
	assert.Equal(root.Hash, again.Hash)

	cold := newTestTree(t, db, nil)
	stored, err := cold.Root(5)
	require.NoError(t, err)
	assert.Equal(root.Hash, stored.Hash)
	assert.Equal(root.Height, stored.Height)
	assert.Equal(root.Leaves, stored.Leaves)
	assert.True(root.Sum.Eq(stored.Sum))

	_, err = cold.Root(6)
	assert.ErrorIs(err, ErrBlockNotBuilt)
}

func TestSubmittedMarker(t *testing.T) {
	assert := assert.New(t)
	db := newMemDB(t)
	tree := newTestTree(t, db, nil)

	assert.ErrorIs(tree.MarkSubmitted(4), ErrBlockNotBuilt)

	_, err := tree.BuildBlock(context.Background(), 4, sliceSource(mkTx(0, 0, 5, 4)))
	require.NoError(t, err)
	ok, err := tree.Submitted(4)
	require.NoError(t, err)
	assert.False(ok)

	require.NoError(t, tree.MarkSubmitted(4))
	ok, err = newTestTree(t, db, nil).Submitted(4)
	require.NoError(t, err)
	assert.True(ok)
}

func TestTxHistory(t *testing.T) {
	assert := assert.New(t)
	tree := newTestTree(t, newMemDB(t), nil)
	ctx := context.Background()

	tx0 := mkTx(0, 0, 10, 0)
	tx1 := mkTx(0, 10, 20, 0)
	tx2 := mkTx(1, 5, 6, 0)
	_, err := tree.BuildBlock(ctx, 0, sliceSource(tx0, tx1, tx2))
	require.NoError(t, err)
	// block 1 is never built
	_, err = tree.BuildBlock(ctx, 2, sliceSource())
	require.NoError(t, err)
	tx3 := mkTx(0, 3, 4, 3)
	_, err = tree.BuildBlock(ctx, 3, sliceSource(tx3))
	require.NoError(t, err)

	target := models.TransferRecord{Type: 0, Start: uint256.NewInt(12), End: uint256.NewInt(15)}
	hist, err := tree.GetTxHistory(ctx, 0, 3, target)
	require.NoError(t, err)
	require.Equal(t, 3, len(hist))

	assert.Equal(uint64(0), hist[0].Block)
	require.Equal(t, 1, len(hist[0].Proofs))
	p := hist[0].Proofs[0]
	assert.Equal(tx1.FirstCoin(), p.Tx.FirstCoin())
	assert.Equal(uint32(1), p.Branch.LeafIndex)
	got, _, _, err := VerifyBranch(leafNode(t, p.Tx, p.Branch.Leaf.Sum), p.Branch)
	require.NoError(t, err)
	assert.Equal(hist[0].Root, got)

	assert.Equal(uint64(2), hist[1].Block)
	assert.Empty(hist[1].Proofs)

	// the only leaf of block 3 covers the whole coin space
	assert.Equal(uint64(3), hist[2].Block)
	require.Equal(t, 1, len(hist[2].Proofs))
	assert.Equal(tx3.FirstCoin(), hist[2].Proofs[0].Tx.FirstCoin())

	// a span crossing a leaf boundary gets both leaves
	wide := models.TransferRecord{Type: 0, Start: uint256.NewInt(2), End: uint256.NewInt(11)}
	hist, err = tree.GetTxHistory(ctx, 0, 0, wide)
	require.NoError(t, err)
	require.Equal(t, 1, len(hist))
	require.Equal(t, 2, len(hist[0].Proofs))
	assert.Equal(tx0.FirstCoin(), hist[0].Proofs[0].Tx.FirstCoin())
	assert.Equal(tx1.FirstCoin(), hist[0].Proofs[1].Tx.FirstCoin())

	_, err = tree.GetTxHistory(ctx, 0, 3, models.TransferRecord{Start: uint256.NewInt(4), End: uint256.NewInt(4)})
	assert.ErrorIs(err, models.ErrEmptyRange)
}
