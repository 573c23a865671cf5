package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plasmachain/operator/lockmgr"
	"github.com/plasmachain/operator/models"
	"github.com/plasmachain/operator/rangeindex"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	carol = common.HexToAddress("0x00000000000000000000000000000000000000c0")
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
	db, err := pebble.Open("ledger", &pebble.Options{
		FS: vfs.NewMem(),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func newTestLedger(t *testing.T, db *pebble.DB, logDir string) *Ledger {
	cfg := DefaultConfig()
	cfg.LogDir = logDir
	cfg.LockJitter = time.Millisecond
	l := New(db, cfg)
	l.log = slog.New(slog.NewTextHandler(&debugWriter{t: t}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	require.NoError(t, l.Init(context.Background()))
	t.Cleanup(func() {
		l.Close()
	})
	return l
}

func newMem(t *testing.T) *Ledger {
	return newTestLedger(t, newMemDB(t), t.TempDir())
}

func transfer(from, to common.Address, typ uint32, start, end, block uint64) models.TransferRecord {
	return models.TransferRecord{
		Sender:    from,
		Recipient: to,
		Type:      typ,
		Start:     uint256.NewInt(start),
		End:       uint256.NewInt(end),
		Block:     block,
	}
}

func mkTx(trs ...models.TransferRecord) *models.Transaction {
	return &models.Transaction{
		Transfers:  trs,
		Signatures: make([]models.Signature, len(trs)),
	}
}

type span struct {
	typ        uint32
	start, end uint64
}

func owned(t *testing.T, l *Ledger, addr common.Address) []span {
	ranges, err := l.GetOwnedRanges(context.Background(), addr)
	require.NoError(t, err)
	out := []span{}
	for _, r := range ranges {
		out = append(out, span{r.Type, r.Start.Uint64(), r.End.Uint64()})
	}
	return out
}

// checkPartition asserts the stored ranges of typ tile [0, total) exactly.
func checkPartition(t *testing.T, l *Ledger, typ uint32) {
	t.Helper()
	total, err := l.TotalDeposits(typ)
	require.NoError(t, err)
	ranges, err := l.Ranges(typ)
	require.NoError(t, err)

	next := new(uint256.Int)
	for _, r := range ranges {
		require.True(t, r.Start.Eq(next), "gap or overlap at %s", r.Start.Dec())
		require.True(t, r.Start.Lt(r.End))
		next = r.End
	}
	require.True(t, next.Eq(total), "ranges end at %s, total %s", next.Dec(), total.Dec())
}

func deposit(t *testing.T, l *Ledger, to common.Address, typ uint32, amount uint64) *models.TransferRecord {
	rec, err := l.AddDeposit(context.Background(), to, typ, uint256.NewInt(amount))
	require.NoError(t, err)
	return rec
}

func TestDeposit(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)

	rec := deposit(t, l, alice, 0, 10)
	assert.True(rec.IsDeposit())
	assert.Equal(uint64(0), rec.Start.Uint64())
	assert.Equal(uint64(10), rec.End.Uint64())

	total, err := l.TotalDeposits(0)
	assert.NoError(err)
	assert.Equal(uint64(10), total.Uint64())
	assert.Equal([]span{{0, 0, 10}}, owned(t, l, alice))

	rec = deposit(t, l, bob, 0, 5)
	assert.Equal(uint64(10), rec.Start.Uint64())
	assert.Equal(uint64(15), rec.End.Uint64())
	checkPartition(t, l, 0)

	_, err = l.AddDeposit(context.Background(), bob, 0, uint256.NewInt(0))
	assert.ErrorIs(err, ErrInvalidDeposit)
	_, err = l.AddDeposit(context.Background(), bob, 0, models.MaxPosition)
	assert.ErrorIs(err, ErrInvalidDeposit)
}

func TestTransferWholeRange(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 10, 0))))

	assert.Equal([]span{{0, 0, 10}}, owned(t, l, bob))
	assert.Equal([]span{}, owned(t, l, alice))

	ranges, err := l.Ranges(0)
	assert.NoError(err)
	assert.Equal(1, len(ranges))
	assert.Equal(alice, ranges[0].Sender)
	assert.Equal(bob, ranges[0].Recipient)
	assert.False(ranges[0].IsDeposit())
	checkPartition(t, l, 0)
}

func TestTransferUnfundedRejected(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	err := l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 12, 0)))
	assert.ErrorIs(err, ErrUnfunded)
	assert.True(IsValidation(err))

	assert.Equal([]span{{0, 0, 10}}, owned(t, l, alice))
	assert.Equal([]span{}, owned(t, l, bob))
	assert.Equal(0, l.TxLog().Pending())
	checkPartition(t, l, 0)
}

func TestTwoTransfersMerge(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	tx := mkTx(
		transfer(alice, bob, 0, 0, 5, 0),
		transfer(alice, bob, 0, 5, 10, 0),
	)
	assert.NoError(l.AddTransaction(ctx, tx))
	assert.Equal([]span{{0, 0, 10}}, owned(t, l, bob))
	assert.Equal([]span{}, owned(t, l, alice))

	ranges, err := l.Ranges(0)
	assert.NoError(err)
	assert.Equal(2, len(ranges))
	checkPartition(t, l, 0)
}

func TestPartialTransferSplits(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	deposit(t, l, bob, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, carol, 0, 3, 7, 0))))

	assert.Equal([]span{{0, 0, 3}, {0, 7, 10}}, owned(t, l, alice))
	assert.Equal([]span{{0, 3, 7}}, owned(t, l, carol))
	assert.Equal([]span{{0, 10, 20}}, owned(t, l, bob))

	// the remainders keep the deposit record they were cut from
	ranges, err := l.Ranges(0)
	assert.NoError(err)
	assert.Equal(4, len(ranges))
	assert.True(ranges[0].IsDeposit())
	assert.True(ranges[2].IsDeposit())
	checkPartition(t, l, 0)

	// spanning two owners is never allowed
	_, err = l.StartNewBlock(ctx)
	assert.NoError(err)
	err = l.AddTransaction(ctx, mkTx(transfer(alice, carol, 0, 8, 12, 1)))
	assert.ErrorIs(err, ErrNotOwner)
	checkPartition(t, l, 0)
}

func TestNoDoubleSpendWithinBlock(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 10, 0))))

	err := l.AddTransaction(ctx, mkTx(transfer(bob, carol, 0, 0, 5, 0)))
	assert.ErrorIs(err, ErrAlreadySpent)
	// the original owner cannot spend it again either
	err = l.AddTransaction(ctx, mkTx(transfer(alice, carol, 0, 0, 5, 0)))
	assert.ErrorIs(err, ErrNotOwner)

	block, err := l.StartNewBlock(ctx)
	assert.NoError(err)
	assert.Equal(uint64(1), block)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(bob, carol, 0, 0, 5, 1))))
	assert.Equal([]span{{0, 5, 10}}, owned(t, l, bob))
	assert.Equal([]span{{0, 0, 5}}, owned(t, l, carol))
	checkPartition(t, l, 0)
}

func TestStaticValidation(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()
	deposit(t, l, alice, 0, 10)

	err := l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 5, 5, 0)))
	assert.ErrorIs(err, ErrInvalidRange)

	err = l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 5, 3)))
	assert.ErrorIs(err, ErrWrongBlock)

	err = l.AddTransaction(ctx, mkTx(
		transfer(alice, bob, 0, 0, 6, 0),
		transfer(alice, carol, 0, 5, 10, 0),
	))
	assert.ErrorIs(err, ErrOverlap)
	var ve *ValidationError
	assert.True(errors.As(err, &ve))
	assert.Equal(1, ve.Index)

	tx := mkTx(transfer(alice, bob, 0, 0, 5, 0))
	tx.Signatures = nil
	assert.ErrorIs(l.AddTransaction(ctx, tx), ErrMalformedTx)
	assert.ErrorIs(l.AddTransaction(ctx, &models.Transaction{}), ErrMalformedTx)

	assert.Equal([]span{{0, 0, 10}}, owned(t, l, alice))
	assert.Equal(0, l.TxLog().Pending())
}

func TestFailedTransferLeavesNoPartialWrites(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	deposit(t, l, bob, 0, 10)
	// first transfer is fine, second is not owned by alice
	err := l.AddTransaction(ctx, mkTx(
		transfer(alice, carol, 0, 0, 5, 0),
		transfer(alice, carol, 0, 12, 15, 0),
	))
	assert.ErrorIs(err, ErrNotOwner)
	assert.Equal([]span{{0, 0, 10}}, owned(t, l, alice))
	assert.Equal([]span{}, owned(t, l, carol))
	checkPartition(t, l, 0)
}

func TestMultipleSendersInOneTransaction(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	deposit(t, l, bob, 1, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(
		transfer(bob, alice, 1, 0, 4, 0),
		transfer(alice, bob, 0, 6, 10, 0),
	)))
	assert.Equal([]span{{0, 0, 6}, {1, 0, 4}}, owned(t, l, alice))
	assert.Equal([]span{{0, 6, 10}, {1, 4, 10}}, owned(t, l, bob))
	checkPartition(t, l, 0)
	checkPartition(t, l, 1)
	assert.Equal(0, l.locks.Held())
}

func TestStartNewBlockSealsLog(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	deposit(t, l, alice, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 4, 0))))
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, carol, 0, 4, 10, 0))))

	block, err := l.StartNewBlock(ctx)
	assert.NoError(err)
	assert.Equal(uint64(1), block)
	assert.Equal(uint64(1), l.CurrentBlock())

	var sealed []*models.Transaction
	err = l.TxLog().ReadBlock(0, func(tx *models.Transaction) error {
		sealed = append(sealed, tx)
		return nil
	})
	assert.NoError(err)
	assert.Equal(2, len(sealed))
	assert.Equal(carol, sealed[1].Transfers[0].Recipient)

	// the block number survives a restart
	persisted, found, err := rangeindex.BlockNumber(l.db)
	assert.NoError(err)
	assert.True(found)
	assert.Equal(uint64(1), persisted)
}

func TestRestartResumesBlock(t *testing.T) {
	assert := assert.New(t)
	db := newMemDB(t)
	dir := t.TempDir()
	ctx := context.Background()

	l := newTestLedger(t, db, dir)
	_, err := l.StartNewBlock(ctx)
	assert.NoError(err)
	_, err = l.StartNewBlock(ctx)
	assert.NoError(err)
	assert.NoError(l.Close())

	l2 := newTestLedger(t, db, dir)
	assert.Equal(uint64(2), l2.CurrentBlock())
}

func TestRestartCompletesSealWithoutRename(t *testing.T) {
	assert := assert.New(t)
	db := newMemDB(t)
	dir := t.TempDir()
	ctx := context.Background()

	l := newTestLedger(t, db, dir)
	deposit(t, l, alice, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 4, 0))))

	// the block number landed, the log rename did not
	require.NoError(t, rangeindex.SetBlockNumber(db, 1, pebble.Sync))
	assert.NoError(l.Close())

	l2 := newTestLedger(t, db, dir)
	assert.Equal(uint64(1), l2.CurrentBlock())

	var sealed []*models.Transaction
	require.NoError(t, l2.TxLog().ReadBlock(0, func(tx *models.Transaction) error {
		sealed = append(sealed, tx)
		return nil
	}))
	assert.Equal(1, len(sealed))

	// block 1 starts with an empty log
	assert.NoError(l2.AddTransaction(ctx, mkTx(transfer(bob, carol, 0, 0, 4, 1))))
	_, err := l2.StartNewBlock(ctx)
	require.NoError(t, err)
	var next []*models.Transaction
	require.NoError(t, l2.TxLog().ReadBlock(1, func(tx *models.Transaction) error {
		next = append(next, tx)
		return nil
	}))
	require.Equal(t, 1, len(next))
	assert.Equal(uint64(1), next[0].Transfers[0].Block)
}

func TestRestartCompletesSealWithoutBlockNumber(t *testing.T) {
	assert := assert.New(t)
	db := newMemDB(t)
	dir := t.TempDir()
	ctx := context.Background()

	l := newTestLedger(t, db, dir)
	deposit(t, l, alice, 0, 10)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 4, 0))))
	_, err := l.StartNewBlock(ctx)
	require.NoError(t, err)

	// the log rename landed, the block number did not
	require.NoError(t, rangeindex.SetBlockNumber(db, 0, pebble.Sync))
	assert.NoError(l.Close())

	l2 := newTestLedger(t, db, dir)
	assert.Equal(uint64(1), l2.CurrentBlock())
	persisted, _, err := rangeindex.BlockNumber(db)
	assert.NoError(err)
	assert.Equal(uint64(1), persisted)
}

func TestStartNewBlockWaitsForInflight(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()
	deposit(t, l, alice, 0, 10)

	// stand in for a deposit that holds its type lock mid-flight
	inflight, ok := l.locks.TryAcquireAll(lockmgr.Type(0))
	require.True(t, ok)

	sealed := make(chan uint64)
	go func() {
		block, err := l.StartNewBlock(ctx)
		assert.NoError(err)
		sealed <- block
	}()

	assert.Eventually(func() bool { return l.locks.IsHeld(lockmgr.Global()) }, time.Second, time.Millisecond)
	select {
	case <-sealed:
		t.Fatal("seal must wait for the in-flight deposit")
	case <-time.After(20 * time.Millisecond):
	}
	assert.Equal(uint64(0), l.CurrentBlock())

	inflight.Release()
	assert.Equal(uint64(1), <-sealed)

	err := l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 10, 0)))
	assert.ErrorIs(err, ErrWrongBlock)
	assert.NoError(l.AddTransaction(ctx, mkTx(transfer(alice, bob, 0, 0, 10, 1))))
}

func TestDepositWaitsForSeal(t *testing.T) {
	assert := assert.New(t)
	l := newMem(t)
	ctx := context.Background()

	// a transfer lock is held so the seal is stuck draining
	inflight, ok := l.locks.TryAcquireAll(lockmgr.Address(carol))
	require.True(t, ok)

	sealDone := make(chan struct{})
	go func() {
		defer close(sealDone)
		_, err := l.StartNewBlock(ctx)
		assert.NoError(err)
	}()
	assert.Eventually(func() bool { return l.locks.IsHeld(lockmgr.Global()) }, time.Second, time.Millisecond)

	// new work may not start until the seal finishes
	depositDone := make(chan *models.TransferRecord)
	go func() {
		rec, err := l.AddDeposit(ctx, alice, 0, uint256.NewInt(3))
		assert.NoError(err)
		depositDone <- rec
	}()

	inflight.Release()
	<-sealDone
	rec := <-depositDone
	assert.Equal(uint64(1), rec.Block)
}

func TestStartNewBlockReentrant(t *testing.T) {
	l := newMem(t)
	g, err := l.locks.AcquireGlobal(context.Background())
	require.NoError(t, err)
	defer g.Release()

	_, err = l.StartNewBlock(context.Background())
	assert.ErrorIs(t, err, ErrReentrant)
}

func TestConcurrentTransfersKeepPartition(t *testing.T) {
	l := newMem(t)
	ctx := context.Background()

	users := make([]common.Address, 8)
	for i := range users {
		users[i] = common.HexToAddress(fmt.Sprintf("0x%040x", 0x100+i))
		deposit(t, l, users[i], 0, 100)
	}

	stop := make(chan struct{})
	var sealer sync.WaitGroup
	sealer.Add(1)
	go func() {
		defer sealer.Done()
		for {
			select {
			case <-stop:
				return
			case <-time.After(2 * time.Millisecond):
				_, err := l.StartNewBlock(ctx)
				assert.NoError(t, err)
			}
		}
	}()

	var wg sync.WaitGroup
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := users[i]
			to := users[(i+1)%len(users)]
			base := uint64(i) * 100
			for k := uint64(0); k < 10; k++ {
				for {
					tr := transfer(from, to, 0, base+k*10, base+k*10+10, l.CurrentBlock())
					err := l.AddTransaction(ctx, mkTx(tr))
					if errors.Is(err, ErrWrongBlock) {
						continue
					}
					assert.NoError(t, err)
					break
				}
			}
		}(i)
	}
	wg.Wait()
	close(stop)
	sealer.Wait()

	checkPartition(t, l, 0)
	for i := range users {
		next := users[(i+1)%len(users)]
		base := uint64(i) * 100
		assert.Equal(t, []span{{0, base, base + 100}}, owned(t, l, next))
	}
	assert.Equal(t, 0, l.locks.Held())
}
