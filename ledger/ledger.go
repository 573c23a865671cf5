package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/plasmachain/operator/lockmgr"
	"github.com/plasmachain/operator/models"
	"github.com/plasmachain/operator/rangeindex"
	"github.com/plasmachain/operator/txlog"
)

type Config struct {
	// LogDir holds the per-block transaction logs.
	LogDir string

	// LockJitter bounds the random delay between lock acquisition attempts.
	LockJitter time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		LogDir:     "data/txlog",
		LockJitter: lockmgr.DefaultMaxJitter,
	}
}

// Ledger tracks which address owns which coin range and accepts deposits
// and transfers against the current block.
type Ledger struct {
	db    *pebble.DB
	locks *lockmgr.LockTable
	txlog *txlog.Log
	cfg   *Config

	blockNumber atomic.Uint64

	log *slog.Logger
}

func New(db *pebble.DB, cfg *Config) *Ledger {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	locks := lockmgr.NewLockTable()
	locks.MaxJitter = cfg.LockJitter
	return &Ledger{
		db:    db,
		locks: locks,
		cfg:   cfg,
		log:   slog.Default().With("system", "ledger"),
	}
}

// Init loads the persisted block number, storing 0 if there is none, and
// opens the transaction log for the current block. A seal interrupted
// between its log rename and its block number write is completed first.
func (l *Ledger) Init(ctx context.Context) error {
	block, found, err := rangeindex.BlockNumber(l.db)
	if err != nil {
		return err
	}
	repaired, err := txlog.Repair(l.cfg.LogDir, block)
	if err != nil {
		return fmt.Errorf("repairing transaction log: %w", err)
	}
	if !found || repaired != block {
		if repaired != block {
			l.log.Warn("advancing block number past sealed log", "persisted", block, "current", repaired)
		}
		block = repaired
		if err := rangeindex.SetBlockNumber(l.db, block, pebble.Sync); err != nil {
			return fmt.Errorf("persisting block number: %w", err)
		}
	}
	l.blockNumber.Store(block)
	currentBlockGauge.Set(float64(block))

	tl, err := txlog.Open(l.cfg.LogDir)
	if err != nil {
		return fmt.Errorf("opening transaction log: %w", err)
	}
	l.txlog = tl
	l.log.Info("ledger initialized", "block", block, "logDir", l.cfg.LogDir)
	return nil
}

func (l *Ledger) Close() error {
	if l.txlog == nil {
		return nil
	}
	return l.txlog.Close()
}

func (l *Ledger) CurrentBlock() uint64 {
	return l.blockNumber.Load()
}

// TxLog is the log sealed blocks are read back from.
func (l *Ledger) TxLog() *txlog.Log {
	return l.txlog
}

func (l *Ledger) TotalDeposits(typ uint32) (*uint256.Int, error) {
	return rangeindex.TotalDeposits(l.db, typ)
}

func (l *Ledger) Ranges(typ uint32) ([]models.TransferRecord, error) {
	return rangeindex.Ranges(l.db, typ)
}

// AddDeposit allocates the next amount positions of typ to recipient.
func (l *Ledger) AddDeposit(ctx context.Context, recipient common.Address, typ uint32, amount *uint256.Int) (*models.TransferRecord, error) {
	if l.txlog == nil {
		return nil, ErrNotInitialized
	}
	if amount == nil || amount.IsZero() {
		return nil, reject(0, ErrInvalidDeposit, "zero amount")
	}

	guard, err := l.locks.Acquire(ctx, lockmgr.Type(typ))
	if err != nil {
		return nil, err
	}
	defer guard.Release()

	old, err := rangeindex.TotalDeposits(l.db, typ)
	if err != nil {
		return nil, err
	}
	newTotal, overflow := new(uint256.Int).AddOverflow(old, amount)
	if overflow || newTotal.Gt(models.MaxPosition) {
		return nil, reject(0, ErrInvalidDeposit, "deposit exceeds position space")
	}

	rec := &models.TransferRecord{
		Sender:    models.ZeroAddress,
		Recipient: recipient,
		Type:      typ,
		Start:     old,
		End:       newTotal,
		Block:     l.blockNumber.Load(),
	}

	batch := l.db.NewBatch()
	defer batch.Close()
	if err := rangeindex.PutRange(batch, rec); err != nil {
		return nil, err
	}
	if err := rangeindex.SetTotalDeposits(batch, typ, newTotal); err != nil {
		return nil, err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return nil, fmt.Errorf("committing deposit: %w", err)
	}

	depositsCounter.WithLabelValues(strconv.FormatUint(uint64(typ), 10)).Inc()
	l.log.Debug("deposit", "recipient", recipient, "type", typ, "start", old.Dec(), "end", newTotal.Dec(), "block", rec.Block)
	return rec, nil
}

// AddTransaction applies every transfer of tx atomically or none of them.
// A declined transaction returns a *ValidationError; any other error is a
// storage failure.
func (l *Ledger) AddTransaction(ctx context.Context, tx *models.Transaction) (err error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, "AddTransaction")
	defer span.End()
	start := time.Now()
	defer func() {
		addTransactionDuration.Observe(time.Since(start).Seconds())
		var ve *ValidationError
		if errors.As(err, &ve) {
			txRejectedCounter.WithLabelValues(reasonLabel(ve)).Inc()
			span.SetAttributes(attribute.String("reject", reasonLabel(ve)))
		} else if err == nil {
			txAcceptedCounter.Inc()
		}
	}()

	if l.txlog == nil {
		return ErrNotInitialized
	}
	if err := l.checkTransaction(tx, l.blockNumber.Load()); err != nil {
		return err
	}

	guard, err := l.locks.Acquire(ctx, senderLocks(tx)...)
	if err != nil {
		return err
	}
	defer guard.Release()

	// a seal may have completed while we waited for the locks
	cur := l.blockNumber.Load()
	for i := range tx.Transfers {
		if tx.Transfers[i].Block != cur {
			return reject(i, ErrWrongBlock, fmt.Sprintf("declared %d current %d", tx.Transfers[i].Block, cur))
		}
	}

	batch := l.db.NewIndexedBatch()
	defer batch.Close()
	for i := range tx.Transfers {
		if err := l.applyTransfer(batch, i, &tx.Transfers[i], cur); err != nil {
			return err
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	if err := l.txlog.Append(tx); err != nil {
		return fmt.Errorf("appending to transaction log: %w", err)
	}
	return nil
}

// checkTransaction runs the checks that need no storage access.
func (l *Ledger) checkTransaction(tx *models.Transaction, cur uint64) error {
	if tx == nil || len(tx.Transfers) == 0 || len(tx.Transfers) > models.MaxTransfers {
		return reject(0, ErrMalformedTx, "transfer count")
	}
	if len(tx.Signatures) != len(tx.Transfers) {
		return reject(0, ErrMalformedTx, "signature count")
	}
	for i := range tx.Transfers {
		tr := &tx.Transfers[i]
		if err := tr.CheckRange(); err != nil {
			return reject(i, ErrInvalidRange, err.Error())
		}
		if tr.Block != cur {
			return reject(i, ErrWrongBlock, fmt.Sprintf("declared %d current %d", tr.Block, cur))
		}
		for j := 0; j < i; j++ {
			if tr.Overlaps(&tx.Transfers[j]) {
				return reject(i, ErrOverlap, fmt.Sprintf("overlaps transfer %d", j))
			}
		}
	}
	return nil
}

// senderLocks returns one lock per distinct sender, in address order.
func senderLocks(tx *models.Transaction) []lockmgr.ResourceID {
	senders := make([]common.Address, 0, len(tx.Transfers))
	seen := make(map[common.Address]bool)
	for i := range tx.Transfers {
		s := tx.Transfers[i].Sender
		if seen[s] {
			continue
		}
		seen[s] = true
		senders = append(senders, s)
	}
	sort.Slice(senders, func(i, j int) bool {
		return bytes.Compare(senders[i][:], senders[j][:]) < 0
	})
	ids := make([]lockmgr.ResourceID, len(senders))
	for i, s := range senders {
		ids[i] = lockmgr.Address(s)
	}
	return ids
}

// applyTransfer validates tr against the state visible through batch and
// stages the range split into batch.
func (l *Ledger) applyTransfer(batch *pebble.Batch, idx int, tr *models.TransferRecord, cur uint64) error {
	affected, err := rangeindex.AffectedRanges(batch, tr.Type, tr.Start, tr.End)
	if err != nil {
		if errors.Is(err, rangeindex.ErrUnfunded) {
			return reject(idx, ErrUnfunded, tr.String())
		}
		return err
	}

	for i := range affected {
		a := &affected[i]
		if a.Recipient != tr.Sender {
			return reject(idx, ErrNotOwner, fmt.Sprintf("[%s,%s) owned by %s", a.Start.Dec(), a.End.Dec(), a.Recipient.Hex()))
		}
		// deposits are not spends, so a fresh deposit may move in its own block
		if a.Block == cur && !a.IsDeposit() {
			return reject(idx, ErrAlreadySpent, fmt.Sprintf("[%s,%s)", a.Start.Dec(), a.End.Dec()))
		}
	}

	for i := range affected {
		if err := rangeindex.DeleteRange(batch, &affected[i]); err != nil {
			return err
		}
	}

	first := &affected[0]
	if first.Start.Lt(tr.Start) {
		left := first.WithRange(first.Start, tr.Start)
		if err := rangeindex.PutRange(batch, &left); err != nil {
			return err
		}
	}
	last := &affected[len(affected)-1]
	if last.End.Gt(tr.End) {
		right := last.WithRange(tr.End, last.End)
		if err := rangeindex.PutRange(batch, &right); err != nil {
			return err
		}
	}

	next := tr.WithRange(tr.Start, tr.End)
	next.Block = cur
	return rangeindex.PutRange(batch, &next)
}

// StartNewBlock waits for every in-flight operation to finish, bumps the
// block number and seals the transaction log under the previous number.
// It returns the new current block.
func (l *Ledger) StartNewBlock(ctx context.Context) (uint64, error) {
	ctx, span := otel.Tracer("ledger").Start(ctx, "StartNewBlock")
	defer span.End()
	start := time.Now()

	if l.txlog == nil {
		return 0, ErrNotInitialized
	}
	guard, err := l.locks.AcquireGlobal(ctx)
	if err != nil {
		if errors.Is(err, lockmgr.ErrGlobalHeld) {
			return 0, ErrReentrant
		}
		return 0, err
	}
	defer guard.Release()

	// the sealed log is the commit point; Init finishes the number write
	sealed := l.blockNumber.Load()
	next := sealed + 1
	if _, err := l.txlog.Rotate(sealed); err != nil {
		return 0, fmt.Errorf("sealing log for block %d: %w", sealed, err)
	}
	l.blockNumber.Store(next)
	if err := rangeindex.SetBlockNumber(l.db, next, pebble.Sync); err != nil {
		return 0, fmt.Errorf("persisting block number: %w", err)
	}

	currentBlockGauge.Set(float64(next))
	sealDuration.Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Int64("sealed", int64(sealed)))
	l.log.Info("started new block", "sealed", sealed, "current", next)
	return next, nil
}

// GetOwnedRanges lists the ranges addr currently owns.
func (l *Ledger) GetOwnedRanges(ctx context.Context, addr common.Address) ([]rangeindex.OwnedRange, error) {
	guard, err := l.locks.Acquire(ctx, lockmgr.Address(addr))
	if err != nil {
		return nil, err
	}
	defer guard.Release()
	return rangeindex.OwnedRanges(l.db, addr)
}
