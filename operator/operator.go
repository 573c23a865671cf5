package operator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/plasmachain/operator/ledger"
	"github.com/plasmachain/operator/models"
	"github.com/plasmachain/operator/sumtree"
)

var ErrSubmitFailed = errors.New("block root submission failed")

// BlockSubmitter posts a block root to the parent chain.
type BlockSubmitter interface {
	SubmitBlock(ctx context.Context, block uint64, root common.Hash) error
}

// LogSubmitter only logs roots. It stands in when no chain client is wired.
type LogSubmitter struct {
	log *slog.Logger
}

func NewLogSubmitter() *LogSubmitter {
	return &LogSubmitter{log: slog.Default().With("system", "submitter")}
}

func (ls *LogSubmitter) SubmitBlock(ctx context.Context, block uint64, root common.Hash) error {
	ls.log.Info("block root ready", "block", block, "root", root)
	return nil
}

// DepositEvent is a finalized deposit observed on the parent chain.
type DepositEvent struct {
	Recipient common.Address
	Type      uint32
	Amount    *uint256.Int
}

type Config struct {
	// BlockInterval is how often Run seals the current block.
	BlockInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		BlockInterval: 15 * time.Second,
	}
}

// Operator drives the ledger and the sum tree: it feeds deposits in, seals
// blocks on a schedule and hands every new root to the submitter.
type Operator struct {
	ledger    *ledger.Ledger
	tree      *sumtree.Tree
	submitter BlockSubmitter
	cfg       *Config

	// serializes seal, build and submit so roots go out in block order
	sealLk sync.Mutex
	// oldest block whose root may not have been submitted
	pendingFrom uint64

	log *slog.Logger
}

func New(l *ledger.Ledger, tree *sumtree.Tree, submitter BlockSubmitter, cfg *Config) *Operator {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if submitter == nil {
		submitter = NewLogSubmitter()
	}
	return &Operator{
		ledger:    l,
		tree:      tree,
		submitter: submitter,
		cfg:       cfg,
		log:       slog.Default().With("system", "operator"),
	}
}

func (o *Operator) Ledger() *ledger.Ledger {
	return o.ledger
}

func (o *Operator) Tree() *sumtree.Tree {
	return o.tree
}

// HandleDeposit credits one confirmed deposit.
func (o *Operator) HandleDeposit(ctx context.Context, ev DepositEvent) (*models.TransferRecord, error) {
	rec, err := o.ledger.AddDeposit(ctx, ev.Recipient, ev.Type, ev.Amount)
	if err != nil {
		depositsHandled.WithLabelValues("error").Inc()
		return nil, err
	}
	depositsHandled.WithLabelValues("ok").Inc()
	return rec, nil
}

// SubmitTransaction admits a signature-checked transaction into the current
// block.
func (o *Operator) SubmitTransaction(ctx context.Context, tx *models.Transaction) error {
	return o.ledger.AddTransaction(ctx, tx)
}

// SealBlock closes the current block, builds its sum tree from the sealed
// log and submits the root, after any earlier roots that did not get
// through. The tree is only built once the seal returned, so it sees
// exactly the transactions of that block.
func (o *Operator) SealBlock(ctx context.Context) (*sumtree.Root, error) {
	ctx, span := otel.Tracer("operator").Start(ctx, "SealBlock")
	defer span.End()

	o.sealLk.Lock()
	defer o.sealLk.Unlock()

	next, err := o.ledger.StartNewBlock(ctx)
	if err != nil {
		return nil, err
	}
	sealed := next - 1
	span.SetAttributes(attribute.Int64("block", int64(sealed)))

	root, err := o.build(ctx, sealed)
	if err != nil {
		return nil, err
	}
	blocksSealed.Inc()
	if err := o.submitPending(ctx, next); err != nil {
		return nil, err
	}
	return root, nil
}

func (o *Operator) build(ctx context.Context, block uint64) (*sumtree.Root, error) {
	source := func(cb func(*models.Transaction) error) error {
		return o.ledger.TxLog().ReadBlock(block, cb)
	}
	root, err := o.tree.BuildBlock(ctx, block, source)
	if err != nil {
		return nil, fmt.Errorf("building sum tree for block %d: %w", block, err)
	}
	return root, nil
}

// submitPending submits the roots of built blocks before upTo that were
// never marked submitted, oldest first, stopping at the first failure so
// roots reach the parent chain in block order.
func (o *Operator) submitPending(ctx context.Context, upTo uint64) error {
	for ; o.pendingFrom < upTo; o.pendingFrom++ {
		block := o.pendingFrom
		done, err := o.tree.Submitted(block)
		if err != nil {
			return err
		}
		if done {
			continue
		}
		root, err := o.tree.Root(block)
		if err != nil {
			return err
		}
		if err := o.submitter.SubmitBlock(ctx, block, root.Hash); err != nil {
			submitFailures.Inc()
			return fmt.Errorf("%w: block %d: %w", ErrSubmitFailed, block, err)
		}
		if err := o.tree.MarkSubmitted(block); err != nil {
			return err
		}
	}
	return nil
}

// Recover builds the sum trees of sealed blocks whose build was interrupted
// and submits every root that never reached the parent chain, oldest first.
// A submission failure is left for the next seal to retry.
func (o *Operator) Recover(ctx context.Context) error {
	o.sealLk.Lock()
	defer o.sealLk.Unlock()

	cur := o.ledger.CurrentBlock()

	// walk back to the newest submitted block
	first := cur
	for first > 0 {
		done, err := o.tree.Submitted(first - 1)
		if err != nil {
			return err
		}
		if done {
			break
		}
		first--
	}

	for block := first; block < cur; block++ {
		_, err := o.tree.Root(block)
		if err == nil {
			continue
		}
		if !errors.Is(err, sumtree.ErrBlockNotBuilt) {
			return err
		}
		o.log.Warn("building root of sealed block", "block", block)
		if _, err := o.build(ctx, block); err != nil {
			return err
		}
	}

	o.pendingFrom = first
	if err := o.submitPending(ctx, cur); err != nil {
		if errors.Is(err, ErrSubmitFailed) {
			o.log.Warn("deferring root submission", "block", o.pendingFrom, "err", err)
			return nil
		}
		return err
	}
	return nil
}

// Run seals a block every BlockInterval and credits deposits from the feed
// until ctx is done. Storage and reentrancy failures stop it.
func (o *Operator) Run(ctx context.Context, deposits <-chan DepositEvent) error {
	if err := o.Recover(ctx); err != nil {
		return fmt.Errorf("recovering unbuilt blocks: %w", err)
	}

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		t := time.NewTicker(o.cfg.BlockInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-t.C:
			}
			root, err := o.SealBlock(ctx)
			switch {
			case errors.Is(err, ErrSubmitFailed):
				o.log.Error("failed to submit block root", "err", err)
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("sealing block: %w", err)
			default:
				o.log.Info("sealed block", "block", root.Block, "root", root.Hash, "leaves", root.Leaves)
			}
		}
	})

	eg.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-deposits:
				if !ok {
					return nil
				}
				rec, err := o.HandleDeposit(ctx, ev)
				if err != nil {
					if ledger.IsValidation(err) {
						o.log.Warn("dropping invalid deposit", "recipient", ev.Recipient, "type", ev.Type, "err", err)
						continue
					}
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("crediting deposit: %w", err)
				}
				o.log.Info("credited deposit", "recipient", rec.Recipient, "type", rec.Type, "start", rec.Start.Dec(), "end", rec.End.Dec())
			}
		}
	})

	return eg.Wait()
}
