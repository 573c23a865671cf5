package sumtree

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/holiman/uint256"
	"github.com/puzpuzpuz/xsync/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/plasmachain/operator/models"
)

var (
	ErrBuildInProgress = errors.New("sum tree build already running for block")
	ErrBlockNotBuilt   = errors.New("no sum tree for block")
	ErrLeafOutOfRange  = errors.New("leaf index beyond block leaf count")
	ErrNodeNotFound    = errors.New("sum tree node not found")
	ErrDuplicateLeaf   = errors.New("two transactions in block share a first coin")
	ErrSumOverflow     = errors.New("node sum does not fit in 128 bits")
)

// Node is one vertex of a block's merkle sum tree.
type Node struct {
	Hash common.Hash
	Sum  *uint256.Int
}

// EmptyNode pads the odd tail of a level.
func EmptyNode() Node {
	return Node{Sum: new(uint256.Int)}
}

// Root describes a built block.
type Root struct {
	Block  uint64
	Hash   common.Hash
	Sum    *uint256.Int
	Height uint8
	Leaves uint32
}

// Branch is the inclusion proof of one leaf: its siblings from the leaf
// level up to just below the root.
type Branch struct {
	Block     uint64
	LeafIndex uint32
	Leaf      Node
	Siblings  []Node
}

// Source replays a sealed block's transactions into cb.
type Source func(cb func(*models.Transaction) error) error

type Config struct {
	// BatchSize is the number of writes buffered before a batch is committed.
	BatchSize int

	// MetaCacheSize is the number of block roots kept in memory.
	MetaCacheSize int
}

func DefaultConfig() *Config {
	return &Config{
		BatchSize:     1000,
		MetaCacheSize: 4096,
	}
}

type Tree struct {
	db  *pebble.DB
	cfg *Config

	building *xsync.MapOf[uint64, struct{}]
	roots    *lru.Cache[uint64, *Root]

	log *slog.Logger
}

func New(db *pebble.DB, cfg *Config) (*Tree, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	roots, err := lru.New[uint64, *Root](cfg.MetaCacheSize)
	if err != nil {
		return nil, fmt.Errorf("root cache: %w", err)
	}
	return &Tree{
		db:       db,
		cfg:      cfg,
		building: xsync.NewMapOf[uint64, struct{}](),
		roots:    roots,
		log:      slog.Default().With("system", "sumtree"),
	}, nil
}

// BuildBlock constructs and persists the sum tree of a sealed block. A block
// that already has a root is returned as is; leftovers of an interrupted
// build are discarded first.
func (t *Tree) BuildBlock(ctx context.Context, block uint64, source Source) (*Root, error) {
	ctx, span := otel.Tracer("sumtree").Start(ctx, "BuildBlock",
		trace.WithAttributes(attribute.Int64("block", int64(block))))
	defer span.End()

	if _, loaded := t.building.LoadOrStore(block, struct{}{}); loaded {
		return nil, ErrBuildInProgress
	}
	defer t.building.Delete(block)

	existing, err := t.Root(block)
	if err == nil {
		t.log.Warn("sum tree already built", "block", block, "root", existing.Hash)
		return existing, nil
	}
	if !errors.Is(err, ErrBlockNotBuilt) {
		return nil, err
	}

	start := time.Now()
	if err := t.clearBlock(block); err != nil {
		return nil, err
	}

	leaves, err := t.stage(ctx, block, source)
	if err != nil {
		return nil, fmt.Errorf("staging block %d: %w", block, err)
	}

	empty := EmptyNode()
	root := &Root{
		Block:  block,
		Hash:   empty.Hash,
		Sum:    empty.Sum,
		Leaves: leaves,
	}
	if leaves > 0 {
		if err := t.buildLeaves(ctx, block); err != nil {
			return nil, fmt.Errorf("leaf pass for block %d: %w", block, err)
		}
		top, height, err := t.buildLevels(ctx, block, leaves)
		if err != nil {
			return nil, fmt.Errorf("level pass for block %d: %w", block, err)
		}
		root.Hash = top.Hash
		root.Sum = top.Sum
		root.Height = height
	}

	val, err := root.encode()
	if err != nil {
		return nil, err
	}
	if err := t.db.Set(makeMetaKey(block), val, pebble.Sync); err != nil {
		return nil, fmt.Errorf("persisting root of block %d: %w", block, err)
	}
	t.roots.Add(block, root)

	buildDuration.Observe(time.Since(start).Seconds())
	leavesBuilt.Add(float64(leaves))
	span.SetAttributes(attribute.Int("leaves", int(leaves)), attribute.Int("height", int(root.Height)))
	t.log.Info("built sum tree", "block", block, "leaves", leaves, "height", root.Height, "root", root.Hash, "took", time.Since(start))
	return root, nil
}

func (t *Tree) clearBlock(block uint64) error {
	for _, prefix := range [][]byte{stagedPrefix(block), nodeBlockPrefix(block)} {
		lower, upper := prefixBounds(prefix)
		if err := t.db.DeleteRange(lower, upper, pebble.Sync); err != nil {
			return fmt.Errorf("clearing partial build of block %d: %w", block, err)
		}
	}
	return nil
}

// stage writes every transaction under its first coin so pebble hands them
// back in coin order.
func (t *Tree) stage(ctx context.Context, block uint64, source Source) (uint32, error) {
	bw := newBatchWriter(ctx, t.db, t.cfg.BatchSize)
	defer bw.close()

	var count uint32
	err := source(func(tx *models.Transaction) error {
		if len(tx.Transfers) == 0 {
			return models.ErrNoTransfers
		}
		if count == math.MaxUint32 {
			return fmt.Errorf("block has more than %d transactions", uint32(math.MaxUint32))
		}
		coin := tx.FirstCoin()
		key := makeStagedKey(block, coin)
		dup, err := bw.has(key)
		if err != nil {
			return err
		}
		if dup {
			return fmt.Errorf("%w: %s", ErrDuplicateLeaf, coin)
		}
		blob, err := tx.MarshalBinary()
		if err != nil {
			return err
		}
		val := make([]byte, 4+len(blob))
		copy(val[4:], blob)
		if err := bw.set(key, val); err != nil {
			return err
		}
		count++
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, bw.flush()
}

type stagedLeaf struct {
	key   []byte
	coin  models.CoinID
	start *uint256.Int
	hash  common.Hash
	body  []byte
}

// buildLeaves streams the staged transactions in coin order. Each leaf sums
// the coins from its own start up to the next leaf's start. The first leaf
// starts at zero and the last one runs to MaxCoinID.
func (t *Tree) buildLeaves(ctx context.Context, block uint64) error {
	lower, upper := prefixBounds(stagedPrefix(block))
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return fmt.Errorf("staged iter start, %w", err)
	}
	defer iter.Close()

	bw := newBatchWriter(ctx, t.db, t.cfg.BatchSize)
	defer bw.close()

	var index uint32
	emit := func(leaf *stagedLeaf, next *uint256.Int) error {
		sum, underflow := new(uint256.Int).SubOverflow(next, leaf.start)
		if underflow {
			return fmt.Errorf("leaf %d starts after its successor", index)
		}
		val := make([]byte, leafNodeSize)
		copy(val, leaf.hash[:])
		if err := putSum(val[common.HashLength:], sum); err != nil {
			return err
		}
		copy(val[nodeSize:], leaf.coin[:])
		if err := bw.set(makeNodeKey(block, 0, index), val); err != nil {
			return err
		}

		staged := make([]byte, 4+len(leaf.body))
		binary.BigEndian.PutUint32(staged, index)
		copy(staged[4:], leaf.body)
		if err := bw.set(leaf.key, staged); err != nil {
			return err
		}
		index++
		return nil
	}

	var prev *stagedLeaf
	for iter.First(); iter.Valid(); iter.Next() {
		key := bytes.Clone(iter.Key())
		_, coin := parseStagedKey(key)
		val, err := iter.ValueAndErr()
		if err != nil {
			return fmt.Errorf("staged iter, %w", err)
		}
		var tx models.Transaction
		if err := tx.UnmarshalBinary(val[4:]); err != nil {
			return fmt.Errorf("staged tx at %s: %w", coin, err)
		}
		hash, err := tx.Hash()
		if err != nil {
			return err
		}

		start := coin.Int()
		if prev == nil {
			start = new(uint256.Int)
		} else if err := emit(prev, start); err != nil {
			return err
		}
		prev = &stagedLeaf{
			key:   key,
			coin:  coin,
			start: start,
			hash:  hash,
			body:  bytes.Clone(val[4:]),
		}
	}
	if err := iter.Error(); err != nil {
		return fmt.Errorf("staged iter, %w", err)
	}
	if prev != nil {
		if err := emit(prev, models.MaxCoinID.Int()); err != nil {
			return err
		}
	}
	return bw.flush()
}

// buildLevels folds the persisted levels pairwise until one node is left.
func (t *Tree) buildLevels(ctx context.Context, block uint64, leaves uint32) (Node, uint8, error) {
	count := leaves
	var level uint8
	for count > 1 {
		next, err := t.buildLevel(ctx, block, level)
		if err != nil {
			return Node{}, 0, err
		}
		count = next
		level++
	}
	top, err := t.GetNode(block, level, 0)
	if err != nil {
		return Node{}, 0, err
	}
	return top, level, nil
}

func (t *Tree) buildLevel(ctx context.Context, block uint64, level uint8) (uint32, error) {
	lower, upper := prefixBounds(nodeLevelPrefix(block, level))
	iter, err := t.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upper,
	})
	if err != nil {
		return 0, fmt.Errorf("level iter start, %w", err)
	}
	defer iter.Close()

	bw := newBatchWriter(ctx, t.db, t.cfg.BatchSize)
	defer bw.close()

	var parents uint32
	write := func(left, right Node) error {
		parent, err := hashPair(left, right)
		if err != nil {
			return err
		}
		val, err := parent.encode()
		if err != nil {
			return err
		}
		if err := bw.set(makeNodeKey(block, level+1, parents), val); err != nil {
			return err
		}
		parents++
		return nil
	}

	var left *Node
	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return 0, fmt.Errorf("level iter, %w", err)
		}
		n, err := decodeNode(val)
		if err != nil {
			return 0, err
		}
		if left == nil {
			left = &n
			continue
		}
		if err := write(*left, n); err != nil {
			return 0, err
		}
		left = nil
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("level iter, %w", err)
	}
	if left != nil {
		if err := write(*left, EmptyNode()); err != nil {
			return 0, err
		}
	}
	return parents, bw.flush()
}

// hashPair computes keccak256(l.hash ‖ l.sum ‖ r.hash ‖ r.sum) with sums as
// 16 byte big-endian values.
func hashPair(l, r Node) (Node, error) {
	sum, overflow := new(uint256.Int).AddOverflow(l.Sum, r.Sum)
	if overflow || sum.BitLen() > 8*sumSize {
		return Node{}, ErrSumOverflow
	}
	var buf [2 * nodeSize]byte
	copy(buf[:], l.Hash[:])
	if err := putSum(buf[common.HashLength:], l.Sum); err != nil {
		return Node{}, err
	}
	copy(buf[nodeSize:], r.Hash[:])
	if err := putSum(buf[nodeSize+common.HashLength:], r.Sum); err != nil {
		return Node{}, err
	}
	return Node{Hash: crypto.Keccak256Hash(buf[:]), Sum: sum}, nil
}

// Root returns the root of a built block.
func (t *Tree) Root(block uint64) (*Root, error) {
	if r, ok := t.roots.Get(block); ok {
		return r, nil
	}
	val, closer, err := t.db.Get(makeMetaKey(block))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrBlockNotBuilt
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get err, %w", err)
	}
	defer closer.Close()
	r, err := decodeRoot(block, val)
	if err != nil {
		return nil, err
	}
	t.roots.Add(block, r)
	return r, nil
}

// MarkSubmitted records that the root of a built block reached the parent
// chain.
func (t *Tree) MarkSubmitted(block uint64) error {
	root, err := t.Root(block)
	if err != nil {
		return err
	}
	if err := t.db.Set(makeSubmittedKey(block), root.Hash[:], pebble.Sync); err != nil {
		return fmt.Errorf("marking block %d submitted: %w", block, err)
	}
	return nil
}

// Submitted reports whether MarkSubmitted was called for block.
func (t *Tree) Submitted(block uint64) (bool, error) {
	_, closer, err := t.db.Get(makeSubmittedKey(block))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get err, %w", err)
	}
	closer.Close()
	return true, nil
}

func (t *Tree) GetNode(block uint64, level uint8, index uint32) (Node, error) {
	val, closer, err := t.db.Get(makeNodeKey(block, level, index))
	if errors.Is(err, pebble.ErrNotFound) {
		return Node{}, ErrNodeNotFound
	}
	if err != nil {
		return Node{}, fmt.Errorf("pebble get err, %w", err)
	}
	defer closer.Close()
	return decodeNode(val)
}

// GetBranch collects the sibling of the leaf's path at every level below
// the root. Missing siblings are empty nodes.
func (t *Tree) GetBranch(block uint64, leafIndex uint32) (*Branch, error) {
	root, err := t.Root(block)
	if err != nil {
		return nil, err
	}
	if leafIndex >= root.Leaves {
		return nil, ErrLeafOutOfRange
	}
	leaf, err := t.GetNode(block, 0, leafIndex)
	if err != nil {
		return nil, err
	}

	br := &Branch{
		Block:     block,
		LeafIndex: leafIndex,
		Leaf:      leaf,
		Siblings:  make([]Node, 0, root.Height),
	}
	idx := leafIndex
	for level := uint8(0); level < root.Height; level++ {
		sib, err := t.GetNode(block, level, idx^1)
		if errors.Is(err, ErrNodeNotFound) {
			sib = EmptyNode()
		} else if err != nil {
			return nil, err
		}
		br.Siblings = append(br.Siblings, sib)
		idx >>= 1
	}
	return br, nil
}

// VerifyBranch recomputes the root from leaf and the siblings in br. It
// also returns the coin interval [start, end) the leaf accounts for, which
// is the sum of everything to its left plus its own sum.
func VerifyBranch(leaf Node, br *Branch) (common.Hash, *uint256.Int, *uint256.Int, error) {
	cur := leaf
	start := new(uint256.Int)
	idx := br.LeafIndex
	for _, sib := range br.Siblings {
		var err error
		if idx&1 == 0 {
			cur, err = hashPair(cur, sib)
		} else {
			if _, overflow := start.AddOverflow(start, sib.Sum); overflow {
				return common.Hash{}, nil, nil, ErrSumOverflow
			}
			cur, err = hashPair(sib, cur)
		}
		if err != nil {
			return common.Hash{}, nil, nil, err
		}
		idx >>= 1
	}
	end, overflow := new(uint256.Int).AddOverflow(start, leaf.Sum)
	if overflow {
		return common.Hash{}, nil, nil, ErrSumOverflow
	}
	return cur.Hash, start, end, nil
}

// LeafTransaction returns the transaction hashed into a leaf.
func (t *Tree) LeafTransaction(block uint64, leafIndex uint32) (*models.Transaction, error) {
	val, closer, err := t.db.Get(makeNodeKey(block, 0, leafIndex))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, ErrLeafOutOfRange
	}
	if err != nil {
		return nil, fmt.Errorf("pebble get err, %w", err)
	}
	if len(val) != leafNodeSize {
		closer.Close()
		return nil, fmt.Errorf("leaf %d of block %d has %d bytes", leafIndex, block, len(val))
	}
	var coin models.CoinID
	copy(coin[:], val[nodeSize:])
	closer.Close()

	staged, closer, err := t.db.Get(makeStagedKey(block, coin))
	if err != nil {
		return nil, fmt.Errorf("staged tx for leaf %d: %w", leafIndex, err)
	}
	defer closer.Close()
	var tx models.Transaction
	if err := tx.UnmarshalBinary(staged[4:]); err != nil {
		return nil, err
	}
	return &tx, nil
}

// batchWriter commits its batch every limit writes.
type batchWriter struct {
	ctx   context.Context
	db    *pebble.DB
	batch *pebble.Batch
	n     int
	limit int
}

func newBatchWriter(ctx context.Context, db *pebble.DB, limit int) *batchWriter {
	return &batchWriter{
		ctx:   ctx,
		db:    db,
		batch: db.NewIndexedBatch(),
		limit: limit,
	}
}

// has reports whether key exists in the batch or the database.
func (bw *batchWriter) has(key []byte) (bool, error) {
	_, closer, err := bw.batch.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble get err, %w", err)
	}
	closer.Close()
	return true, nil
}

func (bw *batchWriter) set(key, val []byte) error {
	if err := bw.batch.Set(key, val, nil); err != nil {
		return fmt.Errorf("pebble set err, %w", err)
	}
	bw.n++
	if bw.n >= bw.limit {
		return bw.flush()
	}
	return nil
}

func (bw *batchWriter) flush() error {
	if err := bw.ctx.Err(); err != nil {
		return err
	}
	if bw.n == 0 {
		return nil
	}
	if err := bw.batch.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("pebble batch commit err, %w", err)
	}
	bw.batch.Close()
	bw.batch = bw.db.NewIndexedBatch()
	bw.n = 0
	return nil
}

func (bw *batchWriter) close() {
	bw.batch.Close()
}
