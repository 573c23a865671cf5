package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/plasmachain/operator/models"
	"github.com/plasmachain/operator/rangeindex"
	"github.com/plasmachain/operator/sumtree"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/urfave/cli/v2"
)

// pebble takes the directory lock even for read-only opens
const offlineDescription = "Reads the data directory directly. Stop serve first: a running daemon holds the database lock."

var inspectCommands = []*cli.Command{
	&cli.Command{
		Name:        "owned",
		Description: offlineDescription,
		Usage:       "print the coin ranges an address owns",
		ArgsUsage:   "--address <hex>",
		Action:      runOwned,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "address",
				Usage:    "owner address",
				Required: true,
			},
		},
	},
	&cli.Command{
		Name:        "ranges",
		Description: offlineDescription,
		Usage:       "dump the range index of one token type",
		Action:      runRanges,
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "type",
				Usage: "token type",
			},
		},
	},
	&cli.Command{
		Name:        "root",
		Description: offlineDescription,
		Usage:       "print the sum tree root of a sealed block",
		Action:      runRoot,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:     "block",
				Required: true,
			},
		},
	},
	&cli.Command{
		Name:        "branch",
		Description: offlineDescription,
		Usage:       "print the inclusion proof of one leaf",
		Action:      runBranch,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:     "block",
				Required: true,
			},
			&cli.UintFlag{
				Name:     "leaf",
				Required: true,
			},
		},
	},
	&cli.Command{
		Name:        "history",
		Description: offlineDescription,
		Usage:       "prove which transactions touched a coin range across blocks",
		Action:      runHistory,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name: "from",
			},
			&cli.Uint64Flag{
				Name:     "to",
				Required: true,
			},
			&cli.UintFlag{
				Name: "type",
			},
			&cli.StringFlag{
				Name:     "start",
				Usage:    "first position, decimal",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "end",
				Usage:    "position after the last one, decimal",
				Required: true,
			},
		},
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

type nodeOut struct {
	Hash common.Hash `json:"hash"`
	Sum  string      `json:"sum"`
}

func toNodeOut(n sumtree.Node) nodeOut {
	return nodeOut{Hash: n.Hash, Sum: n.Sum.Dec()}
}

type branchOut struct {
	Block     uint64    `json:"block"`
	LeafIndex uint32    `json:"leafIndex"`
	Leaf      nodeOut   `json:"leaf"`
	Siblings  []nodeOut `json:"siblings"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	Root      string    `json:"root"`
}

func toBranchOut(br *sumtree.Branch) (*branchOut, error) {
	root, start, end, err := sumtree.VerifyBranch(br.Leaf, br)
	if err != nil {
		return nil, err
	}
	out := &branchOut{
		Block:     br.Block,
		LeafIndex: br.LeafIndex,
		Leaf:      toNodeOut(br.Leaf),
		Siblings:  make([]nodeOut, len(br.Siblings)),
		Start:     start.Dec(),
		End:       end.Dec(),
		Root:      root.Hex(),
	}
	for i, s := range br.Siblings {
		out.Siblings[i] = toNodeOut(s)
	}
	return out, nil
}

type transferOut struct {
	Sender    common.Address `json:"sender"`
	Recipient common.Address `json:"recipient"`
	Type      uint32         `json:"type"`
	Start     string         `json:"start"`
	End       string         `json:"end"`
	Block     uint64         `json:"block"`
}

func toTransferOut(tr *models.TransferRecord) transferOut {
	return transferOut{
		Sender:    tr.Sender,
		Recipient: tr.Recipient,
		Type:      tr.Type,
		Start:     tr.Start.Dec(),
		End:       tr.End.Dec(),
		Block:     tr.Block,
	}
}

func runOwned(cctx *cli.Context) error {
	addr := cctx.String("address")
	if !common.IsHexAddress(addr) {
		return fmt.Errorf("not a hex address: %q", addr)
	}
	db, err := openDB(cctx, true)
	if err != nil {
		return err
	}
	defer db.Close()

	owned, err := rangeindex.OwnedRanges(db, common.HexToAddress(addr))
	if err != nil {
		return err
	}
	return printJSON(owned)
}

func runRanges(cctx *cli.Context) error {
	db, err := openDB(cctx, true)
	if err != nil {
		return err
	}
	defer db.Close()

	typ := uint32(cctx.Uint("type"))
	ranges, err := rangeindex.Ranges(db, typ)
	if err != nil {
		return err
	}
	total, err := rangeindex.TotalDeposits(db, typ)
	if err != nil {
		return err
	}
	out := struct {
		Type          uint32        `json:"type"`
		TotalDeposits string        `json:"totalDeposits"`
		Ranges        []transferOut `json:"ranges"`
	}{Type: typ, TotalDeposits: total.Dec(), Ranges: []transferOut{}}
	for i := range ranges {
		out.Ranges = append(out.Ranges, toTransferOut(&ranges[i]))
	}
	return printJSON(out)
}

func openTree(cctx *cli.Context) (*sumtree.Tree, func(), error) {
	db, err := openDB(cctx, true)
	if err != nil {
		return nil, nil, err
	}
	tree, err := sumtree.New(db, nil)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return tree, func() { db.Close() }, nil
}

func runRoot(cctx *cli.Context) error {
	tree, done, err := openTree(cctx)
	if err != nil {
		return err
	}
	defer done()

	root, err := tree.Root(cctx.Uint64("block"))
	if err != nil {
		return err
	}
	return printJSON(struct {
		Block  uint64      `json:"block"`
		Root   common.Hash `json:"root"`
		Sum    string      `json:"sum"`
		Height uint8       `json:"height"`
		Leaves uint32      `json:"leaves"`
	}{root.Block, root.Hash, root.Sum.Dec(), root.Height, root.Leaves})
}

func runBranch(cctx *cli.Context) error {
	tree, done, err := openTree(cctx)
	if err != nil {
		return err
	}
	defer done()

	block := cctx.Uint64("block")
	leaf := uint32(cctx.Uint("leaf"))
	br, err := tree.GetBranch(block, leaf)
	if err != nil {
		return err
	}
	tx, err := tree.LeafTransaction(block, leaf)
	if err != nil {
		return err
	}
	out, err := toBranchOut(br)
	if err != nil {
		return err
	}
	transfers := make([]transferOut, len(tx.Transfers))
	for i := range tx.Transfers {
		transfers[i] = toTransferOut(&tx.Transfers[i])
	}
	return printJSON(struct {
		Transfers []transferOut `json:"transfers"`
		Branch    *branchOut    `json:"branch"`
	}{transfers, out})
}

func runHistory(cctx *cli.Context) error {
	start, err := uint256.FromDecimal(cctx.String("start"))
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	end, err := uint256.FromDecimal(cctx.String("end"))
	if err != nil {
		return fmt.Errorf("end: %w", err)
	}
	target := models.TransferRecord{
		Type:  uint32(cctx.Uint("type")),
		Start: start,
		End:   end,
	}

	tree, done, err := openTree(cctx)
	if err != nil {
		return err
	}
	defer done()

	hist, err := tree.GetTxHistory(cctx.Context, cctx.Uint64("from"), cctx.Uint64("to"), target)
	if err != nil {
		return err
	}

	type proofOut struct {
		Transfers []transferOut `json:"transfers"`
		Branch    *branchOut    `json:"branch"`
	}
	type blockOut struct {
		Block  uint64      `json:"block"`
		Root   common.Hash `json:"root"`
		Proofs []proofOut  `json:"proofs"`
	}
	out := []blockOut{}
	for _, bh := range hist {
		bo := blockOut{Block: bh.Block, Root: bh.Root, Proofs: []proofOut{}}
		for _, p := range bh.Proofs {
			br, err := toBranchOut(p.Branch)
			if err != nil {
				return err
			}
			po := proofOut{Branch: br}
			for i := range p.Tx.Transfers {
				po.Transfers = append(po.Transfers, toTransferOut(&p.Tx.Transfers[i]))
			}
			bo.Proofs = append(bo.Proofs, po)
		}
		out = append(out, bo)
	}
	return printJSON(out)
}
