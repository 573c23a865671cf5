package main

import (
	"errors"
	"fmt"

	"github.com/plasmachain/operator/sumtree"

	"github.com/urfave/cli/v2"
	"github.com/xlab/treeprint"
)

var cmdTree = &cli.Command{
	Name:        "tree",
	Usage:       "pretty-print the sum tree of a sealed block",
	Description: offlineDescription,
	Action:      runTree,
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:     "block",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "full-hash",
			Usage: "display full node hashes, not truncated",
		},
		&cli.UintFlag{
			Name:  "max-leaves",
			Usage: "refuse to print blocks with more leaves than this",
			Value: 256,
		},
	},
}

type treeOptions struct {
	fullHash bool
}

func runTree(cctx *cli.Context) error {
	tree, done, err := openTree(cctx)
	if err != nil {
		return err
	}
	defer done()

	block := cctx.Uint64("block")
	root, err := tree.Root(block)
	if err != nil {
		return err
	}
	if root.Leaves > uint32(cctx.Uint("max-leaves")) {
		return fmt.Errorf("block %d has %d leaves, raise --max-leaves to print it", block, root.Leaves)
	}
	opts := treeOptions{fullHash: cctx.Bool("full-hash")}

	top := sumtree.Node{Hash: root.Hash, Sum: root.Sum}
	out := treeprint.NewWithRoot(displayNode(top, opts))
	if root.Leaves > 1 {
		if err := walkSumTree(tree, block, root.Height, 0, out, opts); err != nil {
			return err
		}
	}
	fmt.Println(out.String())
	return nil
}

// walkSumTree adds the two children of (level, index) under out.
func walkSumTree(tree *sumtree.Tree, block uint64, level uint8, index uint32, out treeprint.Tree, opts treeOptions) error {
	if level == 0 {
		return nil
	}
	for _, child := range []uint32{2 * index, 2*index + 1} {
		n, err := tree.GetNode(block, level-1, child)
		if errors.Is(err, sumtree.ErrNodeNotFound) {
			out.AddNode("[empty]─◌")
			continue
		}
		if err != nil {
			return err
		}
		if level-1 == 0 {
			out.AddNode(fmt.Sprintf("leaf %d %s", child, displayNode(n, opts)))
			continue
		}
		sub := out.AddBranch(displayNode(n, opts))
		if err := walkSumTree(tree, block, level-1, child, sub, opts); err != nil {
			return err
		}
	}
	return nil
}

func displayNode(n sumtree.Node, opts treeOptions) string {
	h := n.Hash.Hex()
	if !opts.fullHash {
		h = "…" + h[len(h)-7:]
	}
	return "[" + h + " sum=" + n.Sum.Dec() + "]─◉"
}
