// Package idgen issues ledger identifiers.
package idgen

import (
	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
)

const scanPrefix = "SCN-"

// Generator hands out time-ordered scan ids; one node id per running process.
type Generator struct {
	node *snowflake.Node
}

func New(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, errors.Wrapf(err, "init snowflake node %d", nodeID)
	}
	return &Generator{node: node}, nil
}

// ScanID returns a fresh SCN-<snowflake> identifier.
func (g *Generator) ScanID() string {
	return scanPrefix + g.node.Generate().String()
}
