package reference

import (
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
)

const (
	TransactionPrefix      = "TXN"
	CorrelationTokenLength = 12
)

// Generator issues internal transaction ids and provider correlation tokens.
type Generator struct {
	node *snowflake.Node
}

// NewGenerator returns a generator for one node. Node ids must be unique per
// running instance, 0 to 1023.
func NewGenerator(nodeID int64) (*Generator, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to create snowflake node: %w", err)
	}
	return &Generator{node: node}, nil
}

// TransactionID is time ordered, e.g. TXN1A2B3C4D5E6F.
func (g *Generator) TransactionID() string {
	return TransactionPrefix + strings.ToUpper(g.node.Generate().Base36())
}

// CorrelationToken is sent to the provider as ThirdPartyReference and echoed
// back on the callback. Alphanumeric upper-case only.
func (g *Generator) CorrelationToken() string {
	id := uuid.New()
	hex := strings.ReplaceAll(id.String(), "-", "")
	return strings.ToUpper(hex[:CorrelationTokenLength])
}
