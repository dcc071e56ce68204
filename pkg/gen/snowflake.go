package gen

import (
	"os"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"
	"go.uber.org/fx"
)

var Module = fx.Module("gen", fx.Provide(NewNode))

// NewNode returns the snowflake node for this process. The node id comes from
// NODE_ID so several worker replicas never mint the same id.
func NewNode() (*snowflake.Node, error) {
	var nodeID int64 = 1
	if v, ok := os.LookupEnv("NODE_ID"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			nodeID = n
		}
	}
	return snowflake.NewNode(nodeID)
}

// ID mints an id from node, falling back to a random uuid when node is nil.
func ID(node *snowflake.Node) string {
	if node == nil {
		return uuid.NewString()
	}
	return node.Generate().String()
}

// EventID returns a globally unique trigger event id.
func EventID() string {
	return uuid.NewString()
}
