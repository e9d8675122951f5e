package pgasync

import (
	"fmt"
	"strconv"

	"github.com/digit-soft/pgasync/protocol"
)

// commandKind tags a queue entry with the protocol action it performs.
type commandKind int

const (
	cmdQuery commandKind = iota
	cmdParse
	cmdBind
	cmdDescribe
	cmdExecute
	cmdClose
	cmdSync
	cmdTerminate
)

func (k commandKind) String() string {
	switch k {
	case cmdQuery:
		return "Query"
	case cmdParse:
		return "Parse"
	case cmdBind:
		return "Bind"
	case cmdDescribe:
		return "Describe"
	case cmdExecute:
		return "Execute"
	case cmdClose:
		return "Close"
	case cmdSync:
		return "Sync"
	case cmdTerminate:
		return "Terminate"
	}
	return "Unknown"
}

// command is one unit of work in the connection queue. Commands are written
// to the socket in strict FIFO order; only a command with waits set keeps the
// connection busy until its terminal message arrives. Intermediate
// extended-protocol steps (Parse/Bind/Describe/Execute/Close) carry no
// subscriber and are pipelined ahead of the Sync that does.
//
// All fields are guarded by the owning connection's mutex.
type command struct {
	kind   commandKind
	frame  protocol.Message
	sql    string     // originating SQL, for error context
	sub    *RowStream // terminal-event subscriber, nil on intermediate steps
	waits  bool       // keep the connection busy until completion
	active bool       // cleared when the subscriber unsubscribed before dispatch
}

func newCommand(kind commandKind, frame protocol.Message, sql string, sub *RowStream, waits bool) *command {
	return &command{
		kind:   kind,
		frame:  frame,
		sql:    sql,
		sub:    sub,
		waits:  waits,
		active: true,
	}
}

// statement reports whether the command counts towards the pool-visible
// backlog: only statement-level entries (the ones carrying a subscriber) do,
// never the intermediate extended-protocol steps.
func (c *command) statement() bool {
	return c.sub != nil
}

// encodeParam renders one bound parameter into its text-format wire bytes.
// nil stays nil (SQL NULL); booleans use the "t"/"f" wire form; everything
// else renders through the default format.
func encodeParam(v any) []byte {
	switch v := v.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("t")
		}
		return []byte("f")
	case int:
		return strconv.AppendInt(nil, int64(v), 10)
	case int32:
		return strconv.AppendInt(nil, int64(v), 10)
	case int64:
		return strconv.AppendInt(nil, v, 10)
	case float64:
		return strconv.AppendFloat(nil, v, 'f', -1, 64)
	default:
		return []byte(fmt.Sprint(v))
	}
}

func encodeParams(params []any) [][]byte {
	if len(params) == 0 {
		return nil
	}
	out := make([][]byte, len(params))
	for i, p := range params {
		out[i] = encodeParam(p)
	}
	return out
}
