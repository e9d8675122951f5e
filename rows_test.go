package pgasync

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/digit-soft/pgasync/protocol"
)

func TestMaterializeRow(t *testing.T) {
	cols := []protocol.Column{
		{Name: "ok", TypeOID: 16},
		{Name: "name", TypeOID: 25},
		{Name: "deleted", TypeOID: 16},
	}

	row := materializeRow(cols, [][]byte{[]byte("t"), []byte("bob"), nil})
	require.Equal(t, Row{"ok": true, "name": "bob", "deleted": nil}, row)

	row = materializeRow(cols, [][]byte{[]byte("f"), nil, []byte("t")})
	require.Equal(t, Row{"ok": false, "name": nil, "deleted": true}, row)
}

// Everything that is not a bool stays in its text wire form.
func TestMaterializeRow_TextPassthrough(t *testing.T) {
	cols := []protocol.Column{
		{Name: "id", TypeOID: 23},
		{Name: "score", TypeOID: 701},
	}
	row := materializeRow(cols, [][]byte{[]byte("7"), []byte("3.14")})
	require.Equal(t, Row{"id": "7", "score": "3.14"}, row)
}

func TestRowStream_ContextCancellation(t *testing.T) {
	rs := newRowStream(nil)
	rs.enqueue = func(context.Context) error { return nil }

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.False(t, rs.Next(ctx))
	require.ErrorIs(t, rs.Err(), context.Canceled)
}

func TestRowStream_CloseBeforeConsumption(t *testing.T) {
	rs := newRowStream(nil)
	rs.enqueue = func(context.Context) error { return nil }

	require.NoError(t, rs.Close())
	require.NoError(t, rs.Close(), "Close is idempotent")

	rows, err := rs.Collect(context.Background())
	require.NoError(t, err, "cancellation is not an error")
	require.Empty(t, rows)
}

// Terminal events are first-wins: rows arriving after completion are dropped
// and a late failure does not overwrite the tag.
func TestRowStream_FirstTerminalEventWins(t *testing.T) {
	rs := newRowStream(nil)
	rs.enqueue = func(context.Context) error { return nil }

	rs.push(Row{"v": "1"})
	rs.complete("SELECT 1")
	rs.push(Row{"v": "late"})
	rs.fail(context.DeadlineExceeded)

	rows, err := rs.Collect(context.Background())
	require.NoError(t, err)
	require.Equal(t, []Row{{"v": "1"}}, rows)
	require.Equal(t, "SELECT 1", rs.CommandTag())
}
