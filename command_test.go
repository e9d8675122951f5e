package pgasync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeParam(t *testing.T) {
	require.Nil(t, encodeParam(nil), "nil binds as SQL NULL")
	require.Equal(t, []byte("hello"), encodeParam("hello"))
	require.Equal(t, []byte{0x01, 0x02}, encodeParam([]byte{0x01, 0x02}))
	require.Equal(t, []byte("t"), encodeParam(true))
	require.Equal(t, []byte("f"), encodeParam(false))
	require.Equal(t, []byte("42"), encodeParam(42))
	require.Equal(t, []byte("-7"), encodeParam(int32(-7)))
	require.Equal(t, []byte("9000000000"), encodeParam(int64(9000000000)))
	require.Equal(t, []byte("3.25"), encodeParam(3.25))
}

func TestEncodeParams(t *testing.T) {
	require.Nil(t, encodeParams(nil))
	require.Equal(t, [][]byte{[]byte("a"), nil, []byte("t")},
		encodeParams([]any{"a", nil, true}))
}

func TestCommandStatement(t *testing.T) {
	sub := newRowStream(nil)
	require.True(t, newCommand(cmdQuery, nil, "SELECT 1", sub, true).statement())
	require.False(t, newCommand(cmdParse, nil, "SELECT 1", nil, false).statement(),
		"intermediate steps are invisible to the backlog")
}
