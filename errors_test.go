package pgasync

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestServerError_Format(t *testing.T) {
	err := &ServerError{Severity: "ERROR", Code: "42601", Message: "syntax error"}
	require.Equal(t, "ERROR: syntax error (SQLSTATE 42601)", err.Error())

	withSQL := err.WithSQL("SELEC 1")
	require.Contains(t, withSQL.Error(), `in "SELEC 1"`)
}

func TestServerError_Fatal(t *testing.T) {
	require.False(t, (&ServerError{Severity: "ERROR"}).Fatal())
	require.True(t, (&ServerError{Severity: "FATAL"}).Fatal())
	require.True(t, (&ServerError{Severity: "PANIC"}).Fatal())
}

func TestConnError_Unwrap(t *testing.T) {
	cause := errors.New("broken pipe")
	err := connFailed("socket", cause)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "connection socket: broken pipe", err.Error())

	require.Equal(t, "connection closed", (&ConnError{Reason: "closed"}).Error())
}
