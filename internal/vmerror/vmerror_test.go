package vmerror

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSentinelsMatchViaErrorsIs(t *testing.T) {
	require.True(t, errors.Is(HeapExhausted(8, 1024), ErrHeapExhausted))
	require.True(t, errors.Is(PageOverflow(3, 64, 4096, 4080), ErrPageOverflow))
	require.True(t, errors.Is(InvalidObject(3, 128), ErrInvalidObject))
}

func TestErrorMessagesIncludeDiagnosticFields(t *testing.T) {
	err := HeapExhausted(8, 12345)
	require.ErrorContains(t, err, "8")
	require.ErrorContains(t, err, "12345")
}
