package bot

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCloser struct {
	closed []string
	err    error
}

func (f *fakeCloser) CloseTrade(_ context.Context, tradeID string) error {
	f.closed = append(f.closed, tradeID)
	return f.err
}

func TestCloseCommandForwardsTradeID(t *testing.T) {
	b, err := New("", 0, nil, nil, true)
	require.NoError(t, err)

	closer := &fakeCloser{}
	b.SetTradeCloser(closer)

	b.cmdClose("  abc123  ")
	assert.Equal(t, []string{"abc123"}, closer.closed)

	closer.err = errors.New("no active trade")
	b.cmdClose("missing")
	assert.Len(t, closer.closed, 2)
}

func TestCloseCommandRequiresArgument(t *testing.T) {
	b, err := New("", 0, nil, nil, true)
	require.NoError(t, err)

	closer := &fakeCloser{}
	b.SetTradeCloser(closer)

	b.cmdClose("   ")
	assert.Empty(t, closer.closed, "no trade id means nothing to close")
}

func TestShortID(t *testing.T) {
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "012345…wxyz", shortID("0123456789-lots-more-wxyz"))
}
