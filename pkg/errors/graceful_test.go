package errors

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/migadu/autocrypt/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	err := NewGracefulError("init", consts.ErrAccountExists)
	assert.ErrorIs(t, err, consts.ErrAccountExists)
	assert.Contains(t, err.Error(), "operation 'init' failed")
}

func TestFatalError_NotInitialized(t *testing.T) {
	var out bytes.Buffer
	eh := NewErrorHandlerWithOutput(&out)

	eh.FatalError("show", fmt.Errorf("%w: account directory /x not initialized", consts.ErrAccountNotInitialized))

	assert.Equal(t, ExitNotInitialized, eh.WaitForExit())
	assert.Contains(t, out.String(), "autocrypt init")
}

func TestFatalError_FirstCodeWins(t *testing.T) {
	var out bytes.Buffer
	eh := NewErrorHandlerWithOutput(&out)

	eh.FatalError("serve", fmt.Errorf("listen failed"))
	eh.FatalError("show", consts.ErrAccountNotInitialized)

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	require.True(t, ok)
	assert.Equal(t, ExitFailure, code)
	assert.Contains(t, out.String(), "operation 'serve' failed")
}

func TestConfigError(t *testing.T) {
	var out bytes.Buffer
	eh := NewErrorHandlerWithOutput(&out)

	eh.ConfigError("missing.toml", os.ErrNotExist)
	assert.Equal(t, ExitFailure, eh.WaitForExit())
	assert.Contains(t, out.String(), "not found")
}

func TestWaitForExitWithTimeout_NoError(t *testing.T) {
	eh := NewErrorHandlerWithOutput(&bytes.Buffer{})
	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	eh.Shutdown(ctx)
}
