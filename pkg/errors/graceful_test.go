package errors

import (
	stderrors "errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGracefulErrorUnwrap(t *testing.T) {
	base := stderrors.New("connection refused")
	err := NewGracefulError("open store", base)
	assert.Equal(t, "operation 'open store' failed: connection refused", err.Error())
	assert.ErrorIs(t, err, base)
}

func TestFirstExitCodeWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ValidationError("store.type", stderrors.New("unknown backend"))
	eh.FatalError("listen", stderrors.New("address in use"))
	assert.Equal(t, 2, eh.WaitForExit())

	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestConfigAndFatalCodes(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("/nonexistent.toml", os.ErrNotExist)
	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, 2, code)

	eh = NewErrorHandler()
	eh.FatalError("start milter", stderrors.New("boom"))
	assert.Equal(t, 1, eh.WaitForExit())
}
