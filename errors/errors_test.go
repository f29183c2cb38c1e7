package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	err := New("test error")
	require.NotNil(t, err)
	assert.Equal(t, "test error", err.Error())
}

func TestNewf(t *testing.T) {
	err := Newf("error: %s %d", "test", 42)
	require.NotNil(t, err)
	assert.Equal(t, "error: test 42", err.Error())
}

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestSentinelsSurviveWrapping(t *testing.T) {
	err := Wrap(ErrBackpressure, "submit build")
	assert.True(t, Is(err, ErrBackpressure))
	assert.False(t, Is(err, ErrEnvironmentNotReady))

	err = Wrapf(ErrEnvironmentNotReady, "build %s has status %s", "bld_1", "failed")
	assert.True(t, Is(err, ErrEnvironmentNotReady))
}

func TestTimeoutDistinctFromResourceLimit(t *testing.T) {
	timeout := Wrap(ErrTimeout, "step install_config")
	limit := Wrap(ErrResourceLimit, "step install_config")

	assert.True(t, Is(timeout, ErrTimeout))
	assert.False(t, Is(timeout, ErrResourceLimit))
	assert.True(t, Is(limit, ErrResourceLimit))
	assert.False(t, Is(limit, ErrTimeout))
}

func TestIsNotFoundError(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.True(t, IsNotFoundError(ErrNotFound))
	assert.True(t, IsNotFoundError(Wrap(ErrNotFound, "get build")))
	assert.True(t, IsNotFoundError(Wrapf(ErrNotFound, "build %s", "bld_x")))
	// bare message matches are not enough; the sentinel must be wrapped
	assert.False(t, IsNotFoundError(New("build not found")))
	assert.False(t, IsNotFoundError(New("boom")))
}
