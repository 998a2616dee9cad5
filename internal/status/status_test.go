package status

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStrings(t *testing.T) {
	assert.Equal(t, "success", Success.Error())
	assert.Equal(t, "DLB is not initialized", NoInit.Error())
	assert.Contains(t, Code(-999).Error(), "unrecognized status code")
}

func TestIsError(t *testing.T) {
	assert.False(t, Success.IsError())
	assert.False(t, Noted.IsError())
	assert.False(t, NoUpdate.IsError())
	assert.True(t, NoInit.IsError())
	assert.True(t, Unknown.IsError())
}

func TestCodeSatisfiesError(t *testing.T) {
	var err error = NoShmem
	assert.EqualError(t, err, "cannot find shared memory segment")
	assert.True(t, errors.Is(err, NoShmem))
}

func TestMaxPrecedence(t *testing.T) {
	assert.Equal(t, Noted, Max(Success, Noted))
	assert.Equal(t, Noted, Max(Noted, Success))
	assert.Equal(t, Success, Max(Success, NoUpdate))
	assert.Equal(t, NoUpdate, Max(NoUpdate, NoUpdate))
	assert.Equal(t, NoShmem, Max(Success, NoShmem))
	assert.Equal(t, NoShmem, Max(NoShmem, Noted))

	// among two errors, the more negative (higher magnitude) code wins
	assert.Equal(t, NoPolicy, Max(NoInit, NoPolicy))
	assert.Equal(t, NoPolicy, Max(NoPolicy, NoInit))
}
