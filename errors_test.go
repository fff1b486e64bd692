package livedbmongo

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAdapterErrorIs(t *testing.T) {
	err := invalidCollectionNameError("system")
	assert.True(t, errors.Is(err, ErrInvalidCollectionName))
	assert.False(t, errors.Is(err, ErrMissingOps))
}

func TestAdapterErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := wrapError(CodeAlreadyClosed, "closed", cause)
	assert.Equal(t, cause, errors.Unwrap(err))
	assert.ErrorIs(t, err, ErrAlreadyClosed)
}

func TestAdapterErrorMessage(t *testing.T) {
	err := invalidOpVersionError("not-a-number")
	assert.Contains(t, err.Error(), "not-a-number")
	assert.Contains(t, err.Error(), "4101")
}
