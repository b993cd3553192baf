package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMatching(t *testing.T) {
	errAlreadyRun := New(KindStateConflict, "ALREADY_RUN", "bonus run already completed")
	errOther := New(KindStateConflict, "OTHER", "other conflict")

	wrapped := fmt.Errorf("daily 2026-10-16: %w", errAlreadyRun)

	assert.True(t, errors.Is(wrapped, errAlreadyRun))
	assert.True(t, errors.Is(wrapped, ErrStateConflict))
	assert.False(t, errors.Is(wrapped, errOther))
	assert.False(t, errors.Is(wrapped, ErrValidation))
	assert.Equal(t, KindStateConflict, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}
