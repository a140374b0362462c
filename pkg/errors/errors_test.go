package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudgetExceededError_Message(t *testing.T) {
	err := NewBudgetExceededError("agent", 0.15, 0.10)

	assert.Equal(t, 0.15, err.Spent)
	assert.Equal(t, 0.10, err.Ceiling)
	assert.Contains(t, err.Error(), "0.1500")
	assert.Contains(t, err.Error(), "0.1000")
}

func TestIsFatal(t *testing.T) {
	fatal := NewBudgetExceededError("fn", 1, 0.5)
	wrapped := fmt.Errorf("observer: %w", fatal)

	assert.True(t, IsFatal(fatal))
	assert.True(t, IsFatal(wrapped))
	assert.False(t, IsFatal(errors.New("boom")))
	assert.False(t, IsFatal(NewInstrumentationError("write", errors.New("disk full"))))
	assert.False(t, IsFatal(nil))
}

func TestIsRecoverable(t *testing.T) {
	cause := errors.New("disk full")
	err := NewInstrumentationError("durable write", cause)

	assert.True(t, IsRecoverable(err))
	assert.ErrorIs(t, err, cause)
	assert.False(t, IsRecoverable(NewBudgetExceededError("fn", 1, 0.5)))
	assert.False(t, IsRecoverable(errors.Join(err, NewBudgetExceededError("fn", 1, 0.5))))
}

func TestAsBudgetExceeded(t *testing.T) {
	be, ok := AsBudgetExceeded(fmt.Errorf("wrap: %w", NewBudgetExceededError("fn", 2, 1)))
	require.True(t, ok)
	assert.Equal(t, 2.0, be.Spent)

	_, ok = AsBudgetExceeded(errors.New("other"))
	assert.False(t, ok)
}
