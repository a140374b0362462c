// Package errors defines the two error kinds tokenspy distinguishes.
//
// InstrumentationError is recoverable: durable-log I/O, malformed history rows and
// misbehaving observers produce it, and every site that absorbs failures does so by
// logging it and moving on. BudgetExceededError is fatal: it is the control-flow signal
// raised by a budget guard and must reach the caller of the guarded unit of work. Absorb
// sites consult IsFatal and never swallow it.
package errors

import (
	"errors"
	"fmt"
)

// InstrumentationError wraps a failure in a reporting side channel.
type InstrumentationError struct {
	Op  string
	Err error
}

func NewInstrumentationError(op string, err error) *InstrumentationError {
	return &InstrumentationError{Op: op, Err: err}
}

func (e *InstrumentationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("tokenspy: %s failed", e.Op)
	}
	return fmt.Sprintf("tokenspy: %s: %v", e.Op, e.Err)
}

func (e *InstrumentationError) Unwrap() error {
	return e.Err
}

// BudgetExceededError is returned when spend inside a guarded unit of work goes over
// its ceiling under the raise policy.
type BudgetExceededError struct {
	Unit    string
	Spent   float64
	Ceiling float64
}

func NewBudgetExceededError(unit string, spent, ceiling float64) *BudgetExceededError {
	return &BudgetExceededError{Unit: unit, Spent: spent, Ceiling: ceiling}
}

func (e *BudgetExceededError) Error() string {
	return fmt.Sprintf("tokenspy budget exceeded: spent $%.4f of $%.4f budget", e.Spent, e.Ceiling)
}

// IsFatal reports whether err carries a budget-exceeded signal anywhere in its chain.
func IsFatal(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}

// IsRecoverable reports whether err is an instrumentation failure and not fatal.
func IsRecoverable(err error) bool {
	if err == nil || IsFatal(err) {
		return false
	}
	var ie *InstrumentationError
	return errors.As(err, &ie)
}

// AsBudgetExceeded extracts the budget signal from err.
func AsBudgetExceeded(err error) (*BudgetExceededError, bool) {
	var be *BudgetExceededError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}
