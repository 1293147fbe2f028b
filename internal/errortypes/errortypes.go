// Package errortypes defines the bid-scoped error taxonomy. Every error here
// disqualifies at most one bid; none of them aborts a slot auction.
package errortypes

import "errors"

// Error codes, stable across releases so they can be used as metric labels
// and in API responses.
const (
	UnknownErrorCode = 999
)

const (
	ValidationErrorCode = iota + 100
	FloorPriceErrorCode
	SafeguardViolationErrorCode
	BudgetExceededErrorCode
	ModelUnavailableErrorCode
	DataErrorCode
)

// Coder is implemented by every error in this package.
type Coder interface {
	Code() int
	Reason() string
}

// ValidationError flags a malformed bid or an unsupported pricing model.
type ValidationError struct {
	Message string
}

func (err *ValidationError) Error() string {
	return err.Message
}

func (err *ValidationError) Code() int {
	return ValidationErrorCode
}

func (err *ValidationError) Reason() string {
	return "validation"
}

// UnsupportedModelError is the ValidationError raised for an unrecognized
// pricing model tag.
type UnsupportedModelError struct {
	Model string
}

func (err *UnsupportedModelError) Error() string {
	return "unsupported pricing model: " + err.Model
}

func (err *UnsupportedModelError) Code() int {
	return ValidationErrorCode
}

func (err *UnsupportedModelError) Reason() string {
	return "unsupported_model"
}

// FloorPriceError flags a bid whose floor-comparable amount is below the
// slot's floor price.
type FloorPriceError struct {
	Message string
}

func (err *FloorPriceError) Error() string {
	return err.Message
}

func (err *FloorPriceError) Code() int {
	return FloorPriceErrorCode
}

func (err *FloorPriceError) Reason() string {
	return "below_floor"
}

// SafeguardViolationError flags a disallowed CPA variant or cross-model CPA
// that the advertiser has not opted into.
type SafeguardViolationError struct {
	Message string
}

func (err *SafeguardViolationError) Error() string {
	return err.Message
}

func (err *SafeguardViolationError) Code() int {
	return SafeguardViolationErrorCode
}

func (err *SafeguardViolationError) Reason() string {
	return "safeguard"
}

// BudgetExceededError disqualifies a ranked bid whose settlement would push
// the advertiser past its daily budget. The auction re-ranks without it.
type BudgetExceededError struct {
	Message string
}

func (err *BudgetExceededError) Error() string {
	return err.Message
}

func (err *BudgetExceededError) Code() int {
	return BudgetExceededErrorCode
}

func (err *BudgetExceededError) Reason() string {
	return "budget_exceeded"
}

// ModelUnavailableError is absorbed by the quality fallback and never
// returned to a caller of the auction.
type ModelUnavailableError struct {
	Message string
}

func (err *ModelUnavailableError) Error() string {
	return err.Message
}

func (err *ModelUnavailableError) Code() int {
	return ModelUnavailableErrorCode
}

func (err *ModelUnavailableError) Reason() string {
	return "model_unavailable"
}

// DataError flags negative or impossible historical counters. It points at an
// upstream data-quality defect and is logged for operators.
type DataError struct {
	Message string
}

func (err *DataError) Error() string {
	return err.Message
}

func (err *DataError) Code() int {
	return DataErrorCode
}

func (err *DataError) Reason() string {
	return "data_error"
}

// ReadCode returns the code of err, or UnknownErrorCode.
func ReadCode(err error) int {
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return UnknownErrorCode
}

// ReadReason returns the rejection label of err, or "internal".
func ReadReason(err error) string {
	var c Coder
	if errors.As(err, &c) {
		return c.Reason()
	}
	return "internal"
}
