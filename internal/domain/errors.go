package domain

import "errors"

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrInvalidOperation    = errors.New("invalid operation type")
	ErrBatchTerminal       = errors.New("batch already terminal")
)
