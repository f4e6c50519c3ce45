package services

import "errors"

var (
	ErrEmptyDocument  = errors.New("document is empty")
	ErrEmptyBatch     = errors.New("batch must contain at least one document")
	ErrBatchTooLarge  = errors.New("batch exceeds the maximum size")
	ErrInvalidWebhook = errors.New("invalid webhook url")
	// ErrDispatch wraps broker failures at submission time.
	ErrDispatch = errors.New("dispatch failed")
)
