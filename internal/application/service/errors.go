package service

import "errors"

var (
	// ErrServiceClosed is returned after Close
	ErrServiceClosed = errors.New("withdrawal service closed")

	// ErrDuplicateWithdrawal is returned when a transaction id is submitted twice
	ErrDuplicateWithdrawal = errors.New("withdrawal already exists")

	// ErrExportDisabled is returned when no audit exporter is configured
	ErrExportDisabled = errors.New("audit export is not configured")
)
