package licenses

import "errors"

var (
	ErrNotOwner            = errors.New("license does not belong to user")
	ErrDeviceCapViolation  = errors.New("new tariff allows fewer devices than currently registered")
	ErrTariffMismatch      = errors.New("tariff does not belong to the license product")
	ErrInvalidIP           = errors.New("invalid ip address format")
	ErrInsufficientBalance = errors.New("insufficient balance")
)
