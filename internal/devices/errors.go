package devices

import "errors"

var (
	ErrLicenseInactive     = errors.New("license is not active")
	ErrLicenseExpired      = errors.New("license has expired")
	ErrOriginBlacklisted   = errors.New("ip address is blacklisted")
	ErrDeviceLimitExceeded = errors.New("device limit reached")
	ErrNotOwner            = errors.New("license does not belong to user")
)
