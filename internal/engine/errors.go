package engine

import "errors"

var (
	ErrInvalidMode        = errors.New("invalid mode")
	ErrInvalidFanSpeed    = errors.New("invalid fan speed")
	ErrUnknownZone        = errors.New("unknown zone")
	ErrInvalidTemperature = errors.New("invalid target temperature")
	ErrNoTemperature      = errors.New("no temperature sample available")
)
