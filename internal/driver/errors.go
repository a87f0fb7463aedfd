package driver

import "errors"

var (
	errMissingSymbol  = errors.New("driver: frame missing symbol field")
	errMalformedLevel = errors.New("driver: malformed price level in depth array")
	errProtocolEvent  = errors.New("driver: venue reported a protocol-level error event")
)
