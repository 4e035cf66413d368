package session

import "errors"

var (
	// ErrTransportUnavailable is returned by SendReply when the session is not ready.
	ErrTransportUnavailable = errors.New("transport unavailable")

	// ErrDeliveryFailed is returned by SendReply when the transport rejected the message.
	ErrDeliveryFailed = errors.New("delivery failed")
)
