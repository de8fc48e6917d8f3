package realtime

import "errors"

var (
	// ErrUnknownRecipient is returned when a point-to-point target has no registered session.
	// The event is dropped; nothing is reported back to the sender.
	ErrUnknownRecipient = errors.New("unknown recipient")

	// ErrMalformedPayload is returned when an inbound payload fails to decode or misses required fields.
	ErrMalformedPayload = errors.New("malformed payload")

	// ErrNotAuthorized is returned when the Authorizer rejects an action.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrNotIdentified is returned when an event requires a prior user:online on the same connection.
	ErrNotIdentified = errors.New("connection not identified")

	// ErrHubClosed is returned by operations attempted after Hub.Close.
	ErrHubClosed = errors.New("hub closed")
)
