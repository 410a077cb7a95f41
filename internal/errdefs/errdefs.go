// Package errdefs holds the error kinds shared by the transport layers.
// Concrete error types in the other packages match these with errors.Is.
package errdefs

import "errors"

var (
	// ErrConfig marks a setup problem: missing host, malformed URI, invalid publish mode.
	ErrConfig = errors.New("configuration error")
	// ErrConnection marks a failure to establish or authenticate a session.
	ErrConnection = errors.New("connection error")
	// ErrProtocol marks malformed or fatal copy-protocol traffic.
	ErrProtocol = errors.New("remote transfer protocol error")
	// ErrDestinationExists is returned by a put without overwrite on an existing file.
	ErrDestinationExists = errors.New("destination file exists and overwrite == false")
)
