package shared

import "errors"

var (
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrNoLogger          = errors.New("no logger provided")
	ErrNoConfig          = errors.New("no config provided")
	ErrNoProvider        = errors.New("no transport provider provided")
	ErrNoAppID           = errors.New("no app ID provided")
	ErrNoServerURL       = errors.New("no server URL provided")
	ErrInvalidOptions    = errors.New("invalid join options")
	ErrNotInitialized    = errors.New("client not initialized")
	ErrNotJoined         = errors.New("not joined to a channel")
	ErrJoinAborted       = errors.New("join aborted by leave")
	ErrManagerClosed     = errors.New("session manager closed")
	ErrClientClosed      = errors.New("client closed")
	ErrDeviceNotFound    = errors.New("media device not found")
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrNetwork           = errors.New("network failure")
	ErrHandlerRequired   = errors.New("handler is required")
	ErrUnsupportedMedia  = errors.New("unsupported media kind")
	ErrSignalingProtocol = errors.New("signaling protocol violation")
)
