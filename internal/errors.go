package gateway

import "errors"

// Sentinel errors for the gateway domain. The server package maps these to
// the OpenAI-style error envelope and HTTP status.
var (
	ErrUnauthorized       = errors.New("invalid api key")
	ErrRateLimited        = errors.New("rate limit exceeded")
	ErrTokenRateLimited   = errors.New("token rate limit exceeded")
	ErrBadRequest         = errors.New("bad request")
	ErrModelRequired      = errors.New("no model specified and no default available")
	ErrModelNotFound      = errors.New("model not found")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrNotFound           = errors.New("not found")
)
