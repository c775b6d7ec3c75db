// Package api hosts the HTTP handlers that front the birdnest catalog.
//
// Handlers decode and validate requests, resolve the caller's owner identity
// and shape responses. Every catalog operation is delegated to the
// catalog.Service injected at construction time, and its error categories
// are mapped onto status codes in one place.
//
// Handlers assume the middleware chain from internal/server has already
// assigned a request id and applied rate limits, CORS, metrics and logging.
package api
