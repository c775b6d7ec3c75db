// Package server hosts the birdnest HTTP API.
//
// Every route passes through the same middleware chain: security headers,
// request IDs, request logging, metrics, audit, CORS and rate limiting.
// Unknown paths answer with a JSON 404 instead of falling through.
package server
