// Package server hosts the Fiber HTTP service: request ID middleware, the
// GET /{policy} entry point and the JSON rendering of gateway results.
// Pipeline semantics live in internal/gateway; this package only translates
// between fasthttp and the gateway types, so keep exports narrow and accept
// explicit dependencies.
package server
