// Package server hosts the Fiber HTTP service: request id and recover
// middleware, repository routing by path or Host, fetch/upload/delete and
// browse handlers, plus the /-/ diagnostics and metrics endpoints.
// Dependencies are injected explicitly so tests can swap fetch and browse
// implementations.
package server
