// Package server hosts the Fiber HTTP service: the request id and request
// log middlewares, the JSON error handler, and one image route per resource
// kind delegating to the imagecache orchestrator. Read-only diagnostics live
// in the routes subpackage.
package server
