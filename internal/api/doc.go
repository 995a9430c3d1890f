// Package api implements the aggregator HTTP surface: producers enqueue
// events, the uploader lists pending rows and marks status. The package is a
// narrow CRUD adapter over the store; the upload state machine lives in the
// uploader.
package api
