// Package centralstub hosts a deterministic HTTP fake of the central API
// for upload and sync integration tests. It serves the four upload steps
// (presign, PUT, complete, metadata) plus the package and KB-manifest
// endpoints without touching the network, recording every interaction so
// tests can assert protocol order, headers, and retries.
package centralstub
