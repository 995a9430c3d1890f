// Package ingest supervises one ffmpeg segmenter per camera, enforces the
// local disk budget, and produces on-demand clips from the recorded segment
// tree. Segmenter children run in their own process group; the supervisor is
// the only owner of their lifecycle.
package ingest
