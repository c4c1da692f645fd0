// Package content is the repository content store. It maps a repository name
// plus a URL-style path to a body object and a JSON attribute sidecar carrying
// checksums, upstream validators and index link tables. Writes are atomic
// (temp file + rename on disk, staged upload on S3), checksums are always
// computed by the store, and components get stable references derived from
// (repository, name, version).
package content
