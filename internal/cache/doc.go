// Package cache owns the on-disk layout of transformed images: one directory per
// resource kind under the cache root, content files named by the key resolver,
// and a `.meta.json` sidecar per content file holding the upstream validator and
// the next revalidation horizon. Writers always go through a temp file + rename so
// readers never observe partial content; validators for conditional requests are
// derived from file metadata (mtime + size) instead of hashing content.
package cache
