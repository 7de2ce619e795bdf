// Package imagecache implements the per-request fetch-or-load flow shared by every
// resource kind: resolve the cache key, serve an existing file directly, otherwise
// load the source bytes (local asset or upstream), run the transform pipeline,
// persist atomically and answer with validator/caching metadata. The HTTP layer only
// maps a Result or a classified error onto a response.
package imagecache
