// Package media implements the media processing job handler: it invokes
// the external transcoding tool as a bounded subprocess per rendition,
// verifies the outputs, and writes a result that lets downstream
// consumers degrade gracefully when only some renditions succeeded.
package media
