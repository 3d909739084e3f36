/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package bauxite

import "io"

// File is an upload descriptor attached to a request. Payload must be
// seekable: before each retry attempt the requester calls Reset to rewind
// it back to the start, so the same File can be reused across attempts
// without the caller re-reading its source.
type File struct {
	// Name is the filename reported to Discord, e.g. "screenshot.png".
	Name string
	// Payload is the file content. It must support Seek.
	Payload io.ReadSeeker
	// ContentType is the MIME type sent for this part. Defaults to
	// "application/octet-stream" when empty.
	ContentType string
}

// Reset rewinds the file's payload back to the beginning, so it can be
// re-sent on a retry attempt.
func (f *File) Reset() error {
	_, err := f.Payload.Seek(0, io.SeekStart)
	return err
}
