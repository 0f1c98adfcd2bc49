// Copyright (c) 2024 SIROS Foundation
// SPDX-License-Identifier: BSD-2-Clause

/*
Package compression handles GZIP compressed payload content.

AS4 compresses payloads with GZIP and announces this with the
CompressionType part property, while the MimeType part property keeps
the type of the uncompressed content. Payload content is referenced from a
message unit through its ContentLocation.

# Reading Content

Validators and deliverers read payload content through [Open], which
undoes the compression when the payload declares it:

	r, err := compression.Open(payload)
	if err != nil {
	    return err
	}
	defer r.Close()

# Writing Content

Producers compress content with [Compress] and record it on the payload
with [MarkCompressed]. [ShouldCompress] tells which content types are
worth compressing. Archives, raster images, audio and video are left
alone since they are compressed already.

# References

  - OASIS AS4 Compression: https://docs.oasis-open.org/ebxml-msg/ebms/v3.0/profiles/AS4-profile/v1.0/
  - GZIP RFC 1952: https://datatracker.ietf.org/doc/html/rfc1952
*/
package compression
