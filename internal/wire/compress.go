package wire

import (
	"io"

	"github.com/klauspost/compress/zstd"
)

// CompressWriter wraps w so bytes written through it are zstd-compressed.
// Used by the dispatcher for Tcp stream edges that cross a client<->proxy
// hop (the control-message frames above stay uncompressed JSON for
// debuggability) — directly serving POSH's purpose of cutting bytes
// moved over the wire.
func CompressWriter(w io.Writer) (*zstd.Encoder, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedFastest))
}

// DecompressReader wraps r to undo CompressWriter.
func DecompressReader(r io.Reader) (*zstd.Decoder, error) {
	return zstd.NewReader(r)
}
