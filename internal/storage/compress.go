package storage

import (
	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// CompressSnappy compresses data with snappy block compression. Used for
// segment files that are rewritten on every commit (postings, stored
// fields): snappy favors throughput over ratio, which suits a file that
// is fully regenerated rather than patched.
func CompressSnappy(data []byte) []byte {
	return snappy.Encode(nil, data)
}

// DecompressSnappy reverses CompressSnappy.
func DecompressSnappy(data []byte) ([]byte, error) {
	return snappy.Decode(nil, data)
}

// CompressZstd compresses data with zstd at the library default level.
// Used for the term dictionary (fst.bin), which compresses well and is
// rewritten less often per byte than postings, so the extra CPU cost of a
// better ratio is worth paying.
func CompressZstd(data []byte) []byte {
	return zstdEncoder.EncodeAll(data, nil)
}

// DecompressZstd reverses CompressZstd.
func DecompressZstd(data []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(data, nil)
}
