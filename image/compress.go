package image

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/xerrors"

	aff4 "github.com/aff4/go-aff4"
)

// compressChunk compresses one chunk with the given method URI. When the
// result would not be smaller than the raw chunk, the raw bytes are
// returned instead; the reader detects this by the compressed length
// equalling the chunk size.
func compressChunk(method string, data []byte) ([]byte, error) {
	switch method {
	case aff4.CompressionStored:
		return data, nil
	case aff4.CompressionDeflate:
		var out bytes.Buffer
		fw, err := flate.NewWriter(&out, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(data); err != nil {
			return nil, err
		}
		if err := fw.Close(); err != nil {
			return nil, err
		}
		return storedFallback(out.Bytes(), data), nil
	case aff4.CompressionSnappy:
		return storedFallback(snappy.Encode(nil, data), data), nil
	case aff4.CompressionLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, xerrors.Errorf("lz4 compression: %w", err)
		}
		if n == 0 {
			// Incompressible.
			return data, nil
		}
		return storedFallback(dst[:n], data), nil
	default:
		return nil, xerrors.Errorf("compression method %s: %w", method, aff4.ErrNotImplemented)
	}
}

func storedFallback(compressed, raw []byte) []byte {
	if len(compressed) >= len(raw) {
		return raw
	}
	return compressed
}

// decompressChunk reverses compressChunk. chunkSize is the uncompressed
// chunk length; a compressed length equal to it means the chunk was
// stored raw.
func decompressChunk(method string, data []byte, chunkSize int) ([]byte, error) {
	if method == aff4.CompressionStored || len(data) == chunkSize {
		return data, nil
	}
	switch method {
	case aff4.CompressionDeflate:
		fr := flate.NewReader(bytes.NewReader(data))
		defer fr.Close()
		out := make([]byte, chunkSize)
		n, err := io.ReadFull(fr, out)
		if err != nil && err != io.ErrUnexpectedEOF {
			return nil, xerrors.Errorf("inflating chunk: %w: %v", aff4.ErrIOError, err)
		}
		return out[:n], nil
	case aff4.CompressionSnappy:
		out, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, xerrors.Errorf("snappy chunk: %w: %v", aff4.ErrIOError, err)
		}
		return out, nil
	case aff4.CompressionLZ4:
		out := make([]byte, chunkSize)
		n, err := lz4.UncompressBlock(data, out)
		if err != nil {
			return nil, xerrors.Errorf("lz4 chunk: %w: %v", aff4.ErrIOError, err)
		}
		return out[:n], nil
	default:
		return nil, xerrors.Errorf("compression method %s: %w", method, aff4.ErrNotImplemented)
	}
}

// CompressionFromName maps the imager's --compression values onto method
// URIs.
func CompressionFromName(name string) (string, error) {
	switch name {
	case "stored":
		return aff4.CompressionStored, nil
	case "deflate", "zlib":
		return aff4.CompressionDeflate, nil
	case "snappy":
		return aff4.CompressionSnappy, nil
	case "lz4":
		return aff4.CompressionLZ4, nil
	default:
		return "", xerrors.Errorf("unknown compression %q: %w", name, aff4.ErrInvalidInput)
	}
}
