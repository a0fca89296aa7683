package backup

import (
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"git.tcp.direct/tcp.direct/bulkload"
)

type Codec string

const (
	CodecZstd Codec = "zstd"
	CodecGzip Codec = "gzip"
)

var codecs = []Codec{CodecZstd, CodecGzip}

// ParseCodec accepts "zstd", "gzip" or an empty string (zstd).
func ParseCodec(s string) (Codec, error) {
	switch Codec(strings.ToLower(s)) {
	case CodecZstd, "":
		return CodecZstd, nil
	case CodecGzip, "gz":
		return CodecGzip, nil
	default:
		return "", fmt.Errorf("%w: unknown archive codec %q", bulkload.ErrConfiguration, s)
	}
}

// Ext is the file extension of a compressed stream, including the leading dot.
func (c Codec) Ext() string {
	switch c {
	case CodecGzip:
		return ".gz"
	default:
		return ".zst"
	}
}

func (c Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CodecGzip:
		gz := gzip.NewWriter(w)
		gz.Comment = "bulkload archive"
		return gz, nil
	case CodecZstd:
		return zstd.NewWriter(w)
	default:
		return nil, fmt.Errorf("unsupported codec: %s", c)
	}
}

func (c Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CodecGzip:
		return gzip.NewReader(r)
	case CodecZstd:
		dec, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported codec: %s", c)
	}
}
