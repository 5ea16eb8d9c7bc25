package container

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/ulikunitz/xz"
)

// Compression is the wrapping detected on an input.
type Compression string

// Input compressions.
const (
	CompressionNone   Compression = "none"
	CompressionGzip   Compression = "gzip"
	CompressionBzip2  Compression = "bzip2"
	CompressionXZ     Compression = "xz"
	CompressionBrotli Compression = "brotli"
)

// tsBufferSize holds 512 transport packets.
const tsBufferSize = 188 * 512

// decompress wraps r with the decompressor its magic bytes name. Brotli
// has no magic, so it is picked by a .br name. The returned closer is nil
// when nothing needs closing.
func decompress(r io.Reader, name string) (io.Reader, io.Closer, Compression, error) {
	br := bufio.NewReaderSize(r, tsBufferSize)

	header, err := br.Peek(6)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, nil, CompressionNone, fmt.Errorf("peeking input header: %w", err)
	}

	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, CompressionGzip, fmt.Errorf("creating gzip reader: %w", err)
		}
		return bufio.NewReaderSize(gzr, tsBufferSize), gzr, CompressionGzip, nil

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		return bufio.NewReaderSize(bzip2.NewReader(br), tsBufferSize), nil, CompressionBzip2, nil

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, CompressionXZ, fmt.Errorf("creating xz reader: %w", err)
		}
		return bufio.NewReaderSize(xzr, tsBufferSize), nil, CompressionXZ, nil

	case strings.EqualFold(filepath.Ext(name), ".br"):
		return bufio.NewReaderSize(brotli.NewReader(br), tsBufferSize), nil, CompressionBrotli, nil
	}
	return br, nil, CompressionNone, nil
}

type closers []io.Closer

func (cs closers) Close() error {
	var errs []error
	for _, c := range cs {
		if c != nil {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
