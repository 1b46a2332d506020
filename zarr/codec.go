/*
Copyright © 2024 the nacordex authors.
This file is part of nacordex.

nacordex is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

nacordex is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with nacordex.  If not, see <http://www.gnu.org/licenses/>.
*/

package zarr

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// ErrUnsupportedCodec is returned for compressors that cannot be decoded.
var ErrUnsupportedCodec = errors.New("zarr: unsupported codec")

// zstdDecoder is safe for concurrent use with DecodeAll.
var zstdDecoder, _ = zstd.NewReader(nil)

// decompress decodes a chunk compressed with codec c. A nil codec means
// the chunk is stored uncompressed.
func decompress(c *Codec, b []byte) ([]byte, error) {
	if c == nil {
		return b, nil
	}
	switch c.ID {
	case "zlib":
		r, err := zlib.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("zarr: zlib: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(b))
		if err != nil {
			return nil, fmt.Errorf("zarr: gzip: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case "zstd":
		o, err := zstdDecoder.DecodeAll(b, nil)
		if err != nil {
			return nil, fmt.Errorf("zarr: zstd: %w", err)
		}
		return o, nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedCodec, c.ID)
	}
}

// compress encodes a chunk with codec c.
func compress(c *Codec, b []byte) ([]byte, error) {
	if c == nil {
		return b, nil
	}
	var buf bytes.Buffer
	switch c.ID {
	case "zlib":
		level := c.Level
		if level == 0 {
			level = zlib.DefaultCompression
		}
		w, err := zlib.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, fmt.Errorf("zarr: zlib: %w", err)
		}
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "zstd":
		w, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		defer w.Close()
		return w.EncodeAll(b, nil), nil
	default:
		return nil, fmt.Errorf("%w %q", ErrUnsupportedCodec, c.ID)
	}
	return buf.Bytes(), nil
}
