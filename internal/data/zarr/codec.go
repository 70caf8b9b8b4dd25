package zarr

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

// Decoder decompresses chunk payloads. It is safe for concurrent use.
type Decoder struct {
	zstd *zstd.Decoder
}

// NewDecoder creates a decoder.
func NewDecoder() (*Decoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &Decoder{zstd: dec}, nil
}

// Close releases the zstd decoder.
func (d *Decoder) Close() {
	d.zstd.Close()
}

// Decompress undoes the codec pipeline, last codec first.
func (d *Decoder) Decompress(codecs []string, data []byte) ([]byte, error) {
	var err error
	for i := len(codecs) - 1; i >= 0; i-- {
		switch codecs[i] {
		case "zstd":
			data, err = d.zstd.DecodeAll(data, nil)
			if err != nil {
				return nil, fmt.Errorf("zstd decompress failed: %w", err)
			}
		case "gzip":
			data, err = readAll(gzip.NewReader(bytes.NewReader(data)))
			if err != nil {
				return nil, fmt.Errorf("gzip decompress failed: %w", err)
			}
		case "zlib":
			data, err = readAll(zlib.NewReader(bytes.NewReader(data)))
			if err != nil {
				return nil, fmt.Errorf("zlib decompress failed: %w", err)
			}
		case "crc32c":
			if len(data) < 4 {
				return nil, fmt.Errorf("crc32c: payload too short")
			}
			data = data[:len(data)-4]
		default:
			return nil, fmt.Errorf("unsupported zarr codec %q", codecs[i])
		}
	}
	return data, nil
}

func readAll(r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// DecodeFloats converts raw little- or big-endian samples to float64.
func DecodeFloats(raw []byte, dt DType) ([]float64, error) {
	if dt.Kind == 'S' || dt.Kind == 'U' {
		return nil, fmt.Errorf("cannot decode string dtype as numbers")
	}
	if dt.Size <= 0 || len(raw)%dt.Size != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a multiple of element size %d", len(raw), dt.Size)
	}
	n := len(raw) / dt.Size
	out := make([]float64, n)
	o := dt.Order
	for i := 0; i < n; i++ {
		b := raw[i*dt.Size : (i+1)*dt.Size]
		switch {
		case dt.Kind == 'f' && dt.Size == 4:
			out[i] = float64(math.Float32frombits(o.Uint32(b)))
		case dt.Kind == 'f' && dt.Size == 8:
			out[i] = math.Float64frombits(o.Uint64(b))
		case dt.Kind == 'i' && dt.Size == 1:
			out[i] = float64(int8(b[0]))
		case dt.Kind == 'i' && dt.Size == 2:
			out[i] = float64(int16(o.Uint16(b)))
		case dt.Kind == 'i' && dt.Size == 4:
			out[i] = float64(int32(o.Uint32(b)))
		case dt.Kind == 'i' && dt.Size == 8:
			out[i] = float64(int64(o.Uint64(b)))
		case (dt.Kind == 'u' || dt.Kind == 'b') && dt.Size == 1:
			out[i] = float64(b[0])
		case dt.Kind == 'u' && dt.Size == 2:
			out[i] = float64(o.Uint16(b))
		case dt.Kind == 'u' && dt.Size == 4:
			out[i] = float64(o.Uint32(b))
		case dt.Kind == 'u' && dt.Size == 8:
			out[i] = float64(o.Uint64(b))
		default:
			return nil, fmt.Errorf("unsupported element type %c%d", dt.Kind, dt.Size)
		}
	}
	return out, nil
}

// DecodeStrings converts fixed-width byte (S) or UTF-32 (U) strings.
func DecodeStrings(raw []byte, dt DType) ([]string, error) {
	if dt.Size <= 0 || len(raw)%dt.Size != 0 {
		return nil, fmt.Errorf("payload of %d bytes is not a multiple of element size %d", len(raw), dt.Size)
	}
	n := len(raw) / dt.Size
	out := make([]string, n)
	for i := 0; i < n; i++ {
		b := raw[i*dt.Size : (i+1)*dt.Size]
		switch dt.Kind {
		case 'S':
			out[i] = strings.TrimRight(string(b), "\x00")
		case 'U':
			var sb strings.Builder
			for j := 0; j+4 <= len(b); j += 4 {
				r := rune(dt.Order.Uint32(b[j:]))
				if r == 0 {
					break
				}
				if !utf8.ValidRune(r) {
					r = utf8.RuneError
				}
				sb.WriteRune(r)
			}
			out[i] = sb.String()
		default:
			return nil, fmt.Errorf("dtype %c is not a string type", dt.Kind)
		}
	}
	return out, nil
}
