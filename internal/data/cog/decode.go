package cog

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/image/tiff/lzw"
)

type decoder struct {
	zstd *zstd.Decoder
}

func newDecoder() (*decoder, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &decoder{zstd: dec}, nil
}

func (d *decoder) close() {
	d.zstd.Close()
}

func (d *decoder) decompress(compression int, data []byte) ([]byte, error) {
	switch compression {
	case compressionNone:
		// predictors decode in place; never alias the store's bytes
		return append([]byte(nil), data...), nil
	case compressionDeflate, compressionAdobeDeflate:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case compressionLZW:
		r := lzw.NewReader(bytes.NewReader(data), lzw.MSB, 8)
		defer r.Close()
		return io.ReadAll(r)
	case compressionZstd:
		return d.zstd.DecodeAll(data, nil)
	}
	return nil, fmt.Errorf("unsupported tiff compression %d", compression)
}

// readTile fetches, decompresses and converts tile number n of img. Only the
// first sample of each pixel is returned.
func (f *File) readTile(ctx context.Context, img *Image, n int) ([]float32, error) {
	if n < 0 || n >= len(img.offsets) || n >= len(img.counts) {
		return nil, fmt.Errorf("tile index %d out of bounds", n)
	}
	pixels := img.TileWidth * img.TileHeight
	if img.counts[n] == 0 {
		return fillTile(pixels), nil
	}

	raw, err := f.readAt(ctx, img.offsets[n], img.counts[n])
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %d: %w", n, err)
	}
	data, err := f.dec.decompress(img.Compression, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress tile %d: %w", n, err)
	}

	size := img.BitsPerSample / 8
	spp := img.SamplesPerPixel
	if img.PlanarConfig == 2 {
		// separate planes: the first plane holds sample 0
		spp = 1
	}
	rowBytes := img.TileWidth * spp * size
	if len(data) < rowBytes*img.TileHeight {
		return nil, fmt.Errorf("tile %d decoded to %d bytes, expected %d", n, len(data), rowBytes*img.TileHeight)
	}

	order := f.order
	switch img.Predictor {
	case 1:
	case 2:
		if err := undoHorizontal(data, img.TileWidth, img.TileHeight, spp, size, order); err != nil {
			return nil, err
		}
	case 3:
		undoFloatingPoint(data, img.TileWidth, img.TileHeight, spp, size)
		order = binary.BigEndian
	default:
		return nil, fmt.Errorf("unsupported predictor %d", img.Predictor)
	}

	out := make([]float32, pixels)
	for i := range out {
		b := data[i*spp*size:]
		v, err := sample(b, img.SampleFormat, size, order)
		if err != nil {
			return nil, err
		}
		if img.NoData != nil && v == *img.NoData {
			v = math.NaN()
		}
		out[i] = float32(v)
	}
	return out, nil
}

func fillTile(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(math.NaN())
	}
	return out
}

func sample(b []byte, format, size int, order binary.ByteOrder) (float64, error) {
	switch {
	case format == sampleFormatFloat && size == 4:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case format == sampleFormatFloat && size == 8:
		return math.Float64frombits(order.Uint64(b)), nil
	case format == sampleFormatInt && size == 1:
		return float64(int8(b[0])), nil
	case format == sampleFormatInt && size == 2:
		return float64(int16(order.Uint16(b))), nil
	case format == sampleFormatInt && size == 4:
		return float64(int32(order.Uint32(b))), nil
	case format == sampleFormatUint && size == 1:
		return float64(b[0]), nil
	case format == sampleFormatUint && size == 2:
		return float64(order.Uint16(b)), nil
	case format == sampleFormatUint && size == 4:
		return float64(order.Uint32(b)), nil
	}
	return 0, fmt.Errorf("unsupported sample format %d with %d bytes", format, size)
}

// undoHorizontal reverses predictor 2 for integer samples.
func undoHorizontal(data []byte, width, height, spp, size int, order binary.ByteOrder) error {
	rowBytes := width * spp * size
	for y := 0; y < height; y++ {
		row := data[y*rowBytes : (y+1)*rowBytes]
		for i := spp; i < width*spp; i++ {
			cur, prev := row[i*size:], row[(i-spp)*size:]
			switch size {
			case 1:
				cur[0] += prev[0]
			case 2:
				order.PutUint16(cur, order.Uint16(cur)+order.Uint16(prev))
			case 4:
				order.PutUint32(cur, order.Uint32(cur)+order.Uint32(prev))
			case 8:
				order.PutUint64(cur, order.Uint64(cur)+order.Uint64(prev))
			default:
				return fmt.Errorf("unsupported predictor sample size %d", size)
			}
		}
	}
	return nil
}

// undoFloatingPoint reverses predictor 3. Each row stores byte planes, most
// significant byte first, differenced byte-wise; the result is big-endian.
func undoFloatingPoint(data []byte, width, height, spp, size int) {
	rowBytes := width * spp * size
	count := width * spp
	tmp := make([]byte, rowBytes)
	for y := 0; y < height; y++ {
		row := data[y*rowBytes : (y+1)*rowBytes]
		for i := spp; i < rowBytes; i++ {
			row[i] += row[i-spp]
		}
		copy(tmp, row)
		for i := 0; i < count; i++ {
			for b := 0; b < size; b++ {
				row[i*size+b] = tmp[b*count+i]
			}
		}
	}
}
