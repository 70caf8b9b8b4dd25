// Package cog reads tiled (cloud-optimized) GeoTIFFs through byte-range
// requests and serves pixel windows resampled to a fixed output size.
package cog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/gridtiles/server/internal/data/store"
)

// TIFF tags used by the reader.
const (
	tagNewSubfileType  = 254
	tagImageWidth      = 256
	tagImageLength     = 257
	tagBitsPerSample   = 258
	tagCompression     = 259
	tagSamplesPerPixel = 277
	tagPlanarConfig    = 284
	tagPredictor       = 317
	tagTileWidth       = 322
	tagTileLength      = 323
	tagTileOffsets     = 324
	tagTileByteCounts  = 325
	tagSampleFormat    = 339
	tagGDALNoData      = 42113
)

// Compression schemes.
const (
	compressionNone         = 1
	compressionLZW          = 5
	compressionDeflate      = 8
	compressionAdobeDeflate = 32946
	compressionZstd         = 50000
)

// Sample formats.
const (
	sampleFormatUint  = 1
	sampleFormatInt   = 2
	sampleFormatFloat = 3
)

const (
	headPrefetch  = 64 * 1024
	tileCacheSize = 256
)

// Image is one IFD: the full-resolution image or an overview.
type Image struct {
	Width, Height          int
	TileWidth, TileHeight  int
	BitsPerSample          int
	SampleFormat           int
	SamplesPerPixel        int
	PlanarConfig           int
	Compression            int
	Predictor              int
	NoData                 *float64
	offsets, counts        []uint64
	tilesAcross, tilesDown int
}

// File is an opened tiled TIFF.
type File struct {
	st     store.RangeStore
	key    string
	order  binary.ByteOrder
	big    bool
	head   []byte
	Images []*Image
	dec    *decoder
	tiles  *lru.Cache[tileRef, []float32]
	group  singleflight.Group
}

// Open parses every image directory of the TIFF at key.
func Open(ctx context.Context, st store.RangeStore, key string) (*File, error) {
	head, err := st.GetRange(ctx, key, 0, headPrefetch)
	if err != nil {
		return nil, fmt.Errorf("failed to read tiff header: %w", err)
	}
	dec, err := newDecoder()
	if err != nil {
		return nil, err
	}
	tiles, err := lru.New[tileRef, []float32](tileCacheSize)
	if err != nil {
		return nil, err
	}
	f := &File{st: st, key: key, head: head, dec: dec, tiles: tiles}

	ifd, err := f.readHeader()
	if err != nil {
		return nil, err
	}
	seen := make(map[uint64]bool)
	for ifd != 0 {
		if seen[ifd] {
			return nil, errors.New("tiff: IFD loop")
		}
		seen[ifd] = true
		img, next, err := f.readIFD(ctx, ifd)
		if err != nil {
			return nil, err
		}
		if img != nil {
			f.Images = append(f.Images, img)
		}
		ifd = next
	}
	if len(f.Images) == 0 {
		return nil, errors.New("tiff: no tiled images")
	}
	return f, nil
}

// Close releases decoder resources.
func (f *File) Close() {
	f.dec.close()
}

func (f *File) readAt(ctx context.Context, off, n uint64) ([]byte, error) {
	if off+n <= uint64(len(f.head)) {
		return f.head[off : off+n], nil
	}
	data, err := f.st.GetRange(ctx, f.key, int64(off), int64(n))
	if err != nil {
		return nil, err
	}
	if uint64(len(data)) < n {
		return nil, fmt.Errorf("tiff: short read at %d", off)
	}
	return data, nil
}

func (f *File) readHeader() (uint64, error) {
	h := f.head
	if len(h) < 8 {
		return 0, errors.New("tiff: file too short")
	}
	switch string(h[:2]) {
	case "II":
		f.order = binary.LittleEndian
	case "MM":
		f.order = binary.BigEndian
	default:
		return 0, errors.New("tiff: invalid byte order")
	}
	switch f.order.Uint16(h[2:]) {
	case 42:
		return uint64(f.order.Uint32(h[4:])), nil
	case 43:
		if len(h) < 16 || f.order.Uint16(h[4:]) != 8 {
			return 0, errors.New("tiff: invalid BigTIFF header")
		}
		f.big = true
		return f.order.Uint64(h[8:]), nil
	}
	return 0, errors.New("tiff: invalid identifier")
}

type entry struct {
	typ   uint16
	count uint64
	data  []byte
}

var typeSize = map[uint16]uint64{
	1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8, 16: 8, 17: 8, 18: 8,
}

func (f *File) readIFD(ctx context.Context, off uint64) (*Image, uint64, error) {
	countSize, entrySize, offSize := uint64(2), uint64(12), uint64(4)
	if f.big {
		countSize, entrySize, offSize = 8, 20, 8
	}

	raw, err := f.readAt(ctx, off, countSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD: %w", err)
	}
	var n uint64
	if f.big {
		n = f.order.Uint64(raw)
	} else {
		n = uint64(f.order.Uint16(raw))
	}

	body, err := f.readAt(ctx, off+countSize, n*entrySize+offSize)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read IFD entries: %w", err)
	}

	entries := make(map[uint16]entry, n)
	for i := uint64(0); i < n; i++ {
		e := body[i*entrySize : (i+1)*entrySize]
		tag := f.order.Uint16(e)
		typ := f.order.Uint16(e[2:])
		var count uint64
		var value []byte
		if f.big {
			count = f.order.Uint64(e[4:])
			value = e[12:20]
		} else {
			count = uint64(f.order.Uint32(e[4:]))
			value = e[8:12]
		}
		size := typeSize[typ] * count
		data := value[:min(size, offSize)]
		if size > offSize {
			var at uint64
			if f.big {
				at = f.order.Uint64(value)
			} else {
				at = uint64(f.order.Uint32(value))
			}
			data, err = f.readAt(ctx, at, size)
			if err != nil {
				return nil, 0, fmt.Errorf("failed to read tag %d: %w", tag, err)
			}
		}
		entries[tag] = entry{typ: typ, count: count, data: data}
	}

	tail := body[n*entrySize:]
	var next uint64
	if f.big {
		next = f.order.Uint64(tail)
	} else {
		next = uint64(f.order.Uint32(tail))
	}

	img, err := f.buildImage(entries)
	return img, next, err
}

func (f *File) uints(e entry) []uint64 {
	out := make([]uint64, 0, e.count)
	for i := uint64(0); i < e.count; i++ {
		switch e.typ {
		case 1, 6, 7:
			out = append(out, uint64(e.data[i]))
		case 3, 8:
			out = append(out, uint64(f.order.Uint16(e.data[2*i:])))
		case 4, 9:
			out = append(out, uint64(f.order.Uint32(e.data[4*i:])))
		case 16, 17, 18:
			out = append(out, f.order.Uint64(e.data[8*i:]))
		}
	}
	return out
}

func (f *File) uintTag(entries map[uint16]entry, tag uint16, def int) int {
	e, ok := entries[tag]
	if !ok {
		return def
	}
	v := f.uints(e)
	if len(v) == 0 {
		return def
	}
	return int(v[0])
}

// buildImage returns nil for images the reader skips (masks).
func (f *File) buildImage(entries map[uint16]entry) (*Image, error) {
	if f.uintTag(entries, tagNewSubfileType, 0)&4 != 0 {
		return nil, nil
	}
	img := &Image{
		Width:           f.uintTag(entries, tagImageWidth, 0),
		Height:          f.uintTag(entries, tagImageLength, 0),
		TileWidth:       f.uintTag(entries, tagTileWidth, 0),
		TileHeight:      f.uintTag(entries, tagTileLength, 0),
		BitsPerSample:   f.uintTag(entries, tagBitsPerSample, 8),
		SampleFormat:    f.uintTag(entries, tagSampleFormat, sampleFormatUint),
		SamplesPerPixel: f.uintTag(entries, tagSamplesPerPixel, 1),
		PlanarConfig:    f.uintTag(entries, tagPlanarConfig, 1),
		Compression:     f.uintTag(entries, tagCompression, compressionNone),
		Predictor:       f.uintTag(entries, tagPredictor, 1),
	}
	if img.Width == 0 || img.Height == 0 {
		return nil, errors.New("tiff: missing image size")
	}
	if img.TileWidth == 0 || img.TileHeight == 0 {
		return nil, errors.New("tiff: only tiled images are supported")
	}
	offs, ok := entries[tagTileOffsets]
	if !ok {
		return nil, errors.New("tiff: missing TileOffsets")
	}
	counts, ok := entries[tagTileByteCounts]
	if !ok {
		return nil, errors.New("tiff: missing TileByteCounts")
	}
	img.offsets = f.uints(offs)
	img.counts = f.uints(counts)
	img.tilesAcross = (img.Width + img.TileWidth - 1) / img.TileWidth
	img.tilesDown = (img.Height + img.TileHeight - 1) / img.TileHeight

	if nd, ok := entries[tagGDALNoData]; ok {
		s := strings.Trim(string(nd.data), "\x00 ")
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			img.NoData = &v
		}
	}
	return img, nil
}
