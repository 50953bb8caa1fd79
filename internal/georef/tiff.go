package georef

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// TIFF and GeoTIFF tags read from the first IFD.
const (
	tagImageWidth          = 256
	tagImageLength         = 257
	tagModelPixelScale     = 33550
	tagModelTiepoint       = 33922
	tagModelTransformation = 34264
	tagGeoKeyDirectory     = 34735
)

// GeoKey ids.
const (
	keyModelType     = 1024
	keyGeographicCRS = 2048
	keyProjectedCRS  = 3072
)

const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeRatio  = 5
	typeSByte  = 6
	typeUndef  = 7
	typeSShort = 8
	typeSLong  = 9
	typeSRatio = 10
	typeFloat  = 11
	typeDouble = 12
)

var typeSize = map[uint16]uint32{
	typeByte: 1, typeASCII: 1, typeShort: 2, typeLong: 4, typeRatio: 8,
	typeSByte: 1, typeUndef: 1, typeSShort: 2, typeSLong: 4, typeSRatio: 8,
	typeFloat: 4, typeDouble: 8,
}

var (
	// ErrNotTIFF is returned for files without a classic TIFF header.
	ErrNotTIFF = errors.New("not a TIFF file")

	errBigTIFF = errors.New("BigTIFF is not supported")
)

// geoTIFF holds the tags needed to place a raster.
type geoTIFF struct {
	Width, Height  int
	PixelScale     []float64
	Tiepoints      []float64
	Transformation []float64
	GeoKeys        map[uint16]uint16
}

type ifdEntry struct {
	tag, typ uint16
	count    uint32
	raw      [4]byte
}

// readGeoTIFF parses IFD0 of a classic TIFF.
func readGeoTIFF(r io.ReaderAt) (*geoTIFF, error) {
	var hdr [8]byte
	if _, err := r.ReadAt(hdr[:], 0); err != nil {
		return nil, ErrNotTIFF
	}
	var bo binary.ByteOrder
	switch string(hdr[:2]) {
	case "II":
		bo = binary.LittleEndian
	case "MM":
		bo = binary.BigEndian
	default:
		return nil, ErrNotTIFF
	}
	switch bo.Uint16(hdr[2:4]) {
	case 42:
	case 43:
		return nil, errBigTIFF
	default:
		return nil, ErrNotTIFF
	}

	off := int64(bo.Uint32(hdr[4:8]))
	var cnt [2]byte
	if _, err := r.ReadAt(cnt[:], off); err != nil {
		return nil, fmt.Errorf("read IFD: %w", err)
	}
	n := int(bo.Uint16(cnt[:]))
	buf := make([]byte, 12*n)
	if _, err := r.ReadAt(buf, off+2); err != nil {
		return nil, fmt.Errorf("read IFD entries: %w", err)
	}

	g := &geoTIFF{GeoKeys: map[uint16]uint16{}}
	var geoDir []uint64
	for i := 0; i < n; i++ {
		b := buf[12*i : 12*i+12]
		e := ifdEntry{tag: bo.Uint16(b[0:2]), typ: bo.Uint16(b[2:4]), count: bo.Uint32(b[4:8])}
		copy(e.raw[:], b[8:12])

		switch e.tag {
		case tagImageWidth, tagImageLength:
			vals, err := readUints(r, bo, e)
			if err != nil || len(vals) == 0 {
				return nil, fmt.Errorf("tag %d: %w", e.tag, errOr(err))
			}
			if e.tag == tagImageWidth {
				g.Width = int(vals[0])
			} else {
				g.Height = int(vals[0])
			}
		case tagModelPixelScale, tagModelTiepoint, tagModelTransformation:
			vals, err := readDoubles(r, bo, e)
			if err != nil {
				return nil, fmt.Errorf("tag %d: %w", e.tag, err)
			}
			switch e.tag {
			case tagModelPixelScale:
				g.PixelScale = vals
			case tagModelTiepoint:
				g.Tiepoints = vals
			default:
				g.Transformation = vals
			}
		case tagGeoKeyDirectory:
			vals, err := readUints(r, bo, e)
			if err != nil {
				return nil, fmt.Errorf("geokey directory: %w", err)
			}
			geoDir = vals
		}
	}

	// header is 4 shorts, then 4 shorts per key; only inline values matter
	if len(geoDir) >= 4 {
		keys := int(geoDir[3])
		for k := 0; k < keys && 4+4*k+3 < len(geoDir); k++ {
			entry := geoDir[4+4*k : 4+4*k+4]
			if entry[1] == 0 {
				g.GeoKeys[uint16(entry[0])] = uint16(entry[3])
			}
		}
	}
	return g, nil
}

func errOr(err error) error {
	if err != nil {
		return err
	}
	return errors.New("empty value")
}

func entryBytes(r io.ReaderAt, bo binary.ByteOrder, e ifdEntry) ([]byte, error) {
	size, ok := typeSize[e.typ]
	if !ok {
		return nil, fmt.Errorf("unsupported field type %d", e.typ)
	}
	total := uint64(size) * uint64(e.count)
	if total > 1<<24 {
		return nil, fmt.Errorf("field too large (%d bytes)", total)
	}
	if total <= 4 {
		return e.raw[:total], nil
	}
	data := make([]byte, total)
	if _, err := r.ReadAt(data, int64(bo.Uint32(e.raw[:]))); err != nil {
		return nil, err
	}
	return data, nil
}

func readUints(r io.ReaderAt, bo binary.ByteOrder, e ifdEntry) ([]uint64, error) {
	data, err := entryBytes(r, bo, e)
	if err != nil {
		return nil, err
	}
	out := make([]uint64, 0, e.count)
	for i := uint32(0); i < e.count; i++ {
		switch e.typ {
		case typeByte:
			out = append(out, uint64(data[i]))
		case typeShort:
			out = append(out, uint64(bo.Uint16(data[2*i:])))
		case typeLong:
			out = append(out, uint64(bo.Uint32(data[4*i:])))
		default:
			return nil, fmt.Errorf("expected integer field, got type %d", e.typ)
		}
	}
	return out, nil
}

func readDoubles(r io.ReaderAt, bo binary.ByteOrder, e ifdEntry) ([]float64, error) {
	data, err := entryBytes(r, bo, e)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, e.count)
	for i := uint32(0); i < e.count; i++ {
		switch e.typ {
		case typeDouble:
			out = append(out, math.Float64frombits(bo.Uint64(data[8*i:])))
		case typeFloat:
			out = append(out, float64(math.Float32frombits(bo.Uint32(data[4*i:]))))
		default:
			return nil, fmt.Errorf("expected floating point field, got type %d", e.typ)
		}
	}
	return out, nil
}
