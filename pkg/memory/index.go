package memory

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
)

// indexMagic identifies a flat L2 vector file.
var indexMagic = [8]byte{'S', 'O', 'C', 'H', 'V', 'E', 'C', '1'}

const (
	indexVersion uint32 = 1
	// indexHeaderSize covers magic, version, dimension and count.
	indexHeaderSize = 24
)

var errIndexFormat = errors.New("unrecognized vector index format")

// encodeIndex lays out magic, version, dimension, count and then the
// vectors as little-endian float32, row after row.
func encodeIndex(dim int, vectors []float32) []byte {
	count := 0
	if dim > 0 {
		count = len(vectors) / dim
	}

	var buf bytes.Buffer
	buf.Grow(indexHeaderSize + 4*len(vectors))
	buf.Write(indexMagic[:])
	_ = binary.Write(&buf, binary.LittleEndian, indexVersion)
	_ = binary.Write(&buf, binary.LittleEndian, uint32(dim))
	_ = binary.Write(&buf, binary.LittleEndian, uint64(count))

	var word [4]byte
	for _, v := range vectors {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		buf.Write(word[:])
	}
	return buf.Bytes()
}

// readIndex loads an index written by encodeIndex.
func readIndex(path string) (dim int, vectors []float32, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()
	r := bufio.NewReader(f)

	var header struct {
		Magic   [8]byte
		Version uint32
		Dim     uint32
		Count   uint64
	}
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return 0, nil, fmt.Errorf("%w: %v", errIndexFormat, err)
	}
	if header.Magic != indexMagic || header.Version != indexVersion {
		return 0, nil, errIndexFormat
	}

	if header.Dim == 0 {
		return 0, nil, fmt.Errorf("%w: zero dimension", errIndexFormat)
	}
	info, err := f.Stat()
	if err != nil {
		return 0, nil, err
	}
	// Bound the count by the file size before multiplying.
	if size := uint64(info.Size()); size < indexHeaderSize || header.Count > (size-indexHeaderSize)/(4*uint64(header.Dim)) {
		return 0, nil, fmt.Errorf("%w: truncated", errIndexFormat)
	}
	n := header.Count * uint64(header.Dim)

	vectors = make([]float32, n)
	var word [4]byte
	for i := range vectors {
		if _, err := io.ReadFull(r, word[:]); err != nil {
			return 0, nil, fmt.Errorf("%w: %v", errIndexFormat, err)
		}
		vectors[i] = math.Float32frombits(binary.LittleEndian.Uint32(word[:]))
	}
	return int(header.Dim), vectors, nil
}

// l2 is the Euclidean distance between two equal-length vectors.
func l2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
