package render

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"sync"
)

// Encoder turns tile images into PNG bytes, reusing output buffers.
type Encoder struct {
	level      png.CompressionLevel
	bufferPool sync.Pool
}

// NewEncoder creates a PNG encoder. BestSpeed trades size for throughput;
// published tiles usually want DefaultCompression or BestCompression.
func NewEncoder(level png.CompressionLevel) *Encoder {
	return &Encoder{
		level: level,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
}

// EncodePNG encodes img.
func (e *Encoder) EncodePNG(img image.Image) ([]byte, error) {
	buf := e.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		e.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: e.level}
	if err := encoder.Encode(buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode png: %w", err)
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}

// EmptyTile encodes a fully transparent size x size tile.
func (e *Encoder) EmptyTile(size int) ([]byte, error) {
	return e.EncodePNG(image.NewRGBA(image.Rect(0, 0, size, size)))
}
