package ota

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/ccoveille/go-safecast"

	"ble-ota-flasher/internal/protocol"
)

const (
	// ChunkSize is the fixed data length of every upload packet.
	ChunkSize = 192
	// MinChunks is the smallest image, in chunks, the bootloader accepts.
	MinChunks = 10
	// PadByte fills the tail of the last chunk (erased flash value).
	PadByte byte = 0xFF
	// InitPayloadSize is size(4) + crc(4) + chunks(4) + core(1).
	InitPayloadSize = 13
	// maxChunks is bounded by the 16-bit packet sequence that carries the index.
	maxChunks = 1 << 16
)

// Image is an immutable firmware buffer split into fixed-size chunks.
type Image struct {
	path        string
	data        []byte
	totalChunks uint32
	core        protocol.Core

	crcOnce sync.Once
	crc     uint32
}

// ConfinePath keeps a remotely supplied firmware path inside dir by using
// only its base name. An empty dir returns path unchanged.
func ConfinePath(dir, path string) string {
	if dir == "" {
		return path
	}
	return filepath.Join(dir, filepath.Base(path))
}

// LoadImage reads a firmware file. Content is not validated beyond its length.
func LoadImage(path string, core protocol.Core) (*Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return nil, fmt.Errorf("read firmware %s: %w", path, err)
	}
	img, err := NewImage(data, core)
	if err != nil {
		return nil, err
	}
	img.path = path
	return img, nil
}

// NewImage wraps an in-memory firmware buffer. The buffer is copied.
func NewImage(data []byte, core protocol.Core) (*Image, error) {
	total, err := TotalChunks(len(data))
	if err != nil {
		return nil, err
	}
	return &Image{
		data:        append([]byte(nil), data...),
		totalChunks: total,
		core:        core,
	}, nil
}

// TotalChunks returns ceil(size / ChunkSize).
func TotalChunks(size int) (uint32, error) {
	n, err := safecast.ToUint32((size + ChunkSize - 1) / ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("image size %d: %w", size, err)
	}
	return n, nil
}

func (img *Image) Path() string        { return img.path }
func (img *Image) Size() int           { return len(img.data) }
func (img *Image) TotalChunks() uint32 { return img.totalChunks }
func (img *Image) Core() protocol.Core { return img.core }

// CRC returns the whole-image CRC32, computed on first use. An empty image
// yields 0.
func (img *Image) CRC() uint32 {
	img.crcOnce.Do(func() {
		if len(img.data) == 0 {
			img.crc = 0
			return
		}
		img.crc = protocol.CRC32(img.data, protocol.CRCSeed)
	})
	return img.crc
}

// Chunk returns chunk index padded to ChunkSize with PadByte.
func (img *Image) Chunk(index uint32) ([]byte, error) {
	if index >= img.totalChunks {
		return nil, fmt.Errorf("chunk %d out of range (total %d)", index, img.totalChunks)
	}
	start := int(index) * ChunkSize
	end := start + ChunkSize
	if end > len(img.data) {
		end = len(img.data)
	}
	chunk := make([]byte, ChunkSize)
	n := copy(chunk, img.data[start:end])
	for i := n; i < ChunkSize; i++ {
		chunk[i] = PadByte
	}
	return chunk, nil
}

// CheckUploadable enforces the bootloader's size limits.
func (img *Image) CheckUploadable() error {
	switch {
	case len(img.data) == 0:
		return fmt.Errorf("%w: empty image", ErrPrecondition)
	case img.CRC() == 0:
		return fmt.Errorf("%w: image crc is zero", ErrPrecondition)
	case img.totalChunks < MinChunks:
		return fmt.Errorf("%w: image has %d chunks, need at least %d", ErrPrecondition, img.totalChunks, MinChunks)
	case img.totalChunks > maxChunks:
		return fmt.Errorf("%w: image has %d chunks, sequence field allows %d", ErrPrecondition, img.totalChunks, maxChunks)
	}
	return nil
}

// InitPayload builds the OTA initialize payload.
func (img *Image) InitPayload() ([]byte, error) {
	size, err := safecast.ToUint32(len(img.data))
	if err != nil {
		return nil, fmt.Errorf("%w: image size: %v", ErrPrecondition, err)
	}
	p := make([]byte, InitPayloadSize)
	binary.BigEndian.PutUint32(p[0:4], size)
	binary.BigEndian.PutUint32(p[4:8], img.CRC())
	binary.BigEndian.PutUint32(p[8:12], img.totalChunks)
	p[12] = byte(img.core)
	return p, nil
}

func crcPayload(crc uint32) []byte {
	p := make([]byte, 4)
	binary.BigEndian.PutUint32(p, crc)
	return p
}
