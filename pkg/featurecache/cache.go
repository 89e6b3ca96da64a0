// Package featurecache stores computed feature stacks on disk so unchanged
// planes are not recomputed across runs.
package featurecache

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"trainableseg/internal/models"
	"trainableseg/pkg/features"
)

const (
	magic   = "TSFC"
	version = uint16(1)

	// magic | version u16 | codec u8 | raw size u64 | stored size u64
	headerSize = 4 + 2 + 1 + 8 + 8

	fileExt = ".tsfc"
)

// ErrCorrupt is returned for cache files that cannot be decoded
var ErrCorrupt = errors.New("corrupt feature cache file")

// Cache is a directory of compressed feature stacks keyed by content
type Cache struct {
	dir   string
	codec Codec
	log   logrus.FieldLogger
}

// New opens (and creates if needed) a cache directory
func New(dir string, codec Codec) (*Cache, error) {
	if dir == "" {
		return nil, models.NewConfigurationError("cache directory is empty")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, codec: codec, log: logrus.StandardLogger()}, nil
}

// SetLogger replaces the logger, nil restores the standard logger
func (c *Cache) SetLogger(l logrus.FieldLogger) {
	if l == nil {
		l = logrus.StandardLogger()
	}
	c.log = l
}

// Dir returns the cache directory
func (c *Cache) Dir() string { return c.dir }

// Codec returns the codec used for new entries
func (c *Cache) Codec() Codec { return c.codec }

// Key identifies the channels a configured stack would compute: it hashes
// the source geometry, bit depth and samples together with the channel
// labels of the configuration.
func Key(stack *features.FeatureStack) string {
	h := sha256.New()
	var buf [8]byte

	writeInt := func(v int) {
		binary.LittleEndian.PutUint64(buf[:], uint64(v))
		h.Write(buf[:])
	}

	sources := stack.Sources()
	writeInt(len(sources))
	for _, p := range sources {
		writeInt(p.Width)
		writeInt(p.Height)
		writeInt(p.BitDepth)
		for _, v := range p.Pix {
			binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			h.Write(buf[:4])
		}
	}
	for _, l := range stack.Config().Labels() {
		writeInt(len(l))
		h.Write([]byte(l))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func (c *Cache) path(key string) string {
	return filepath.Join(c.dir, key+fileExt)
}

// Store writes the channels of a computed stack under key. The file is
// written to a temporary name and renamed into place.
func (c *Cache) Store(key string, stack *features.FeatureStack) error {
	payload := encodeStack(stack)
	compressed, err := compress(payload, c.codec)
	if err != nil {
		return fmt.Errorf("failed to compress feature stack: %w", err)
	}

	codec := c.codec
	body := compressed
	if body == nil {
		codec, body = CodecNone, payload
	}

	header := make([]byte, headerSize)
	copy(header, magic)
	binary.LittleEndian.PutUint16(header[4:], version)
	header[6] = byte(codec)
	binary.LittleEndian.PutUint64(header[7:], uint64(len(payload)))
	binary.LittleEndian.PutUint64(header[15:], uint64(len(body)))

	tmp, err := os.CreateTemp(c.dir, key+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(header); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), c.path(key)); err != nil {
		return fmt.Errorf("failed to install cache file: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"key":      key[:12],
		"channels": stack.Size(),
		"codec":    codec.String(),
		"bytes":    headerSize + len(body),
	}).Debug("Stored feature stack")
	return nil
}

// Load restores the channels stored under key into a configured stack. It
// reports false without error when no entry exists.
func (c *Cache) Load(key string, stack *features.FeatureStack) (bool, error) {
	data, err := os.ReadFile(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache file: %w", err)
	}

	payload, err := decodeFile(data)
	if err != nil {
		return false, err
	}
	labels, planes, err := decodeStack(payload)
	if err != nil {
		return false, err
	}
	if err := stack.Restore(labels, planes); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the entry stored under key, if any
func (c *Cache) Remove(key string) error {
	err := os.Remove(c.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func decodeFile(data []byte) ([]byte, error) {
	if len(data) < headerSize || string(data[:4]) != magic {
		return nil, fmt.Errorf("%w: bad header", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, v)
	}
	codec := Codec(data[6])
	rawSize := binary.LittleEndian.Uint64(data[7:])
	storedSize := binary.LittleEndian.Uint64(data[15:])
	body := data[headerSize:]
	if uint64(len(body)) != storedSize {
		return nil, fmt.Errorf("%w: body is %d bytes, header says %d", ErrCorrupt, len(body), storedSize)
	}

	if codec == CodecNone {
		if storedSize != rawSize {
			return nil, fmt.Errorf("%w: raw body size mismatch", ErrCorrupt)
		}
		return body, nil
	}
	payload, err := decompress(body, codec, rawSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return payload, nil
}

// encodeStack lays out width, height, channel count and then every
// channel as label length, label and little-endian float32 samples.
func encodeStack(stack *features.FeatureStack) []byte {
	labels := stack.Labels()
	pixels := stack.Width() * stack.Height()

	size := 12
	for _, l := range labels {
		size += 2 + len(l) + 4*pixels
	}
	buf := bytes.NewBuffer(make([]byte, 0, size))

	var scratch [4]byte
	putU32 := func(v uint32) {
		binary.LittleEndian.PutUint32(scratch[:], v)
		buf.Write(scratch[:4])
	}

	putU32(uint32(stack.Width()))
	putU32(uint32(stack.Height()))
	putU32(uint32(len(labels)))
	for i, l := range labels {
		binary.LittleEndian.PutUint16(scratch[:], uint16(len(l)))
		buf.Write(scratch[:2])
		buf.WriteString(l)
		for _, v := range stack.Channel(i).Pix {
			putU32(math.Float32bits(v))
		}
	}
	return buf.Bytes()
}

func decodeStack(payload []byte) ([]string, []*models.Plane, error) {
	r := payload
	need := func(n int) error {
		if len(r) < n {
			return fmt.Errorf("%w: truncated payload", ErrCorrupt)
		}
		return nil
	}
	u32 := func() uint32 {
		v := binary.LittleEndian.Uint32(r)
		r = r[4:]
		return v
	}

	if err := need(12); err != nil {
		return nil, nil, err
	}
	w, h, n := uint64(u32()), uint64(u32()), uint64(u32())
	if w == 0 || h == 0 {
		return nil, nil, fmt.Errorf("%w: empty %dx%d plane", ErrCorrupt, w, h)
	}
	// every channel needs at least its length prefix and samples
	remaining := uint64(len(r))
	if w*h > remaining/4 || n > remaining/(2+4*w*h) {
		return nil, nil, fmt.Errorf("%w: %d channels of %dx%d exceed %d bytes", ErrCorrupt, n, w, h, remaining)
	}
	width, height, count := int(w), int(h), int(n)
	pixels := width * height

	labels := make([]string, 0, count)
	planes := make([]*models.Plane, 0, count)
	for c := 0; c < count; c++ {
		if err := need(2); err != nil {
			return nil, nil, err
		}
		n := int(binary.LittleEndian.Uint16(r))
		r = r[2:]
		if err := need(n + 4*pixels); err != nil {
			return nil, nil, err
		}
		labels = append(labels, string(r[:n]))
		r = r[n:]

		p := models.NewPlane(width, height)
		for i := range p.Pix {
			p.Pix[i] = math.Float32frombits(u32())
		}
		planes = append(planes, p)
	}
	if len(r) != 0 {
		return nil, nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(r))
	}
	return labels, planes, nil
}
