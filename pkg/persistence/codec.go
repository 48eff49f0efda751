package persistence

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"

	"github.com/vmihailenco/msgpack/v5"
)

// Binary format constants
const (
	MagicBytes    = "VRST"
	FormatVersion = 1
	headerSize    = 20
)

// Header precedes the msgpack payload on disk.
type Header struct {
	Magic    [4]byte
	Version  uint16
	Flags    uint16
	DataLen  uint64
	Checksum uint32
}

const (
	FlagCompressed uint16 = 1 << 0
)

var (
	ErrShortData        = errors.New("data too short")
	ErrBadMagic         = errors.New("invalid magic bytes")
	ErrUnsupported      = errors.New("unsupported format version")
	ErrChecksumMismatch = errors.New("checksum mismatch")
)

// Document is the persisted settings snapshot.
type Document struct {
	SavedAt int64          `msgpack:"saved_at"`
	Version string         `msgpack:"version"`
	Values  map[string]any `msgpack:"values"`
}

// Codec encodes settings documents.
type Codec struct {
	compress  bool
	compLevel int
}

// NewCodec creates a codec; compress enables gzip when it saves space.
func NewCodec(compress bool) *Codec {
	return &Codec{
		compress:  compress,
		compLevel: gzip.BestSpeed,
	}
}

// Encode serializes doc to the binary format.
func (c *Codec) Encode(doc *Document) ([]byte, error) {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return nil, err
	}

	var flags uint16
	if c.compress {
		compressed, err := c.compressData(data)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(data) {
			data = compressed
			flags |= FlagCompressed
		}
	}

	header := Header{
		Version:  FormatVersion,
		Flags:    flags,
		DataLen:  uint64(len(data)),
		Checksum: crc32.ChecksumIEEE(data),
	}
	copy(header.Magic[:], MagicBytes)

	buf := bytes.NewBuffer(make([]byte, 0, headerSize+len(data)))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return nil, err
	}
	if _, err := buf.Write(data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Decode parses the binary format.
func (c *Codec) Decode(raw []byte) (*Document, error) {
	if len(raw) < headerSize {
		return nil, ErrShortData
	}

	buf := bytes.NewReader(raw)
	var header Header
	if err := binary.Read(buf, binary.LittleEndian, &header); err != nil {
		return nil, err
	}
	if string(header.Magic[:]) != MagicBytes {
		return nil, ErrBadMagic
	}
	if header.Version > FormatVersion {
		return nil, ErrUnsupported
	}
	if header.DataLen > uint64(buf.Len()) {
		return nil, ErrShortData
	}

	data := make([]byte, header.DataLen)
	if _, err := io.ReadFull(buf, data); err != nil {
		return nil, err
	}
	if crc32.ChecksumIEEE(data) != header.Checksum {
		return nil, ErrChecksumMismatch
	}

	if header.Flags&FlagCompressed != 0 {
		decompressed, err := c.decompressData(data)
		if err != nil {
			return nil, err
		}
		data = decompressed
	}

	var doc Document
	if err := msgpack.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Values == nil {
		doc.Values = map[string]any{}
	}
	return &doc, nil
}

func (c *Codec) compressData(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.compLevel)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *Codec) decompressData(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}
