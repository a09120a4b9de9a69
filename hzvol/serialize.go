/*
	This file supports compression of block data and the self-describing envelope used by
	key-value block stores.
*/

package hzvol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"strings"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression is the codec applied to a block's bytes.
// NOTE: Should be no more than 8 (3 bits) of compression types.
type Compression uint8

const (
	Uncompressed Compression = iota
	Snappy
	LZ4
	Zip
	Zstd
)

func (compress Compression) String() string {
	switch compress {
	case Uncompressed:
		return "raw"
	case Snappy:
		return "snappy"
	case LZ4:
		return "lz4"
	case Zip:
		return "zip"
	case Zstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseCompression maps a codec name to a Compression.  An empty name is raw.
func ParseCompression(name string) (Compression, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "raw", "none":
		return Uncompressed, nil
	case "snappy":
		return Snappy, nil
	case "lz4":
		return LZ4, nil
	case "zip", "zlib":
		return Zip, nil
	case "zstd":
		return Zstd, nil
	default:
		return Uncompressed, fmt.Errorf("Unknown compression %q: %w", name, ErrValidation)
	}
}

// Checksum is the type of checksum employed for error checking stored data.
// NOTE: Should be no more than 4 (2 bits) of checksum types.
type Checksum uint8

const (
	NoChecksum Checksum = iota
	CRC32
)

func (checksum Checksum) String() string {
	switch checksum {
	case NoChecksum:
		return "No checksum"
	case CRC32:
		return "CRC32 checksum"
	default:
		return "Unknown checksum"
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Compress encodes data with the given codec.
func Compress(data []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Encode(nil, data), nil
	case LZ4:
		// original size is stored up front since lz4 blocks don't carry it
		out := make([]byte, 4+lz4.CompressBlockBound(len(data)))
		binary.LittleEndian.PutUint32(out[0:4], uint32(len(data)))
		var c lz4.Compressor
		n, err := c.CompressBlock(data, out[4:])
		if err != nil {
			return nil, err
		}
		if n == 0 && len(data) > 0 {
			return nil, fmt.Errorf("Unable to lz4 compress %d bytes", len(data))
		}
		return out[:4+n], nil
	case Zip:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case Zstd:
		return zstdEncoder.EncodeAll(data, make([]byte, 0, len(data)/2)), nil
	default:
		return nil, fmt.Errorf("Illegal compression (%d) during compression: %w", compress, ErrValidation)
	}
}

// Decompress decodes data written by Compress.
func Decompress(data []byte, compress Compression) ([]byte, error) {
	switch compress {
	case Uncompressed:
		return data, nil
	case Snappy:
		return snappy.Decode(nil, data)
	case LZ4:
		if len(data) < 4 {
			return nil, fmt.Errorf("Expected at least 4 bytes in lz4 block, got %d", len(data))
		}
		origSize := binary.LittleEndian.Uint32(data[0:4])
		out := make([]byte, origSize)
		n, err := lz4.UncompressBlock(data[4:], out)
		if err != nil {
			return nil, err
		}
		if n != int(origSize) {
			return nil, fmt.Errorf("Expected %d bytes from lz4 block, got %d", origSize, n)
		}
		return out, nil
	case Zip:
		r, err := zlib.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	case Zstd:
		return zstdDecoder.DecodeAll(data, nil)
	default:
		return nil, fmt.Errorf("Illegal compression (%d) during decompression: %w", compress, ErrValidation)
	}
}

// SerializationFormat is a single byte combining both compression and checksum methods.
type SerializationFormat uint8

func EncodeSerializationFormat(compress Compression, checksum Checksum) SerializationFormat {
	a := (uint8(compress) & 0x07) << 5
	b := (uint8(checksum) & 0x03) << 3
	return SerializationFormat(a | b)
}

func DecodeSerializationFormat(s SerializationFormat) (compress Compression, checksum Checksum) {
	compress = Compression(uint8(s) >> 5)
	checksum = Checksum((uint8(s) >> 3) & 0x03)
	return
}

// SerializeData compresses data and prefixes it with its format byte and optional checksum.
func SerializeData(data []byte, compress Compression, checksum Checksum) ([]byte, error) {
	byteData, err := Compress(data, compress)
	if err != nil {
		return nil, err
	}
	var buffer bytes.Buffer
	buffer.WriteByte(byte(EncodeSerializationFormat(compress, checksum)))
	switch checksum {
	case NoChecksum:
	case CRC32:
		var crc [4]byte
		binary.LittleEndian.PutUint32(crc[:], crc32.ChecksumIEEE(byteData))
		buffer.Write(crc[:])
	default:
		return nil, fmt.Errorf("Illegal checksum (%s) in SerializeData()", checksum)
	}
	buffer.Write(byteData)
	return buffer.Bytes(), nil
}

// DeserializeData verifies and uncompresses bytes written by SerializeData.
func DeserializeData(s []byte) (data []byte, compress Compression, err error) {
	if len(s) == 0 {
		err = fmt.Errorf("Cannot deserialize empty data: %w", ErrIO)
		return
	}
	var checksum Checksum
	compress, checksum = DecodeSerializationFormat(SerializationFormat(s[0]))
	cdata := s[1:]
	switch checksum {
	case NoChecksum:
	case CRC32:
		if len(cdata) < 4 {
			err = fmt.Errorf("Serialized data too short for checksum: %w", ErrIO)
			return
		}
		storedCrc32 := binary.LittleEndian.Uint32(cdata[0:4])
		cdata = cdata[4:]
		if crc := crc32.ChecksumIEEE(cdata); crc != storedCrc32 {
			err = fmt.Errorf("Bad checksum.  Stored %x got %x: %w", storedCrc32, crc, ErrIO)
			return
		}
	default:
		err = fmt.Errorf("Illegal checksum in deserializing data: %w", ErrIO)
		return
	}
	data, err = Decompress(cdata, compress)
	return
}
