package hzvol

import (
	"bytes"
	"errors"

	. "github.com/janelia-flyem/go/gocheck"
)

type SerializeSuite struct{}

var _ = Suite(&SerializeSuite{})

func testPayload() []byte {
	data := make([]byte, 10000)
	for i := range data {
		data[i] = byte((i * 7) % 13)
	}
	return data
}

func (s *SerializeSuite) TestCompression(c *C) {
	data := testPayload()
	for _, compress := range []Compression{Uncompressed, Snappy, LZ4, Zip, Zstd} {
		encoded, err := Compress(data, compress)
		c.Assert(err, IsNil)
		decoded, err := Decompress(encoded, compress)
		c.Assert(err, IsNil)
		c.Assert(bytes.Equal(decoded, data), Equals, true, Commentf("codec %s", compress))

		name, err := ParseCompression(compress.String())
		c.Assert(err, IsNil)
		c.Assert(name, Equals, compress)
	}

	_, err := ParseCompression("rar")
	c.Assert(errors.Is(err, ErrValidation), Equals, true)
}

func (s *SerializeSuite) TestSerializeData(c *C) {
	data := testPayload()
	for _, compress := range []Compression{Uncompressed, Snappy, LZ4, Zip, Zstd} {
		for _, checksum := range []Checksum{NoChecksum, CRC32} {
			b, err := SerializeData(data, compress, checksum)
			c.Assert(err, IsNil)
			out, gotCompress, err := DeserializeData(b)
			c.Assert(err, IsNil)
			c.Assert(gotCompress, Equals, compress)
			c.Assert(bytes.Equal(out, data), Equals, true)

			if checksum != NoChecksum {
				b[len(b)-1] ^= 0x04
				_, _, err = DeserializeData(b)
				c.Assert(errors.Is(err, ErrIO), Equals, true)
			}
		}
	}
	_, _, err := DeserializeData(nil)
	c.Assert(err, NotNil)
}
