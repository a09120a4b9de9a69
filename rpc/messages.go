package rpc

import (
	"fmt"
	"io"

	"github.com/tinylib/msgp/msgp"
)

// BlockStatus is the outcome of one block in a reply.
type BlockStatus uint8

const (
	StatusOk BlockStatus = iota
	StatusNotFound
	StatusFailed
)

// ReadRequest asks for several blocks of one field and time.
type ReadRequest struct {
	Dataset     string
	Field       string
	Time        float64
	Compression string
	BlockIDs    []uint64
}

// WriteRequest stores one block.  Data is compressed with Compression.
type WriteRequest struct {
	Dataset     string
	Field       string
	Time        float64
	Compression string
	BlockID     uint64
	Data        []byte
	Token       string
}

// BlockReply carries one block.  Data is compressed with Compression when Status is StatusOk.
type BlockReply struct {
	BlockID     uint64
	Status      BlockStatus
	Error       string
	Compression string
	Data        []byte
}

// ReadReply holds the replies of a ReadRequest in request order.
type ReadReply struct {
	Blocks []BlockReply
}

// EncodeMsg writes the reply as a msgpack map.
func (b *BlockReply) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(5); err != nil {
		return err
	}
	if err := w.WriteString("id"); err != nil {
		return err
	}
	if err := w.WriteUint64(b.BlockID); err != nil {
		return err
	}
	if err := w.WriteString("status"); err != nil {
		return err
	}
	if err := w.WriteUint8(uint8(b.Status)); err != nil {
		return err
	}
	if err := w.WriteString("error"); err != nil {
		return err
	}
	if err := w.WriteString(b.Error); err != nil {
		return err
	}
	if err := w.WriteString("compression"); err != nil {
		return err
	}
	if err := w.WriteString(b.Compression); err != nil {
		return err
	}
	if err := w.WriteString("data"); err != nil {
		return err
	}
	return w.WriteBytes(b.Data)
}

// DecodeMsg reads a reply written by EncodeMsg.  Unknown keys are skipped.
func (b *BlockReply) DecodeMsg(r *msgp.Reader) error {
	n, err := r.ReadMapHeader()
	if err != nil {
		return err
	}
	for ; n > 0; n-- {
		key, err := r.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "id":
			b.BlockID, err = r.ReadUint64()
		case "status":
			var s uint8
			s, err = r.ReadUint8()
			b.Status = BlockStatus(s)
		case "error":
			b.Error, err = r.ReadString()
		case "compression":
			b.Compression, err = r.ReadString()
		case "data":
			b.Data, err = r.ReadBytes(nil)
		default:
			err = r.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// WriteBatch frames replies as a msgpack array.
func WriteBatch(out io.Writer, replies []BlockReply) error {
	w := msgp.NewWriter(out)
	if err := w.WriteArrayHeader(uint32(len(replies))); err != nil {
		return err
	}
	for i := range replies {
		if err := replies[i].EncodeMsg(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadBatch reads replies framed by WriteBatch.
func ReadBatch(in io.Reader) ([]BlockReply, error) {
	r := msgp.NewReader(in)
	n, err := r.ReadArrayHeader()
	if err != nil {
		return nil, fmt.Errorf("Bad block batch header: %v", err)
	}
	replies := make([]BlockReply, n)
	for i := range replies {
		if err := replies[i].DecodeMsg(r); err != nil {
			return nil, fmt.Errorf("Bad block %d of batch: %v", i, err)
		}
	}
	return replies, nil
}
