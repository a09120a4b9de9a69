package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

// Backend resolves a dataset name to the access that serves its blocks.
type Backend interface {
	Lookup(dataset string) (*storage.DatasetInfo, storage.Access, error)
}

// Service answers block requests against a Backend.  It is shared by the HTTP and gorpc
// front ends.
type Service struct {
	Backend Backend

	// Authorize, if set, must accept the token of every write.
	Authorize func(token string) error
}

func (s *Service) lookup(dataset, fieldname string) (*storage.DatasetInfo, storage.Access, hzvol.Field, error) {
	if s.Backend == nil {
		return nil, nil, hzvol.Field{}, fmt.Errorf("No backend for block service: %w", hzvol.ErrValidation)
	}
	info, access, err := s.Backend.Lookup(dataset)
	if err != nil {
		return nil, nil, hzvol.Field{}, err
	}
	if fieldname == "" && len(info.Fields) > 0 {
		return info, access, info.Fields[0], nil
	}
	field, err := info.Field(fieldname)
	return info, access, field, err
}

// ReadBlocks reads every requested block.  Per-block failures are reported in the reply.
func (s *Service) ReadBlocks(ctx context.Context, req ReadRequest) (ReadReply, error) {
	info, access, field, err := s.lookup(req.Dataset, req.Field)
	if err != nil {
		return ReadReply{}, err
	}
	if !info.HasTime(req.Time) {
		return ReadReply{}, fmt.Errorf("Dataset %q has no time %s: %w", req.Dataset, storage.TimeString(req.Time), hzvol.ErrValidation)
	}
	compress, err := hzvol.ParseCompression(req.Compression)
	if err != nil {
		return ReadReply{}, err
	}
	total := info.Bitmask.TotalBlocks(info.BitsPerBlock)
	queries := make([]*storage.BlockQuery, len(req.BlockIDs))
	access.BeginIO(storage.ReadIO)
	for i, blockid := range req.BlockIDs {
		if blockid >= total {
			continue
		}
		queries[i] = storage.NewBlockQuery(info, field, req.Time, blockid, storage.ReadIO, nil)
		access.ReadBlock(ctx, queries[i])
	}
	reply := ReadReply{Blocks: make([]BlockReply, len(req.BlockIDs))}
	for i, blockid := range req.BlockIDs {
		b := &reply.Blocks[i]
		b.BlockID = blockid
		q := queries[i]
		if q == nil {
			b.Status = StatusFailed
			b.Error = fmt.Sprintf("block %d outside dataset with %d blocks", blockid, total)
			continue
		}
		err := q.Wait(ctx)
		switch {
		case errors.Is(err, hzvol.ErrNotFound):
			b.Status = StatusNotFound
		case err != nil:
			b.Status = StatusFailed
			b.Error = err.Error()
		default:
			data, err := hzvol.Compress(q.Buffer.Data, compress)
			if err != nil {
				b.Status = StatusFailed
				b.Error = err.Error()
				continue
			}
			b.Compression = compress.String()
			b.Data = data
		}
	}
	access.EndIO()
	return reply, nil
}

// WriteBlock decodes and writes one block.
func (s *Service) WriteBlock(ctx context.Context, req WriteRequest) error {
	if s.Authorize != nil {
		if err := s.Authorize(req.Token); err != nil {
			return err
		}
	}
	info, access, field, err := s.lookup(req.Dataset, req.Field)
	if err != nil {
		return err
	}
	if !info.HasTime(req.Time) {
		return fmt.Errorf("Dataset %q has no time %s: %w", req.Dataset, storage.TimeString(req.Time), hzvol.ErrValidation)
	}
	if req.BlockID >= info.Bitmask.TotalBlocks(info.BitsPerBlock) {
		return fmt.Errorf("Block %d outside dataset %q: %w", req.BlockID, req.Dataset, hzvol.ErrValidation)
	}
	compress, err := hzvol.ParseCompression(req.Compression)
	if err != nil {
		return err
	}
	q := storage.NewBlockQuery(info, field, req.Time, req.BlockID, storage.WriteIO, nil)
	if err := storage.DecodeBlock(q, req.Data, compress); err != nil {
		return err
	}
	access.BeginIO(storage.WriteIO)
	defer access.EndIO()
	access.WriteBlock(ctx, q)
	return q.Wait(ctx)
}
