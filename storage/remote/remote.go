/*
	Package remote reads and writes blocks on another hzvol server.

	The url selects the transport:

		http://host:port   GET  /api/dataset/<name>/blocks?field=&time=&compression=&block=1,2,3
		                   POST /api/dataset/<name>/block/<id>?field=&time=&compression=
		rpc://host:port    gorpc calls ReadBlocks and WriteBlock

	Reads within an IO bracket are batched up to num_queries_per_request blocks of the same field
	and time.  A batch is sent when full, when the bracket ends, or shortly after its first block.
*/
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/rpc"
	"github.com/janelia-flyem/hzvol/storage"
)

const (
	DefaultConnections       = 6
	DefaultQueriesPerRequest = 8

	// FlushDelay bounds how long a partial batch waits for more blocks.
	FlushDelay = 5 * time.Millisecond
)

// Engine returns the registry entry of the remote access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in remote: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindRemote,
		Description: "Blocks served by a remote hzvol server",
		Version:     ver,
		New:         New,
	}
}

type batchKey struct {
	field string
	time  float64
}

type batch struct {
	ctx     context.Context
	field   hzvol.Field
	time    float64
	queries []*storage.BlockQuery
	timer   *time.Timer
}

// Remote is an Access talking to a remote block server.
type Remote struct {
	*storage.Base

	baseURL    string
	dataset    string
	token      string
	perRequest int
	flushDelay time.Duration

	client *http.Client
	rpc    *rpc.Client

	mu      sync.Mutex
	pending map[batchKey]*batch
}

// New connects to cfg.URL for dataset cfg.Dataset.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	if cfg.URL == "" || cfg.Dataset == "" {
		return nil, fmt.Errorf("Remote access needs %q and %q: %w", "url", "dataset", hzvol.ErrValidation)
	}
	conns := cfg.NConnections
	if conns <= 0 {
		conns = DefaultConnections
	}
	if cfg.Workers <= 0 {
		cfg.Workers = conns
	}
	base, err := storage.NewBase(string(storage.KindRemote), info, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ReadOnly {
		base.SetReadOnly()
	}
	r := &Remote{
		Base:       base,
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		dataset:    cfg.Dataset,
		token:      cfg.Token,
		perRequest: cfg.QueriesPerRequest,
		flushDelay: FlushDelay,
		pending:    make(map[batchKey]*batch),
	}
	if r.perRequest <= 0 {
		r.perRequest = DefaultQueriesPerRequest
	}
	switch {
	case strings.HasPrefix(r.baseURL, "rpc://"):
		c, err := rpc.NewClient(strings.TrimPrefix(r.baseURL, "rpc://"), conns)
		if err != nil {
			return nil, fmt.Errorf("Can't connect to %s: %v: %w", r.baseURL, err, hzvol.ErrIO)
		}
		r.rpc = c
	case strings.HasPrefix(r.baseURL, "http://"), strings.HasPrefix(r.baseURL, "https://"):
		r.client = &http.Client{Transport: &http.Transport{MaxConnsPerHost: conns, MaxIdleConnsPerHost: conns}}
	default:
		return nil, fmt.Errorf("Remote url %q must be http(s):// or rpc://: %w", cfg.URL, hzvol.ErrValidation)
	}
	return r, nil
}

// ReadBlock queues q into the batch of its field and time.
func (r *Remote) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !r.CheckRead(q) {
		return
	}
	key := batchKey{q.Field.Name, q.Time}
	r.mu.Lock()
	b, found := r.pending[key]
	if !found {
		b = &batch{ctx: ctx, field: q.Field, time: q.Time}
		r.pending[key] = b
		b.timer = time.AfterFunc(r.flushDelay, func() { r.flushBatch(key, b) })
	}
	b.queries = append(b.queries, q)
	full := len(b.queries) >= r.perRequest
	if full {
		delete(r.pending, key)
	}
	r.mu.Unlock()
	if full {
		r.send(b)
	}
}

func (r *Remote) flushBatch(key batchKey, b *batch) {
	r.mu.Lock()
	current, found := r.pending[key]
	if !found || current != b {
		r.mu.Unlock()
		return
	}
	delete(r.pending, key)
	r.mu.Unlock()
	r.send(b)
}

// EndIO sends all partial batches before closing the bracket.
func (r *Remote) EndIO() {
	r.flushAll()
	r.Base.EndIO()
}

func (r *Remote) flushAll() {
	r.mu.Lock()
	batches := make([]*batch, 0, len(r.pending))
	for key, b := range r.pending {
		batches = append(batches, b)
		delete(r.pending, key)
	}
	r.mu.Unlock()
	for _, b := range batches {
		r.send(b)
	}
}

func (r *Remote) send(b *batch) {
	b.timer.Stop()
	failAll := func(err error) {
		for _, q := range b.queries {
			r.ReadFailed(q, err)
		}
	}
	r.Go(b.ctx, func() {
		replies, err := r.fetch(b)
		if err != nil {
			failAll(err)
			return
		}
		for i, q := range b.queries {
			r.resolve(q, replies[i])
		}
	}, failAll)
}

func (r *Remote) resolve(q *storage.BlockQuery, reply rpc.BlockReply) {
	switch reply.Status {
	case rpc.StatusOk:
		compress, err := hzvol.ParseCompression(reply.Compression)
		if err == nil {
			err = storage.DecodeBlock(q, reply.Data, compress)
		}
		if err != nil {
			r.ReadFailed(q, err)
			return
		}
		r.ReadOk(q)
	case rpc.StatusNotFound:
		r.ReadFailed(q, fmt.Errorf("Block %d not on %s: %w", q.BlockID, r.baseURL, hzvol.ErrNotFound))
	default:
		r.ReadFailed(q, fmt.Errorf("Block %d failed on %s: %s: %w", q.BlockID, r.baseURL, reply.Error, hzvol.ErrIO))
	}
}

// fetch returns one reply per query of the batch, in order.
func (r *Remote) fetch(b *batch) ([]rpc.BlockReply, error) {
	req := rpc.ReadRequest{
		Dataset:     r.dataset,
		Field:       b.field.Name,
		Time:        b.time,
		Compression: r.Compression(b.field).String(),
		BlockIDs:    make([]uint64, len(b.queries)),
	}
	for i, q := range b.queries {
		req.BlockIDs[i] = q.BlockID
	}
	var replies []rpc.BlockReply
	if r.rpc != nil {
		reply, err := r.rpc.ReadBlocks(req)
		if err != nil {
			return nil, err
		}
		replies = reply.Blocks
	} else {
		var err error
		if replies, err = r.httpRead(b.ctx, req); err != nil {
			return nil, err
		}
	}
	if len(replies) != len(b.queries) {
		return nil, fmt.Errorf("%s returned %d blocks for %d requested: %w", r.baseURL, len(replies), len(b.queries), hzvol.ErrIO)
	}
	return replies, nil
}

func (r *Remote) endpoint(path string, req url.Values) string {
	return fmt.Sprintf("%s/api/dataset/%s/%s?%s", r.baseURL, url.PathEscape(r.dataset), path, req.Encode())
}

func (r *Remote) httpRead(ctx context.Context, req rpc.ReadRequest) ([]rpc.BlockReply, error) {
	ids := make([]string, len(req.BlockIDs))
	for i, id := range req.BlockIDs {
		ids[i] = strconv.FormatUint(id, 10)
	}
	params := url.Values{}
	params.Set("field", req.Field)
	params.Set("time", storage.TimeString(req.Time))
	params.Set("compression", req.Compression)
	params.Set("block", strings.Join(ids, ","))
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint("blocks", params), nil)
	if err != nil {
		return nil, fmt.Errorf("Bad block request: %v: %w", err, hzvol.ErrValidation)
	}
	resp, err := r.client.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("Block request to %s failed: %v: %w", r.baseURL, err, hzvol.ErrIO)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		if resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%s: %s: %w", r.baseURL, strings.TrimSpace(string(msg)), hzvol.ErrNotFound)
		}
		return nil, fmt.Errorf("%s returned %s: %s: %w", r.baseURL, resp.Status, strings.TrimSpace(string(msg)), hzvol.ErrIO)
	}
	replies, err := rpc.ReadBatch(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", r.baseURL, err, hzvol.ErrIO)
	}
	return replies, nil
}

// WriteBlock sends one block.
func (r *Remote) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !r.CheckWrite(q) {
		return
	}
	r.Async(ctx, q, func() {
		if err := r.write(ctx, q); err != nil {
			r.WriteFailed(q, err)
			return
		}
		r.WriteOk(q)
	})
}

func (r *Remote) write(ctx context.Context, q *storage.BlockQuery) error {
	compress := r.Compression(q.Field)
	data, err := storage.EncodeBlock(q, compress)
	if err != nil {
		return err
	}
	if r.rpc != nil {
		return r.rpc.WriteBlock(rpc.WriteRequest{
			Dataset:     r.dataset,
			Field:       q.Field.Name,
			Time:        q.Time,
			Compression: compress.String(),
			BlockID:     q.BlockID,
			Data:        data,
			Token:       r.token,
		})
	}
	params := url.Values{}
	params.Set("field", q.Field.Name)
	params.Set("time", storage.TimeString(q.Time))
	params.Set("compression", compress.String())
	path := "block/" + strconv.FormatUint(q.BlockID, 10)
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint(path, params), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("Bad block write request: %v: %w", err, hzvol.ErrValidation)
	}
	hreq.Header.Set("Content-Type", "application/octet-stream")
	if r.token != "" {
		hreq.Header.Set("Authorization", "Bearer "+r.token)
	}
	resp, err := r.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("Block write to %s failed: %v: %w", r.baseURL, err, hzvol.ErrIO)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s returned %s: %s: %w", r.baseURL, resp.Status, strings.TrimSpace(string(msg)), hzvol.ErrIO)
	}
	return nil
}

// Close sends pending batches and drops connections.
func (r *Remote) Close() error {
	r.flushAll()
	if r.rpc != nil {
		return r.rpc.Close()
	}
	r.client.CloseIdleConnections()
	return nil
}
