package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"

	"github.com/janelia-flyem/hzvol/dataset"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/rpc"
	"github.com/janelia-flyem/hzvol/storage"
)

// Response headers of the box endpoint.
const (
	HeaderDims        = "X-Hzvol-Dims"
	HeaderDType       = "X-Hzvol-DType"
	HeaderBox         = "X-Hzvol-Box"
	HeaderDelta       = "X-Hzvol-Delta"
	HeaderCompression = "X-Hzvol-Compression"
)

// maxBlockBytes bounds the body of a block write.
const maxBlockBytes = 1 << 30

func (s *Server) routes() *web.Mux {
	mux := web.New()
	mux.Use(logHttpPanics)

	mux.Get("/api/ping", pingHandler)
	mux.Get("/api/load", loadHandler)
	mux.Get("/api/engines", s.enginesHandler)
	mux.Get("/api/datasets", s.datasetsHandler)
	mux.Get("/api/dataset/:name/blocks", s.blocksHandler)
	mux.Post("/api/dataset/:name/block/:blockid", s.writeBlockHandler)
	mux.Get("/api/dataset/:name/box", s.boxHandler)
	mux.Get("/api/dataset/:name", s.datasetHandler)
	mux.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, fmt.Errorf("no handler for %s %s: %w", r.Method, r.URL.Path, hzvol.ErrNotFound))
	})
	return mux
}

func (s *Server) corsHandler(h http.Handler) http.Handler {
	origins := s.config.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
		ExposedHeaders: []string{HeaderDims, HeaderDType, HeaderBox, HeaderDelta, HeaderCompression},
	})
	return c.Handler(h)
}

// logHttpPanics logs each request and turns a handler panic into a 500 reply.
func logHttpPanics(c *web.C, h http.Handler) http.Handler {
	fn := func(w http.ResponseWriter, r *http.Request) {
		tlog := hzvol.NewTimeLog()
		defer func() {
			if e := recover(); e != nil {
				msg := fmt.Sprintf("Caught panic on HTTP request: %s", e)
				hzvol.Criticalf("%s\n", msg)
				http.Error(w, msg, http.StatusInternalServerError)
			}
		}()
		h.ServeHTTP(w, r)
		tlog.Debugf("HTTP %s: %s", r.Method, r.URL)
	}
	return http.HandlerFunc(fn)
}

// BadRequest writes an error message with status 400.
func BadRequest(w http.ResponseWriter, r *http.Request, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	hzvol.Errorf("%s %s: %s\n", r.Method, r.URL, msg)
	http.Error(w, msg, http.StatusBadRequest)
}

// writeError replies with the status matching the error kind.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, hzvol.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, hzvol.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, hzvol.ErrAborted):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		hzvol.Errorf("%s %s: %v\n", r.Method, r.URL, err)
	} else {
		hzvol.Debugf("%s %s: %v\n", r.Method, r.URL, err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hzvol.Errorf("Could not write JSON reply to %s: %v\n", r.URL, err)
	}
}

func pingHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]interface{}{"alive": true})
}

func loadHandler(w http.ResponseWriter, r *http.Request) {
	load := storage.CurrentLoad()
	writeJSON(w, r, map[string]interface{}{
		"load":    load,
		"read":    humanize.Bytes(uint64(load.BytesReadPerSec)) + "/s",
		"written": humanize.Bytes(uint64(load.BytesWrittenPerSec)) + "/s",
	})
}

func (s *Server) enginesHandler(w http.ResponseWriter, r *http.Request) {
	type engine struct {
		Kind        string `json:"kind"`
		Description string `json:"description"`
		Version     string `json:"version"`
	}
	var engines []engine
	for _, e := range s.registry.Engines() {
		engines = append(engines, engine{string(e.Kind), e.Description, e.Version.String()})
	}
	writeJSON(w, r, engines)
}

func (s *Server) datasetsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, map[string]interface{}{"datasets": s.catalog.Names()})
}

// redact drops credentials from access configurations.
func redact(cfgs []storage.Config) []storage.Config {
	if cfgs == nil {
		return nil
	}
	out := make([]storage.Config, len(cfgs))
	for i, cfg := range cfgs {
		cfg.Token = ""
		cfg.Children = redact(cfg.Children)
		out[i] = cfg
	}
	return out
}

func (s *Server) datasetHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ds, _, err := s.catalog.Get(c.URLParams["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	desc := ds.Descriptor()
	desc.Access = redact(desc.Access)
	writeJSON(w, r, desc)
}

// blockParams reads the field, time and compression query parameters.
func blockParams(ds *dataset.Dataset, r *http.Request) (field string, t float64, compression string, err error) {
	params := r.URL.Query()
	field = params.Get("field")
	compression = params.Get("compression")
	t = ds.DefaultTime()
	if ts := params.Get("time"); ts != "" {
		if t, err = strconv.ParseFloat(ts, 64); err != nil {
			return "", 0, "", fmt.Errorf("bad time %q: %w", ts, hzvol.ErrValidation)
		}
	}
	return field, t, compression, nil
}

func (s *Server) blocksHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	name := c.URLParams["name"]
	ds, _, err := s.catalog.Get(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	field, t, compression, err := blockParams(ds, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	req := rpc.ReadRequest{Dataset: name, Field: field, Time: t, Compression: compression}
	for _, idStr := range strings.Split(r.URL.Query().Get("block"), ",") {
		if idStr == "" {
			continue
		}
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			BadRequest(w, r, "bad block id %q", idStr)
			return
		}
		req.BlockIDs = append(req.BlockIDs, id)
	}
	if len(req.BlockIDs) == 0 {
		BadRequest(w, r, "no block ids given in 'block' query parameter")
		return
	}
	reply, err := s.service.ReadBlocks(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-msgpack")
	if err := rpc.WriteBatch(w, reply.Blocks); err != nil {
		hzvol.Errorf("Could not send %d blocks of dataset %q: %v\n", len(reply.Blocks), name, err)
	}
}

func (s *Server) writeBlockHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	name := c.URLParams["name"]
	ds, _, err := s.catalog.Get(name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	blockid, err := strconv.ParseUint(c.URLParams["blockid"], 10, 64)
	if err != nil {
		BadRequest(w, r, "bad block id %q", c.URLParams["blockid"])
		return
	}
	field, t, compression, err := blockParams(ds, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBlockBytes))
	if err != nil {
		BadRequest(w, r, "could not read block body: %v", err)
		return
	}
	req := rpc.WriteRequest{
		Dataset:     name,
		Field:       field,
		Time:        t,
		Compression: compression,
		BlockID:     blockid,
		Data:        data,
		Token:       bearerToken(r.Header.Get("Authorization")),
	}
	if err := s.service.WriteBlock(r.Context(), req); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, map[string]interface{}{"block": blockid, "bytes": len(data)})
}

// boxHandler returns the samples of a box as raw row-major bytes.  The grid of the returned
// samples is described in the X-Hzvol headers.
func (s *Server) boxHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	ds, access, err := s.catalog.Get(c.URLParams["name"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	fieldname, t, compression, err := blockParams(ds, r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	field, err := ds.Field(fieldname)
	if err != nil {
		writeError(w, r, err)
		return
	}
	compress, err := hzvol.ParseCompression(compression)
	if err != nil {
		writeError(w, r, err)
		return
	}
	params := r.URL.Query()
	box := ds.LogicBox()
	if boxStr := params.Get("box"); boxStr != "" {
		if box, err = hzvol.ParseBox(boxStr); err != nil {
			writeError(w, r, err)
			return
		}
	}
	toh := -1
	if tohStr := params.Get("toh"); tohStr != "" {
		if toh, err = strconv.Atoi(tohStr); err != nil {
			BadRequest(w, r, "bad resolution %q", tohStr)
			return
		}
	}
	q, err := ds.ReadBox(r.Context(), access, field, t, box, toh)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, err := hzvol.Compress(q.Buffer.Data, compress)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set(HeaderDims, q.Buffer.Dims.String())
	h.Set(HeaderDType, q.Buffer.DType.String())
	h.Set(HeaderBox, q.Samples.Box.String())
	h.Set(HeaderDelta, q.Samples.Delta.String())
	h.Set(HeaderCompression, compress.String())
	if _, err := w.Write(data); err != nil {
		hzvol.Errorf("Could not send box %s: %v\n", box, err)
	}
}
