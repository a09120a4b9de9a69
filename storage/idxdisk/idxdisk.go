/*
	Package idxdisk stores blocks in IDX version 6 binary files.

	Each file holds blocksperfile consecutive blocks of every field.  It starts with a
	preamble of 10 big-endian uint32 followed by one 10 x uint32 header per (field, block):

		prefix0 prefix1 offset_low offset_high size flags suffix0 suffix1 suffix2 suffix3

	A header with a zero offset or size marks a block that was never written.  The low nibble
	of flags is the compression of the stored bytes.
*/
package idxdisk

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blang/semver"

	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
)

const (
	// DefaultTimeTemplate separates timesteps into their own directories when a dataset
	// has more than one.
	DefaultTimeTemplate = "time_%04d/"

	// DefaultBasename names the data directory when none is known.
	DefaultBasename = "visus_data"

	headerWords = 10
	headerBytes = headerWords * 4

	// target uncompressed bytes per file when guessing blocksperfile
	targetFileSize = 32 * 1024 * 1024
)

// Block header flags.
const (
	FlagNoCompression   uint32 = 0x00
	FlagZip             uint32 = 0x03
	FlagLZ4             uint32 = 0x07
	FlagSnappy          uint32 = 0x09
	FlagZstd            uint32 = 0x0a
	FlagCompressionMask uint32 = 0x0f
	FlagFormatRowMajor  uint32 = 0x10
)

// Engine returns the registry entry of the IDX disk access.
func Engine() storage.Engine {
	ver, err := semver.Make("0.6.0")
	if err != nil {
		hzvol.Errorf("Unable to make semver in idxdisk: %v\n", err)
	}
	return storage.Engine{
		Kind:        storage.KindDisk,
		Description: "IDX v6 block files on local disk",
		Version:     ver,
		New:         New,
	}
}

// Header is one block header.
type Header struct {
	Prefix [2]uint32
	Offset uint64
	Size   uint32
	Flags  uint32
	Suffix [4]uint32
}

// Empty returns true if the header marks a block never written.
func (h Header) Empty() bool {
	return h.Offset == 0 || h.Size == 0
}

// MarshalBinary encodes the header in network order.
func (h Header) MarshalBinary() ([]byte, error) {
	b := make([]byte, headerBytes)
	binary.BigEndian.PutUint32(b[0:], h.Prefix[0])
	binary.BigEndian.PutUint32(b[4:], h.Prefix[1])
	binary.BigEndian.PutUint32(b[8:], uint32(h.Offset))
	binary.BigEndian.PutUint32(b[12:], uint32(h.Offset>>32))
	binary.BigEndian.PutUint32(b[16:], h.Size)
	binary.BigEndian.PutUint32(b[20:], h.Flags)
	for i, s := range h.Suffix {
		binary.BigEndian.PutUint32(b[24+4*i:], s)
	}
	return b, nil
}

// UnmarshalBinary decodes a header in network order.
func (h *Header) UnmarshalBinary(b []byte) error {
	if len(b) < headerBytes {
		return fmt.Errorf("Block header needs %d bytes, got %d: %w", headerBytes, len(b), hzvol.ErrIO)
	}
	h.Prefix[0] = binary.BigEndian.Uint32(b[0:])
	h.Prefix[1] = binary.BigEndian.Uint32(b[4:])
	h.Offset = uint64(binary.BigEndian.Uint32(b[8:])) | uint64(binary.BigEndian.Uint32(b[12:]))<<32
	h.Size = binary.BigEndian.Uint32(b[16:])
	h.Flags = binary.BigEndian.Uint32(b[20:])
	for i := range h.Suffix {
		h.Suffix[i] = binary.BigEndian.Uint32(b[24+4*i:])
	}
	return nil
}

// Compression returns the codec recorded in the flags.
func (h Header) Compression() (hzvol.Compression, error) {
	switch h.Flags & FlagCompressionMask {
	case FlagNoCompression:
		return hzvol.Uncompressed, nil
	case FlagZip:
		return hzvol.Zip, nil
	case FlagLZ4:
		return hzvol.LZ4, nil
	case FlagSnappy:
		return hzvol.Snappy, nil
	case FlagZstd:
		return hzvol.Zstd, nil
	default:
		return hzvol.Uncompressed, fmt.Errorf("Unknown compression flags 0x%x: %w", h.Flags, hzvol.ErrIO)
	}
}

func compressionFlags(compress hzvol.Compression) uint32 {
	switch compress {
	case hzvol.Zip:
		return FlagZip
	case hzvol.LZ4:
		return FlagLZ4
	case hzvol.Snappy:
		return FlagSnappy
	case hzvol.Zstd:
		return FlagZstd
	default:
		return FlagNoCompression
	}
}

// GuessFilenameTemplate returns "./basename" followed by one "%02x" directory per 8 block
// number bits beyond 16 and a "%04x.bin" file name.
func GuessFilenameTemplate(basename string, bitmask *hzvol.Bitmask, bitsperblock int) string {
	if basename == "" {
		basename = DefaultBasename
	}
	nbits := bitmask.MaxResolution() - bitsperblock
	var sb strings.Builder
	sb.WriteString("./" + basename)
	for ; nbits > 16; nbits -= 8 {
		sb.WriteString("/%02x")
	}
	sb.WriteString("/%04x.bin")
	return sb.String()
}

// GuessBlocksPerFile returns how many blocks of all fields fit in about 32 MB uncompressed.
func GuessBlocksPerFile(info *storage.DatasetInfo) int {
	var blockBytes int64
	for _, f := range info.Fields {
		blockBytes += f.DType.ByteSize(int64(1) << uint(info.BitsPerBlock))
	}
	total := info.Bitmask.TotalBlocks(info.BitsPerBlock)
	if blockBytes == 0 {
		return int(total)
	}
	bpf := int64(targetFileSize) / blockBytes
	if bpf < 1 {
		bpf = 1
	}
	if uint64(bpf) > total {
		bpf = int64(total)
	}
	return int(bpf)
}

// ValidateTemplate checks every '%' of a filename template is a "%0Nx" hex directive.
func ValidateTemplate(template string) error {
	for i := 0; i < len(template); i++ {
		if template[i] != '%' {
			continue
		}
		if i+3 >= len(template) || template[i+1] != '0' || template[i+2] < '1' || template[i+2] > '9' || template[i+3] != 'x' {
			return fmt.Errorf("Filename template %q has bad directive at %d: %w", template, i, hzvol.ErrValidation)
		}
		i += 3
	}
	return nil
}

// Filename expands a template for the file starting at firstBlock.  Directives are filled from
// the right with the least significant hex digits.  Address bits left over once every
// directive is used repeat the leftmost directive as extra directories.  A non-empty
// timeTemplate is formatted with the integer time and inserted before the address part.
func Filename(template, timeTemplate string, t float64, firstBlock uint64) string {
	if !strings.Contains(template, "%") {
		return template
	}
	var parts []string // collected right to left
	address := firstBlock
	end := len(template)
	last := -1
	hex := func(digits int) {
		nbits := uint(digits * 4)
		parts = append(parts, fmt.Sprintf("%0*x", digits, address&((uint64(1)<<nbits)-1)))
		address >>= nbits
	}
	for c := end - 1; c >= 0; c-- {
		if template[c] != '%' {
			continue
		}
		last = c
		parts = append(parts, template[c+4:end])
		hex(int(template[c+2] - '0'))
		end = c
	}
	for address != 0 {
		parts = append(parts, "/")
		hex(int(template[last+2] - '0'))
	}
	if timeTemplate != "" {
		parts = append(parts, fmt.Sprintf(timeTemplate, int(t)))
	}
	parts = append(parts, template[:end])
	var sb strings.Builder
	for i := len(parts) - 1; i >= 0; i-- {
		sb.WriteString(parts[i])
	}
	return sb.String()
}

// Disk is an Access over IDX v6 files.
type Disk struct {
	*storage.Base

	dir           string
	template      string
	timeTemplate  string
	blocksPerFile uint64
	fieldIndex    map[string]int

	files fileLocks
}

// New returns a disk access.  Relative templates resolve against cfg.Path, itself relative to
// the dataset directory.
func New(info *storage.DatasetInfo, cfg storage.Config, reg *storage.Registry) (storage.Access, error) {
	base, err := storage.NewBase(string(storage.KindDisk), info, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.ReadOnly {
		base.SetReadOnly()
	}
	d := &Disk{
		Base:       base,
		dir:        storage.ResolvePath(cfg.Path, info.Dir),
		template:   cfg.FilenameTemplate,
		fieldIndex: make(map[string]int, len(info.Fields)),
		files:      fileLocks{locks: make(map[string]*fileLock)},
	}
	if d.dir == "" {
		d.dir = info.Dir
	}
	if d.template == "" {
		d.template = info.FilenameTemplate
	}
	if d.template == "" {
		d.template = GuessFilenameTemplate("", info.Bitmask, info.BitsPerBlock)
	}
	if err := ValidateTemplate(d.template); err != nil {
		return nil, err
	}
	if len(info.Timesteps) > 1 {
		d.timeTemplate = DefaultTimeTemplate
	}
	bpf := info.BlocksPerFile
	if bpf <= 0 {
		bpf = GuessBlocksPerFile(info)
	}
	d.blocksPerFile = uint64(bpf)
	for i, f := range info.Fields {
		d.fieldIndex[f.Name] = i
	}
	return d, nil
}

// BlockFilename returns the absolute name of the file holding a block.
func (d *Disk) BlockFilename(t float64, blockid uint64) string {
	first := blockid - blockid%d.blocksPerFile
	name := Filename(d.template, d.timeTemplate, t, first)
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(d.dir, name)
}

func (d *Disk) headerOffset(field hzvol.Field, blockid uint64) (int64, error) {
	index, found := d.fieldIndex[field.Name]
	if !found {
		return 0, fmt.Errorf("No field %q in dataset: %w", field.Name, hzvol.ErrValidation)
	}
	slot := uint64(index)*d.blocksPerFile + blockid%d.blocksPerFile
	return int64(headerBytes + slot*headerBytes), nil
}

func (d *Disk) fileHeaderSize() int64 {
	return int64(headerBytes) + int64(len(d.fieldIndex))*int64(d.blocksPerFile)*headerBytes
}

func readHeader(f *os.File, offset int64) (Header, error) {
	var h Header
	b := make([]byte, headerBytes)
	if _, err := f.ReadAt(b, offset); err != nil {
		return h, fmt.Errorf("Could not read block header of %s: %v: %w", f.Name(), err, hzvol.ErrIO)
	}
	err := h.UnmarshalBinary(b)
	return h, err
}

func writeHeader(f *os.File, offset int64, h Header) error {
	b, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(b, offset); err != nil {
		return fmt.Errorf("Could not write block header of %s: %v: %w", f.Name(), err, hzvol.ErrIO)
	}
	return nil
}

// ReadBlock reads a block from its file.
func (d *Disk) ReadBlock(ctx context.Context, q *storage.BlockQuery) {
	if !d.CheckRead(q) {
		return
	}
	d.Async(ctx, q, func() {
		if err := d.read(q); err != nil {
			d.ReadFailed(q, err)
			return
		}
		d.ReadOk(q)
	})
}

func (d *Disk) read(q *storage.BlockQuery) error {
	hoffset, err := d.headerOffset(q.Field, q.BlockID)
	if err != nil {
		return err
	}
	filename := d.BlockFilename(q.Time, q.BlockID)
	lock := d.files.acquire(filename)
	lock.RLock()
	defer func() {
		lock.RUnlock()
		d.files.release(filename)
	}()

	f, err := os.Open(filename)
	if os.IsNotExist(err) {
		return fmt.Errorf("No file %s for block %d: %w", filename, q.BlockID, hzvol.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("Could not open %s: %v: %w", filename, err, hzvol.ErrIO)
	}
	defer f.Close()

	h, err := readHeader(f, hoffset)
	if err != nil {
		return err
	}
	if h.Empty() {
		return fmt.Errorf("Block %d of field %q not in %s: %w", q.BlockID, q.Field.Name, filename, hzvol.ErrNotFound)
	}
	if h.Flags&FlagFormatRowMajor == 0 {
		return fmt.Errorf("Block %d in %s is not row major: %w", q.BlockID, filename, hzvol.ErrIO)
	}
	compress, err := h.Compression()
	if err != nil {
		return err
	}
	data := make([]byte, h.Size)
	if _, err := f.ReadAt(data, int64(h.Offset)); err != nil && err != io.EOF {
		return fmt.Errorf("Could not read block %d from %s: %v: %w", q.BlockID, filename, err, hzvol.ErrIO)
	}
	return storage.DecodeBlock(q, data, compress)
}

// WriteBlock writes a block, in place if the new encoding fits the old one, else appended.
func (d *Disk) WriteBlock(ctx context.Context, q *storage.BlockQuery) {
	if !d.CheckWrite(q) {
		return
	}
	d.Async(ctx, q, func() {
		if err := d.write(q); err != nil {
			d.WriteFailed(q, err)
			return
		}
		d.WriteOk(q)
	})
}

func (d *Disk) write(q *storage.BlockQuery) error {
	hoffset, err := d.headerOffset(q.Field, q.BlockID)
	if err != nil {
		return err
	}
	compress := d.Compression(q.Field)
	encoded, err := storage.EncodeBlock(q, compress)
	if err != nil {
		return err
	}
	filename := d.BlockFilename(q.Time, q.BlockID)
	lock := d.files.acquire(filename)
	lock.Lock()
	defer func() {
		lock.Unlock()
		d.files.release(filename)
	}()

	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("Could not make directory for %s: %v: %w", filename, err, hzvol.ErrIO)
	}
	f, err := os.OpenFile(filename, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return fmt.Errorf("Could not open %s for writing: %v: %w", filename, err, hzvol.ErrIO)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("Could not stat %s: %v: %w", filename, err, hzvol.ErrIO)
	}
	size := fi.Size()
	hsize := d.fileHeaderSize()
	switch {
	case size == 0:
		if _, err := f.WriteAt(make([]byte, hsize), 0); err != nil {
			f.Close()
			return fmt.Errorf("Could not write headers of %s: %v: %w", filename, err, hzvol.ErrIO)
		}
		size = hsize
	case size < hsize:
		f.Close()
		return fmt.Errorf("File %s is shorter than its headers: %w", filename, hzvol.ErrIO)
	}

	h, err := readHeader(f, hoffset)
	if err != nil {
		f.Close()
		return err
	}
	if h.Empty() || uint64(len(encoded)) > uint64(h.Size) {
		h.Offset = uint64(size)
	}
	h.Size = uint32(len(encoded))
	h.Flags = compressionFlags(compress) | FlagFormatRowMajor
	if _, err := f.WriteAt(encoded, int64(h.Offset)); err != nil {
		f.Close()
		return fmt.Errorf("Could not write block %d to %s: %v: %w", q.BlockID, filename, err, hzvol.ErrIO)
	}
	if err := writeHeader(f, hoffset, h); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("Could not close %s: %v: %w", filename, err, hzvol.ErrIO)
	}
	return nil
}

// Close releases nothing: files are opened per request.
func (d *Disk) Close() error {
	return nil
}

type fileLock struct {
	sync.RWMutex
	refs int
}

// fileLocks hands out one lock per filename while anyone references it.
type fileLocks struct {
	mu    sync.Mutex
	locks map[string]*fileLock
}

func (l *fileLocks) acquire(filename string) *fileLock {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, found := l.locks[filename]
	if !found {
		lock = &fileLock{}
		l.locks[filename] = lock
	}
	lock.refs++
	return lock
}

func (l *fileLocks) release(filename string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, found := l.locks[filename]
	if !found {
		return
	}
	lock.refs--
	if lock.refs <= 0 {
		delete(l.locks, filename)
	}
}
