/*
	Package dataset ties together the immutable description of a multiresolution volume,
	the storage accesses serving its blocks, and the queries run against them.

	A dataset is described by a JSON document, usually saved as dataset.json:

		{
			"version": "1.0.0",
			"bitmask": "V010101010101010101",
			"box": "0 512 0 256",
			"fields": [{"name": "data", "dtype": "uint8", "compression": "zstd"}],
			"timesteps": [0],
			"bitsperblock": 16,
			"access": [{"type": "disk"}]
		}

	Missing block layout settings are guessed when the dataset is created.
*/
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blang/semver"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/janelia-flyem/hzvol/filter"
	"github.com/janelia-flyem/hzvol/hzvol"
	"github.com/janelia-flyem/hzvol/storage"
	"github.com/janelia-flyem/hzvol/storage/idxdisk"
)

const (
	// Version is written into new descriptors.  Loaded descriptors must share its major
	// version.
	Version = "1.0.0"

	DefaultBitsPerBlock = 16
	DefaultFilename     = "dataset.json"
)

// Transform maps logic coordinates to physical ones as physic = logic*scale + offset.
type Transform struct {
	Scale  []float64 `json:"scale,omitempty"`
	Offset []float64 `json:"offset,omitempty"`
}

// Descriptor is the persisted form of a dataset.
type Descriptor struct {
	Version          string           `json:"version"`
	Bitmask          string           `json:"bitmask"`
	Box              string           `json:"box,omitempty"`
	Physic           *Transform       `json:"physic,omitempty"`
	Fields           []hzvol.Field    `json:"fields"`
	Timesteps        []float64        `json:"timesteps,omitempty"`
	BitsPerBlock     int              `json:"bitsperblock,omitempty"`
	BlocksPerFile    int              `json:"blocksperfile,omitempty"`
	FilenameTemplate string           `json:"filename_template,omitempty"`
	Access           []storage.Config `json:"access,omitempty"`
}

const descriptorSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["version", "bitmask", "fields"],
	"properties": {
		"version": {"type": "string", "minLength": 5},
		"bitmask": {"type": "string", "pattern": "^V"},
		"box": {"type": "string"},
		"physic": {
			"type": "object",
			"properties": {
				"scale": {"type": "array", "items": {"type": "number"}},
				"offset": {"type": "array", "items": {"type": "number"}}
			}
		},
		"fields": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["name", "dtype"],
				"properties": {
					"name": {"type": "string", "minLength": 1},
					"dtype": {"type": "string", "minLength": 1},
					"compression": {"type": "string"},
					"filter": {"type": "string"},
					"default_value": {"type": "number"},
					"layout": {"type": "string"}
				}
			}
		},
		"timesteps": {"type": "array", "items": {"type": "number"}},
		"bitsperblock": {"type": "integer", "minimum": 1, "maximum": 30},
		"blocksperfile": {"type": "integer", "minimum": 0},
		"filename_template": {"type": "string"},
		"access": {
			"type": "array",
			"items": {"type": "object", "required": ["type"]}
		}
	}
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = jsonschema.CompileString("dataset.schema.json", descriptorSchema)
	})
	return schema, schemaErr
}

// ParseDescriptor validates a JSON document against the descriptor schema and decodes it.
func ParseDescriptor(data []byte) (Descriptor, error) {
	var desc Descriptor
	sch, err := compiledSchema()
	if err != nil {
		return desc, fmt.Errorf("Unable to compile descriptor schema: %v", err)
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return desc, fmt.Errorf("Descriptor is not JSON: %v: %w", err, hzvol.ErrValidation)
	}
	if err := sch.Validate(doc); err != nil {
		return desc, fmt.Errorf("Descriptor does not match schema: %v: %w", err, hzvol.ErrValidation)
	}
	if err := json.Unmarshal(data, &desc); err != nil {
		return desc, fmt.Errorf("Bad descriptor: %v: %w", err, hzvol.ErrValidation)
	}
	return desc, nil
}

// Dataset is an immutable multiresolution volume description.
type Dataset struct {
	desc     Descriptor
	version  semver.Version
	info     *storage.DatasetInfo
	registry *storage.Registry
	scale    []float64
	offset   []float64
}

// New validates a descriptor and fills in guessed settings.  Relative paths resolve against
// dir.  A nil registry gets every built-in access engine.
func New(desc Descriptor, dir string, reg *storage.Registry) (*Dataset, error) {
	if desc.Version == "" {
		desc.Version = Version
	}
	ver, err := semver.Make(desc.Version)
	if err != nil {
		return nil, fmt.Errorf("Bad dataset version %q: %v: %w", desc.Version, err, hzvol.ErrValidation)
	}
	if ver.Major != semver.MustParse(Version).Major {
		return nil, fmt.Errorf("Dataset version %s is not supported, need %d.x: %w", ver, semver.MustParse(Version).Major, hzvol.ErrValidation)
	}
	bitmask, err := hzvol.ParseBitmask(desc.Bitmask)
	if err != nil {
		return nil, err
	}
	pdim := bitmask.PointDim()
	box := bitmask.Pow2Box()
	if desc.Box != "" {
		if box, err = hzvol.ParseBox(desc.Box); err != nil {
			return nil, err
		}
	}
	if box.NumDims() != pdim || !box.IsFullDim() || !bitmask.Pow2Box().ContainsBox(box) {
		return nil, fmt.Errorf("Box %s does not fit bitmask %s: %w", box, bitmask, hzvol.ErrValidation)
	}
	desc.Box = box.String()

	if len(desc.Fields) == 0 {
		return nil, fmt.Errorf("Dataset has no fields: %w", hzvol.ErrValidation)
	}
	names := make(map[string]bool, len(desc.Fields))
	for i, f := range desc.Fields {
		if !f.Valid() {
			return nil, fmt.Errorf("Field %d (%q) is not valid: %w", i, f.Name, hzvol.ErrValidation)
		}
		if names[f.Name] {
			return nil, fmt.Errorf("Field %q appears twice: %w", f.Name, hzvol.ErrValidation)
		}
		names[f.Name] = true
		if _, err := f.DefaultCompression(); err != nil {
			return nil, err
		}
		if f.Filter != "" {
			if _, err := filter.New(f.Filter, f.DType); err != nil {
				return nil, err
			}
		}
		if f.Layout == "" {
			desc.Fields[i].Layout = hzvol.LayoutRowMajor
		}
	}
	if len(desc.Timesteps) == 0 {
		desc.Timesteps = []float64{0}
	}
	for i, cfg := range desc.Access {
		kind, err := cfg.Kind()
		if err != nil {
			return nil, err
		}
		desc.Access[i].Type = string(kind)
	}

	if desc.BitsPerBlock <= 0 {
		desc.BitsPerBlock = DefaultBitsPerBlock
	}
	if maxh := bitmask.MaxResolution(); desc.BitsPerBlock > maxh {
		desc.BitsPerBlock = maxh
	}
	info := &storage.DatasetInfo{
		Bitmask:      bitmask,
		LogicBox:     box,
		Fields:       desc.Fields,
		Timesteps:    desc.Timesteps,
		BitsPerBlock: desc.BitsPerBlock,
		Dir:          dir,
	}
	if desc.BlocksPerFile <= 0 {
		desc.BlocksPerFile = idxdisk.GuessBlocksPerFile(info)
	}
	if desc.FilenameTemplate == "" {
		desc.FilenameTemplate = idxdisk.GuessFilenameTemplate("", bitmask, desc.BitsPerBlock)
	}
	if err := idxdisk.ValidateTemplate(desc.FilenameTemplate); err != nil {
		return nil, err
	}
	info.BlocksPerFile = desc.BlocksPerFile
	info.FilenameTemplate = desc.FilenameTemplate

	d := &Dataset{
		desc:     desc,
		version:  ver,
		info:     info,
		registry: reg,
		scale:    make([]float64, pdim),
		offset:   make([]float64, pdim),
	}
	if d.registry == nil {
		d.registry = NewRegistry()
	}
	for i := range d.scale {
		d.scale[i] = 1
	}
	if desc.Physic != nil {
		if len(desc.Physic.Scale) > 0 {
			if len(desc.Physic.Scale) != pdim {
				return nil, fmt.Errorf("Physic scale needs %d values: %w", pdim, hzvol.ErrValidation)
			}
			copy(d.scale, desc.Physic.Scale)
		}
		if len(desc.Physic.Offset) > 0 {
			if len(desc.Physic.Offset) != pdim {
				return nil, fmt.Errorf("Physic offset needs %d values: %w", pdim, hzvol.ErrValidation)
			}
			copy(d.offset, desc.Physic.Offset)
		}
	}
	return d, nil
}

// Load reads and validates a descriptor file.
func Load(filename string, reg *storage.Registry) (*Dataset, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Could not read dataset %q: %v: %w", filename, err, hzvol.ErrNotFound)
	}
	desc, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("Dataset %q: %w", filename, err)
	}
	abspath, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	d, err := New(desc, filepath.Dir(abspath), reg)
	if err != nil {
		return nil, err
	}
	d.info.URL = abspath
	hzvol.Infof("Loaded dataset %s\n", d)
	return d, nil
}

// Create validates desc, writes it to filename and returns the dataset.
func Create(filename string, desc Descriptor, reg *storage.Registry) (*Dataset, error) {
	abspath, err := filepath.Abs(filename)
	if err != nil {
		return nil, err
	}
	d, err := New(desc, filepath.Dir(abspath), reg)
	if err != nil {
		return nil, err
	}
	if err := d.Save(abspath); err != nil {
		return nil, err
	}
	return d, nil
}

// Save writes the descriptor, including guessed settings, to filename.
func (d *Dataset) Save(filename string) error {
	data, err := json.MarshalIndent(d.desc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0755); err != nil {
		return fmt.Errorf("Could not create directory for %q: %v: %w", filename, err, hzvol.ErrIO)
	}
	if err := os.WriteFile(filename, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("Could not write dataset %q: %v: %w", filename, err, hzvol.ErrIO)
	}
	if d.info.URL == "" {
		d.info.URL = filename
	}
	return nil
}

func (d *Dataset) String() string {
	names := make([]string, len(d.desc.Fields))
	for i, f := range d.desc.Fields {
		names[i] = f.Name + ":" + f.DType.String()
	}
	return fmt.Sprintf("%s box [%s] fields [%s] %d timesteps", d.desc.Bitmask, d.desc.Box,
		strings.Join(names, " "), len(d.desc.Timesteps))
}

// Descriptor returns the descriptor with every guessed setting filled in.
func (d *Dataset) Descriptor() Descriptor {
	return d.desc
}

func (d *Dataset) Version() semver.Version {
	return d.version
}

// Info returns what accesses and queries need to know about the dataset.  It must not be
// modified.
func (d *Dataset) Info() *storage.DatasetInfo {
	return d.info
}

func (d *Dataset) Registry() *storage.Registry {
	return d.registry
}

func (d *Dataset) Bitmask() *hzvol.Bitmask {
	return d.info.Bitmask
}

func (d *Dataset) MaxResolution() int {
	return d.info.Bitmask.MaxResolution()
}

func (d *Dataset) LogicBox() hzvol.Box {
	return d.info.LogicBox.Duplicate()
}

func (d *Dataset) Fields() []hzvol.Field {
	return d.info.Fields
}

// Field returns the named field.  An empty name returns the default field.
func (d *Dataset) Field(name string) (hzvol.Field, error) {
	if name == "" {
		return d.DefaultField(), nil
	}
	return d.info.Field(name)
}

// DefaultField is the first field.
func (d *Dataset) DefaultField() hzvol.Field {
	return d.info.Fields[0]
}

func (d *Dataset) Timesteps() []float64 {
	return d.info.Timesteps
}

// DefaultTime is the first timestep.
func (d *Dataset) DefaultTime() float64 {
	return d.info.Timesteps[0]
}

// LogicToPhysic maps a logic point to physical coordinates.
func (d *Dataset) LogicToPhysic(p hzvol.PointNd) []float64 {
	out := make([]float64, len(p))
	for i := range p {
		out[i] = float64(p[i])*d.scale[i] + d.offset[i]
	}
	return out
}

// PhysicToLogic maps physical coordinates to the logic point at or before them.
func (d *Dataset) PhysicToLogic(v []float64) hzvol.PointNd {
	out := make(hzvol.PointNd, len(v))
	for i := range v {
		x := (v[i] - d.offset[i]) / d.scale[i]
		out[i] = int64(x)
		if float64(out[i]) > x {
			out[i]--
		}
	}
	return out
}
