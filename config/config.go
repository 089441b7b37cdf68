package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is stripped from environment variables before they are mapped to
// config keys. HEXDENSITY_MONGO__URI sets mongo.uri.
const EnvPrefix = "HEXDENSITY_"

// Scheduling modes for Parallelism.Mode.
const (
	ModeChunks = "chunks"
	ModeJobs   = "jobs"
)

// Config is the explicit job context handed to the engine.
type Config struct {
	DataDir     string   `koanf:"data_dir" validate:"required"`
	OutputDir   string   `koanf:"output_dir" validate:"required"`
	Regions     []string `koanf:"regions" validate:"dive,required"`
	Resolutions []int    `koanf:"resolutions" validate:"dive,min=0,max=15"`

	Inputs      InputsConfig      `koanf:"inputs"`
	Parallelism ParallelismConfig `koanf:"parallelism"`
	Prefilter   PrefilterConfig   `koanf:"prefilter"`
	Area        AreaConfig        `koanf:"area"`
	Boundary    BoundaryConfig    `koanf:"boundary"`
	Tracts      TractsConfig      `koanf:"tracts"`
	Output      OutputConfig      `koanf:"output"`
	Checkpoint  CheckpointConfig  `koanf:"checkpoint"`
	Mongo       MongoConfig       `koanf:"mongo"`
	Postgres    PostgresConfig    `koanf:"postgres"`
	Server      ServerConfig      `koanf:"server"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// InputsConfig holds path templates relative to DataDir. {region} is
// replaced with the job's region key.
type InputsConfig struct {
	Attributes string `koanf:"attributes" validate:"required"`
	Tracts     string `koanf:"tracts" validate:"required"`
	Boundary   string `koanf:"boundary" validate:"required"`
}

type ParallelismConfig struct {
	Mode    string `koanf:"mode" validate:"oneof=chunks jobs"`
	Workers int    `koanf:"workers" validate:"min=0"`
}

type PrefilterConfig struct {
	// BufferFactor multiplies the average hexagon edge length used to buffer
	// tract bounding boxes.
	BufferFactor float64 `koanf:"buffer_factor" validate:"gte=1"`
	// GridCellDegrees is the bucket size of the spatial index.
	GridCellDegrees float64 `koanf:"grid_cell_degrees" validate:"gt=0"`
}

type AreaConfig struct {
	Model string `koanf:"model" validate:"oneof=spherical planar"`
}

type BoundaryConfig struct {
	MultiPolygon string `koanf:"multipolygon" validate:"oneof=first all"`
}

type TractsConfig struct {
	IDField       string `koanf:"id_field" validate:"required"`
	RepairInvalid bool   `koanf:"repair_invalid"`
}

type OutputConfig struct {
	GeoJSON   bool `koanf:"geojson"`
	Shapefile bool `koanf:"shapefile"`
}

type CheckpointConfig struct {
	Force bool `koanf:"force"`
}

type MongoConfig struct {
	Enabled      bool   `koanf:"enabled"`
	URI          string `koanf:"uri" validate:"required_if=Enabled true"`
	Database     string `koanf:"database"`
	Collection   string `koanf:"collection"`
	BatchCeiling int    `koanf:"batch_ceiling" validate:"min=2"`
}

type PostgresConfig struct {
	Enabled      bool   `koanf:"enabled"`
	DSN          string `koanf:"dsn" validate:"required_if=Enabled true"`
	Table        string `koanf:"table"`
	BatchCeiling int    `koanf:"batch_ceiling" validate:"min=2"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

func defaultConfig() *Config {
	return &Config{
		DataDir:     ".",
		OutputDir:   ".",
		Regions:     []string{},
		Resolutions: []int{7},
		Inputs: InputsConfig{
			Attributes: "census/density/{region}.csv",
			Tracts:     "tracts/2020/tl_2020_{region}_tract.zip",
			Boundary:   "states/{region}.geojson",
		},
		Parallelism: ParallelismConfig{
			Mode:    ModeChunks,
			Workers: 0, // 0 = NumCPU-1
		},
		Prefilter: PrefilterConfig{
			BufferFactor:    2.0,
			GridCellDegrees: 0.25,
		},
		Area:     AreaConfig{Model: "spherical"},
		Boundary: BoundaryConfig{MultiPolygon: "first"},
		Tracts: TractsConfig{
			IDField:       "GEOID",
			RepairInvalid: true,
		},
		Output: OutputConfig{GeoJSON: false, Shapefile: false},
		Mongo: MongoConfig{
			Database:     "hexdensity",
			Collection:   "density",
			BatchCeiling: 500,
		},
		Postgres: PostgresConfig{
			Table:        "hex_density",
			BatchCeiling: 500,
		},
		Server:  ServerConfig{Addr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// Load layers defaults, the optional YAML file at path, and HEXDENSITY_*
// environment variables, then validates the result.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// envTransformFunc maps HEXDENSITY_PARALLELISM__WORKERS to parallelism.workers.
func envTransformFunc(key string) string {
	key = strings.TrimPrefix(key, EnvPrefix)
	key = strings.ToLower(key)
	return strings.ReplaceAll(key, "__", ".")
}

// processSliceFields splits comma-separated env values for list keys.
func processSliceFields(k *koanf.Koanf) error {
	if s, ok := k.Get("regions").(string); ok {
		if err := k.Set("regions", splitList(s)); err != nil {
			return fmt.Errorf("regions: %w", err)
		}
	}
	if s, ok := k.Get("resolutions").(string); ok {
		var res []int
		for _, part := range splitList(s) {
			n, err := strconv.Atoi(part)
			if err != nil {
				return fmt.Errorf("resolutions: %q is not an integer", part)
			}
			res = append(res, n)
		}
		if err := k.Set("resolutions", res); err != nil {
			return fmt.Errorf("resolutions: %w", err)
		}
	}
	return nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var validate = validator.New()

// Validate checks struct tags and cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	for _, tmpl := range []string{c.Inputs.Attributes, c.Inputs.Tracts, c.Inputs.Boundary} {
		if !strings.Contains(tmpl, "{region}") {
			return fmt.Errorf("input path template %q must contain {region}", tmpl)
		}
	}
	return nil
}

// EffectiveWorkers resolves Workers=0 to NumCPU-1, at least 1.
func (c *Config) EffectiveWorkers() int {
	if c.Parallelism.Workers > 0 {
		return c.Parallelism.Workers
	}
	n := runtime.NumCPU() - 1
	if n < 1 {
		n = 1
	}
	return n
}

// InputPath expands a template for region under DataDir.
func (c *Config) InputPath(tmpl, region string) string {
	rel := strings.ReplaceAll(tmpl, "{region}", region)
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(c.DataDir, rel)
}

// Default returns a validated default configuration, for tests and embedding.
func Default() *Config {
	return defaultConfig()
}
