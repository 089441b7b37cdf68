package engine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jonas-p/go-shp"

	"github.com/bsaid97/hexdensity/config"
	"github.com/bsaid97/hexdensity/density"
	"github.com/bsaid97/hexdensity/store"
	"github.com/bsaid97/hexdensity/tracts"
	"github.com/bsaid97/hexdensity/utils"
)

func rect(minX, minY, maxX, maxY float64) [][]float64 {
	return [][]float64{{minX, minY}, {maxX, minY}, {maxX, maxY}, {minX, maxY}, {minX, minY}}
}

const fixtureBoundary = `{"type":"Feature","properties":{},"geometry":{"type":"Polygon","coordinates":[[
	[-119.85,39.50],[-119.75,39.50],[-119.75,39.60],[-119.85,39.60],[-119.85,39.50]
]]}}`

// writeFixture lays out the inputs of region under dir: two tracts split at
// lng -119.8 with densities 500 and 1500, and a boundary straddling both.
func writeFixture(t *testing.T, dir, region string) {
	t.Helper()
	mustWrite := func(rel string, data []byte) {
		p := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, data, 0o644); err != nil {
			t.Fatal(err)
		}
	}

	mustWrite("census/density/"+region+".csv", []byte("TRACT,POP100,AREALAND\n100,1000,2000000\n200,3000,2000000\n"))

	zipData, err := utils.GenerateShapefileZip("tl_2020_"+region+"_tract", nil,
		[]shp.Field{shp.StringField("GEOID", 11)},
		[]utils.ShapeFeature{
			{Rings: [][][]float64{rect(-120.0, 39.4, -119.8, 39.7)}, Values: []interface{}{region + "031000100"}},
			{Rings: [][][]float64{rect(-119.8, 39.4, -119.6, 39.7)}, Values: []interface{}{region + "031000200"}},
		})
	if err != nil {
		t.Fatal(err)
	}
	mustWrite("tracts/2020/tl_2020_"+region+"_tract.zip", zipData)
	mustWrite("states/"+region+".geojson", []byte(fixtureBoundary))
}

func testConfig(t *testing.T, workers int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.OutputDir = filepath.Join(dir, "out")
	cfg.Parallelism.Workers = workers
	return cfg
}

func TestPartition(t *testing.T) {
	ids := strings.Split("a b c d e f g h i j", " ")
	tests := []struct {
		n     int
		sizes []int
	}{
		{3, []int{4, 3, 3}},
		{1, []int{10}},
		{10, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{25, []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
		{0, []int{10}},
	}
	for _, tt := range tests {
		chunks := Partition(ids, tt.n)
		if len(chunks) != len(tt.sizes) {
			t.Errorf("Partition(n=%d) = %d chunks, want %d", tt.n, len(chunks), len(tt.sizes))
			continue
		}
		var joined []string
		for i, c := range chunks {
			if len(c) != tt.sizes[i] {
				t.Errorf("Partition(n=%d) chunk %d size %d, want %d", tt.n, i, len(c), tt.sizes[i])
			}
			joined = append(joined, c...)
		}
		if strings.Join(joined, " ") != strings.Join(ids, " ") {
			t.Errorf("Partition(n=%d) lost order: %v", tt.n, joined)
		}
	}
	if Partition(nil, 4) != nil {
		t.Error("Partition(nil) should be nil")
	}
}

func TestMerge(t *testing.T) {
	a := []density.Record{{Hex: "a"}, {Hex: "b"}}
	b := []density.Record{{Hex: "c"}}
	merged, err := Merge([][]density.Record{a, b})
	if err != nil || len(merged) != 3 {
		t.Fatalf("Merge() = %v, %v", merged, err)
	}
	if _, err := Merge([][]density.Record{a, {{Hex: "b"}}}); err == nil {
		t.Error("Merge() accepted a hex from two chunks")
	}
}

func TestRunComputesThenSkips(t *testing.T) {
	cfg := testConfig(t, 3)
	writeFixture(t, cfg.DataDir, "32")
	eng := New(cfg)
	job := Job{Region: "32", Resolution: 7}

	out, err := eng.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Status != StatusComputed || out.Hexagons == 0 {
		t.Fatalf("outcome = %+v", out)
	}
	if out.Output != filepath.Join(cfg.OutputDir, "density", "32", "7", "32.json") {
		t.Errorf("Output = %s", out.Output)
	}

	records, err := eng.Files().Load(job)
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != out.Hexagons {
		t.Errorf("artifact has %d records, outcome says %d", len(records), out.Hexagons)
	}
	var west, east bool
	for id, r := range records {
		if r.Hex != id || r.Density == nil {
			t.Fatalf("bad record %s: %+v", id, r)
		}
		d := *r.Density
		if d < 500-1e-6 || d > 1500+1e-6 {
			t.Errorf("%s density %v outside [500, 1500]", id, d)
		}
		west = west || d < 500+1e-6
		east = east || d > 1500-1e-6
	}
	if !west || !east {
		t.Errorf("expected cells fully inside each tract (west %v, east %v)", west, east)
	}

	before, err := os.ReadFile(out.Output)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := os.Stat(out.Output)

	again, err := eng.Run(context.Background(), job)
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}
	if again.Status != StatusSkipped {
		t.Errorf("second Run() status = %s, want skipped", again.Status)
	}
	after, _ := os.ReadFile(out.Output)
	info2, _ := os.Stat(out.Output)
	if !bytes.Equal(before, after) || !info.ModTime().Equal(info2.ModTime()) {
		t.Error("skipped job touched the artifact")
	}

	forced, err := eng.WithForce(true).Run(context.Background(), job)
	if err != nil || forced.Status != StatusComputed {
		t.Errorf("forced Run() = %+v, %v", forced, err)
	}
}

func TestRunIsIndependentOfChunking(t *testing.T) {
	cfg := testConfig(t, 1)
	writeFixture(t, cfg.DataDir, "32")
	job := Job{Region: "32", Resolution: 7}

	if _, err := New(cfg).Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	single, err := New(cfg).Files().Load(job)
	if err != nil {
		t.Fatal(err)
	}

	cfg.Parallelism.Workers = 5
	if _, err := New(cfg).WithForce(true).Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	multi, err := New(cfg).Files().Load(job)
	if err != nil {
		t.Fatal(err)
	}

	if len(single) != len(multi) {
		t.Fatalf("len %d vs %d", len(single), len(multi))
	}
	for id, r := range single {
		m, ok := multi[id]
		if !ok || r.Value() != m.Value() {
			t.Errorf("%s: %v vs %v", id, r.Value(), m.Value())
		}
	}
}

func TestRunErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, cfg *config.Config)
		job   Job
		want  error
	}{
		{
			name:  "missing inputs",
			setup: func(*testing.T, *config.Config) {},
			job:   Job{Region: "99", Resolution: 7},
			want:  ErrInputMissing,
		},
		{
			name: "point boundary",
			setup: func(t *testing.T, cfg *config.Config) {
				writeFixture(t, cfg.DataDir, "32")
				p := cfg.InputPath(cfg.Inputs.Boundary, "32")
				if err := os.WriteFile(p, []byte(`{"type":"Feature","properties":{},"geometry":{"type":"Point","coordinates":[0,0]}}`), 0o644); err != nil {
					t.Fatal(err)
				}
			},
			job:  Job{Region: "32", Resolution: 7},
			want: ErrUnsupportedGeometry,
		},
		{
			name:  "bad resolution",
			setup: func(t *testing.T, cfg *config.Config) { writeFixture(t, cfg.DataDir, "32") },
			job:   Job{Region: "32", Resolution: 16},
			want:  ErrInvalidResolution,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 2)
			tt.setup(t, cfg)
			out, err := New(cfg).Run(context.Background(), tt.job)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Run() error = %v, want %v", err, tt.want)
			}
			var je *JobError
			if !errors.As(err, &je) || je.Region != tt.job.Region || je.Resolution != tt.job.Resolution {
				t.Errorf("error %v does not carry the job identity", err)
			}
			if out.Status != StatusFailed {
				t.Errorf("Status = %s, want failed", out.Status)
			}
		})
	}
}

func TestRunWorkerFailureLeavesNoArtifact(t *testing.T) {
	tests := []struct {
		name    string
		compute chunkFunc
	}{
		{
			name: "error",
			compute: func(ctx context.Context, ids []string, idx *tracts.Index, opts density.ChunkOptions) ([]density.Record, density.Stats, error) {
				return nil, density.Stats{}, errors.New("geometry exploded")
			},
		},
		{
			name: "panic in one chunk",
			compute: func() chunkFunc {
				var calls int32
				return func(ctx context.Context, ids []string, idx *tracts.Index, opts density.ChunkOptions) ([]density.Record, density.Stats, error) {
					if atomic.AddInt32(&calls, 1) == 2 {
						panic("boom")
					}
					return density.ComputeChunk(ctx, ids, idx, opts)
				}
			}(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t, 3)
			writeFixture(t, cfg.DataDir, "32")
			eng := New(cfg)
			eng.compute = tt.compute
			job := Job{Region: "32", Resolution: 7}

			_, err := eng.Run(context.Background(), job)
			if !errors.Is(err, ErrWorkerFailure) {
				t.Fatalf("Run() error = %v, want ErrWorkerFailure", err)
			}
			if done, _ := eng.Files().Exists(context.Background(), job); done {
				t.Error("artifact written for a failed job")
			}
		})
	}
}

type failingSink struct{ writes int }

func (f *failingSink) Name() string                                { return "failing" }
func (f *failingSink) Exists(context.Context, store.Job) (bool, error) { return false, nil }
func (f *failingSink) Write(context.Context, store.Job, map[string]density.Record) error {
	f.writes++
	return errors.New("store unavailable")
}

func TestRunPersistenceFailureLeavesNoArtifact(t *testing.T) {
	cfg := testConfig(t, 2)
	writeFixture(t, cfg.DataDir, "32")
	sink := &failingSink{}
	eng := New(cfg, sink)
	job := Job{Region: "32", Resolution: 7}

	_, err := eng.Run(context.Background(), job)
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("Run() error = %v, want ErrPersistence", err)
	}
	if sink.writes != 1 {
		t.Errorf("sink writes = %d, want 1", sink.writes)
	}
	if done, _ := eng.Files().Exists(context.Background(), job); done {
		t.Error("checkpoint written although a sink failed")
	}

	status, err := eng.SinkStatus(context.Background(), job)
	if err != nil || status["file"] || status["failing"] {
		t.Errorf("SinkStatus() = %v, %v", status, err)
	}
}

func TestRunAllIsolatesFailures(t *testing.T) {
	for _, mode := range []string{config.ModeChunks, config.ModeJobs} {
		t.Run(mode, func(t *testing.T) {
			cfg := testConfig(t, 2)
			cfg.Parallelism.Mode = mode
			writeFixture(t, cfg.DataDir, "32")
			writeFixture(t, cfg.DataDir, "15")

			jobs := []Job{{Region: "32", Resolution: 7}, {Region: "99", Resolution: 7}, {Region: "15", Resolution: 6}}
			outcomes := New(cfg).RunAll(context.Background(), jobs)
			if len(outcomes) != 3 {
				t.Fatalf("got %d outcomes", len(outcomes))
			}
			want := []Status{StatusComputed, StatusFailed, StatusComputed}
			for i, o := range outcomes {
				if o.Job != jobs[i] {
					t.Errorf("outcome %d is for %v, want %v", i, o.Job, jobs[i])
				}
				if o.Status != want[i] {
					t.Errorf("outcome %d status = %s (%v), want %s", i, o.Status, o.Err, want[i])
				}
			}
			if !errors.Is(outcomes[1].Err, ErrInputMissing) {
				t.Errorf("failed job error = %v, want ErrInputMissing", outcomes[1].Err)
			}
		})
	}
}

func TestJobsExpandsConfig(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Regions = []string{"32", "06"}
	cfg.Resolutions = []int{5, 7}
	jobs := New(cfg).Jobs()
	if len(jobs) != 4 || jobs[1] != (Job{Region: "32", Resolution: 7}) || jobs[2].Region != "06" {
		t.Errorf("Jobs() = %v", jobs)
	}
}
