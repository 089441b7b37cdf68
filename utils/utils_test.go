package utils

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"math"
	"mime/multipart"
	"net/http/httptest"
	"sort"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/rs/zerolog"
	"github.com/twpayne/go-geos"
)

func square(minX, minY, size float64) [][]float64 {
	return [][]float64{{minX, minY}, {minX + size, minY}, {minX + size, minY + size}, {minX, minY + size}, {minX, minY}}
}

func TestWorkerPoolRun(t *testing.T) {
	jobs := make([]int, 100)
	for i := range jobs {
		jobs[i] = i
	}

	var running, peak int64
	pool := NewWorkerPool[int, int, int](4, 10, "squares", zerolog.Nop())
	results, err := pool.Run(context.Background(), jobs, func(ctx context.Context, offset int, j int) (int, error) {
		n := atomic.AddInt64(&running, 1)
		for {
			p := atomic.LoadInt64(&peak)
			if n <= p || atomic.CompareAndSwapInt64(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt64(&running, -1)
		return j*j + offset, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for i, r := range results {
		if r != i*i+10 {
			t.Fatalf("results[%d] = %d, want %d", i, r, i*i+10)
		}
	}
	if peak > 4 {
		t.Errorf("peak concurrency %d exceeds 4 workers", peak)
	}

	empty, err := pool.Run(context.Background(), nil, nil)
	if err != nil || empty == nil || len(empty) != 0 {
		t.Errorf("Run(nil) = %v, %v", empty, err)
	}
}

func TestWorkerPoolRunFailFast(t *testing.T) {
	errBoom := errors.New("boom")
	pool := NewWorkerPool[struct{}, int, int](2, struct{}{}, "chunks", zerolog.Nop())

	results, err := pool.Run(context.Background(), []int{0, 1, 2, 3}, func(ctx context.Context, _ struct{}, j int) (int, error) {
		if j == 2 {
			return 0, errBoom
		}
		return j, nil
	})
	if !errors.Is(err, errBoom) || results != nil {
		t.Errorf("Run() = %v, %v; want nil results and errBoom", results, err)
	}

	_, err = pool.Run(context.Background(), []int{0, 1}, func(ctx context.Context, _ struct{}, j int) (int, error) {
		if j == 1 {
			panic("geos exploded")
		}
		return j, nil
	})
	if err == nil || !strings.Contains(err.Error(), "geos exploded") {
		t.Errorf("panic surfaced as %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := pool.Run(ctx, []int{0, 1, 2}, func(ctx context.Context, _ struct{}, j int) (int, error) {
		return j, ctx.Err()
	}); !errors.Is(err, context.Canceled) {
		t.Errorf("cancelled Run() error = %v", err)
	}
}

func TestWorkerPoolRunEach(t *testing.T) {
	pool := NewWorkerPool[struct{}, string, int](3, struct{}{}, "jobs", zerolog.Nop())
	jobs := []string{"ok", "fail", "panic", "ok"}

	outcomes := pool.RunEach(context.Background(), jobs, func(ctx context.Context, _ struct{}, j string) (int, error) {
		switch j {
		case "fail":
			return 0, errors.New("failed")
		case "panic":
			panic("bad job")
		}
		return len(j), nil
	})
	if len(outcomes) != len(jobs) {
		t.Fatalf("got %d outcomes", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Job != jobs[i] {
			t.Errorf("outcomes[%d].Job = %q, want %q", i, o.Job, jobs[i])
		}
		wantErr := jobs[i] != "ok"
		if (o.Err != nil) != wantErr {
			t.Errorf("outcomes[%d].Err = %v", i, o.Err)
		}
		if !wantErr && o.Result != 2 {
			t.Errorf("outcomes[%d].Result = %d", i, o.Result)
		}
	}

	if got := pool.RunEach(context.Background(), nil, nil); len(got) != 0 {
		t.Errorf("RunEach(nil) = %v", got)
	}
}

func TestNewWorkerPoolDefaults(t *testing.T) {
	pool := NewWorkerPool[int, int, int](0, 0, "default", zerolog.Nop())
	if pool.NumWorkers != DefaultWorkers() || pool.NumWorkers < 1 {
		t.Errorf("NumWorkers = %d, DefaultWorkers = %d", pool.NumWorkers, DefaultWorkers())
	}
}

func TestProgressTracker(t *testing.T) {
	pt := NewProgressTracker(4, "test", zerolog.Nop())
	for i := 0; i < 3; i++ {
		pt.Increment()
	}
	done, total, pct := pt.GetProgress()
	if done != 3 || total != 4 || pct != 75 {
		t.Errorf("GetProgress() = %d, %d, %v", done, total, pct)
	}
}

func TestSpatialIndex(t *testing.T) {
	si := NewSpatialIndex(1)
	si.Insert(Box{MinX: 0, MinY: 0, MaxX: 2, MaxY: 2}, 0)
	si.Insert(Box{MinX: 1, MinY: 1, MaxX: 3, MaxY: 3}, 1)
	si.Insert(Box{MinX: -2.5, MinY: -2.5, MaxX: -0.5, MaxY: -0.5}, 2)
	si.Insert(Box{MinX: -10, MinY: -10, MaxX: 10, MaxY: 10}, 3)

	tests := []struct {
		x, y float64
		want []int
	}{
		{0.5, 0.5, []int{0, 3}},
		{1.5, 1.5, []int{0, 1, 3}},
		{2, 2, []int{0, 1, 3}},
		{-1, -1, []int{2, 3}},
		{-0.25, -0.25, []int{3}},
		{20, 20, nil},
	}
	for _, tt := range tests {
		got := si.QueryPoint(tt.x, tt.y)
		if len(got) != len(tt.want) {
			t.Errorf("QueryPoint(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("QueryPoint(%v, %v) = %v, want %v", tt.x, tt.y, got, tt.want)
				break
			}
		}
		if !sort.IntsAreSorted(got) {
			t.Errorf("QueryPoint(%v, %v) not sorted: %v", tt.x, tt.y, got)
		}
	}
	if si.Len() != 4 {
		t.Errorf("Len() = %d", si.Len())
	}
}

func TestMetersToDegrees(t *testing.T) {
	dLat, dLng := MetersToDegrees(0, 111000)
	if math.Abs(dLat-1) > 1e-12 || math.Abs(dLng-1) > 1e-12 {
		t.Errorf("equator: %v, %v", dLat, dLng)
	}
	dLat, dLng = MetersToDegrees(60, 1000)
	if math.Abs(dLng/dLat-2) > 1e-9 {
		t.Errorf("60N: longitude degrees should double, got ratio %v", dLng/dLat)
	}
	_, dLng = MetersToDegrees(90, 1000)
	if math.IsInf(dLng, 0) || dLng <= 0 {
		t.Errorf("pole: dLng = %v", dLng)
	}

	box := Box{MinX: -120, MinY: 39, MaxX: -119, MaxY: 40}
	grown := BufferBox(box, 2000)
	_, want := MetersToDegrees(40, 2000)
	if grown.MinX >= box.MinX || grown.MaxY <= box.MaxY || box.MinX-grown.MinX < want {
		t.Errorf("BufferBox() = %+v", grown)
	}
}

func TestRingHelpers(t *testing.T) {
	open := [][]float64{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	closed := CloseRing(open)
	if len(closed) != 5 || closed[4][0] != 0 || closed[4][1] != 0 {
		t.Errorf("CloseRing() = %v", closed)
	}
	if len(open) != 4 {
		t.Error("CloseRing modified its input")
	}
	if again := CloseRing(closed); len(again) != 5 {
		t.Errorf("CloseRing(closed) has %d vertices", len(again))
	}

	if a := SignedArea(closed); a != 1 {
		t.Errorf("SignedArea(ccw) = %v", a)
	}
	if a := SignedArea(reversed(closed)); a != -1 {
		t.Errorf("SignedArea(cw) = %v", a)
	}

	ring := TruncateRing([][]float64{{1.123456789, -2.987654321}})
	if ring[0][0] != 1.1234568 || ring[0][1] != -2.9876543 {
		t.Errorf("TruncateRing() = %v", ring)
	}
}

func TestNewPolygon(t *testing.T) {
	ctx := geos.NewContext()
	g, err := NewPolygon(ctx, [][][]float64{{{0, 0}, {4, 0}, {4, 4}, {0, 4}}, square(1, 1, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if a := g.Area(); a != 15 {
		t.Errorf("Area() = %v, want 15", a)
	}
	if box := GeomBox(g); box != (Box{MaxX: 4, MaxY: 4}) {
		t.Errorf("GeomBox() = %+v", box)
	}

	rings := PolygonRings(g)
	if len(rings) != 1 || len(rings[0]) != 2 {
		t.Errorf("PolygonRings(polygon) = %d polygons", len(rings))
	}
	multi := ctx.NewCollection(geos.TypeIDMultiPolygon, []*geos.Geom{
		ctx.NewPolygon([][][]float64{square(0, 0, 1)}),
		ctx.NewPolygon([][][]float64{square(5, 5, 1)}),
	})
	if rings := PolygonRings(multi); len(rings) != 2 {
		t.Errorf("PolygonRings(multipolygon) = %d polygons", len(rings))
	}
	if rings := PolygonRings(ctx.NewPointFromXY(0, 0)); rings != nil {
		t.Errorf("PolygonRings(point) = %v", rings)
	}

	if _, err := NewPolygon(ctx, nil); err == nil {
		t.Error("NewPolygon(nil) should fail")
	}
	if _, err := NewPolygon(ctx, [][][]float64{{{0, 0}, {1, 1}}}); err == nil {
		t.Error("NewPolygon with a two-vertex ring should fail")
	}
}

func TestGenerateShapefileZip(t *testing.T) {
	fields := []shp.Field{shp.StringField("hex_id", 16), shp.FloatField("density", 24, 6)}
	features := []ShapeFeature{
		{Rings: [][][]float64{square(0, 0, 1)}, Values: []interface{}{"a", 1.5}},
		{Rings: [][][]float64{square(2, 0, 1)}, Values: []interface{}{"b", nil}},
	}
	data, err := GenerateShapefileZip("hexes", []byte(`{}`), fields, features)
	if err != nil {
		t.Fatal(err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	for _, want := range []string{"hexes.json", "hexes.shp", "hexes.shx", "hexes.dbf"} {
		if !names[want] {
			t.Errorf("zip lacks %s; has %v", want, names)
		}
	}

	if _, err := GenerateShapefileZip("empty", nil, fields, nil); err == nil {
		t.Error("GenerateShapefileZip with no features should fail")
	}
}

func TestPolygonShapeOrientation(t *testing.T) {
	p := polygonShape([][][]float64{square(0, 0, 4), square(1, 1, 1)})
	if p.NumParts != 2 || p.NumPoints != 10 {
		t.Fatalf("parts = %d, points = %d", p.NumParts, p.NumPoints)
	}
	ring := func(from, to int) [][]float64 {
		var out [][]float64
		for _, pt := range p.Points[from:to] {
			out = append(out, []float64{pt.X, pt.Y})
		}
		return out
	}
	if SignedArea(ring(0, 5)) >= 0 {
		t.Error("shell should be clockwise")
	}
	if SignedArea(ring(5, 10)) <= 0 {
		t.Error("hole should be counter-clockwise")
	}
}

func TestReadBoundaryRequest(t *testing.T) {
	r := httptest.NewRequest("POST", "/v1/cells?resolution=8&region=32", strings.NewReader(`{"type":"Polygon"}`))
	r.Header.Set("Content-Type", "application/json")
	got, err := ReadBoundaryRequest(r, "file")
	if err != nil {
		t.Fatal(err)
	}
	if got.File != `{"type":"Polygon"}` || got.Properties.Resolution != 8 || got.Properties.Region != "32" {
		t.Errorf("ReadBoundaryRequest() = %+v", got)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("featureCollection", `{"type":"FeatureCollection"}`)
	mw.WriteField("resolution", "5")
	mw.Close()
	r = httptest.NewRequest("POST", "/v1/cells", &body)
	r.Header.Set("Content-Type", mw.FormDataContentType())
	got, err = ReadBoundaryRequest(r, "file")
	if err != nil {
		t.Fatal(err)
	}
	if got.File != `{"type":"FeatureCollection"}` || got.Properties.Resolution != 5 {
		t.Errorf("multipart ReadBoundaryRequest() = %+v", got)
	}

	tests := []struct {
		name, target, body string
	}{
		{"empty body", "/v1/cells", ""},
		{"bad resolution", "/v1/cells?resolution=seven", "{}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", tt.target, strings.NewReader(tt.body))
			if _, err := ReadBoundaryRequest(r, "file"); err == nil {
				t.Error("expected an error")
			}
		})
	}
}
