package ingest

import (
	"math"
	"testing"
	"time"

	"github.com/rastermill/rastermill"
	"github.com/rastermill/rastermill/mock"
)

var testTime = time.Date(2025, 1, 15, 6, 0, 0, 0, time.UTC)

func windPlugin() *mock.Plugin {
	return &mock.Plugin{
		FormatName: "test",
		Ext:        []string{".test"},
		Width:      2,
		Height:     2,
		Bounds:     rastermill.Bounds{West: 0, South: 0, East: 2, North: 2},
		Variables: []mock.PluginVariable{
			{
				Descriptor: rastermill.VariableDescriptor{Name: "u"},
				Units:      "m s**-1",
				Data:       []float32{3, 0, -3, 1},
				Timestamps: []time.Time{testTime},
			},
			{
				Descriptor: rastermill.VariableDescriptor{Name: "v"},
				Units:      "m s**-1",
				Data:       []float32{4, -2, 0, 1},
				Timestamps: []time.Time{testTime},
			},
		},
	}
}

func windVariable(transform rastermill.TransformType) *rastermill.Variable {
	return &rastermill.Variable{
		Slug:      "wind",
		Transform: transform,
		Sources: []rastermill.VariableSource{
			{SourceName: "u", Role: rastermill.RoleUComponent},
			{SourceName: "v", Role: rastermill.RoleVComponent},
		},
	}
}

func TestVectorMagnitude(t *testing.T) {
	e := &Extractor{Plugin: windPlugin(), Path: "x.test"}
	g, err := e.Extract(windVariable(rastermill.TransformVectorMagnitude), testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if g.Data[0] != 5 {
		t.Fatalf("expected hypot(3,4)=5, got %v", g.Data[0])
	}
	if g.Name != "wind" {
		t.Fatalf("expected grid named after variable, got %q", g.Name)
	}
}

func TestVectorDirection(t *testing.T) {
	e := &Extractor{Plugin: windPlugin(), Path: "x.test"}
	g, err := e.Extract(windVariable(rastermill.TransformVectorDirection), testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	// Wind from the southwest (u=3, v=4) comes from ~216.87 degrees.
	if math.Abs(float64(g.Data[0])-216.869) > 0.01 {
		t.Fatalf("expected ~216.87, got %v", g.Data[0])
	}
	// Pure northward wind (u=0, v=-2) blows from the... u=0,v=-2 means
	// from the north: direction 0.
	if math.Abs(float64(g.Data[1])-0) > 0.01 && math.Abs(float64(g.Data[1])-360) > 0.01 {
		t.Fatalf("expected northerly 0/360, got %v", g.Data[1])
	}
	// Easterly: u=-3, v=0 comes from 90 degrees.
	if math.Abs(float64(g.Data[2])-90) > 0.01 {
		t.Fatalf("expected easterly 90, got %v", g.Data[2])
	}
}

func TestBandMath(t *testing.T) {
	e := &Extractor{Plugin: windPlugin(), Path: "x.test"}
	v := windVariable(rastermill.TransformBandMath)
	v.Expression = "u_component * 2 + v_component"
	g, err := e.Extract(v, testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if g.Data[0] != 10 || g.Data[3] != 3 {
		t.Fatalf("expected [10 _ _ 3], got %v", g.Data)
	}
}

func TestThreshold(t *testing.T) {
	e := &Extractor{Plugin: windPlugin(), Path: "x.test"}
	v := windVariable(rastermill.TransformThreshold)
	v.Expression = "u_component > 0"
	g, err := e.Extract(v, testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	want := []float32{1, 0, 0, 1}
	for i, w := range want {
		if g.Data[i] != w {
			t.Fatalf("value %d: expected %v, got %v", i, w, g.Data[i])
		}
	}
}

func TestPassthroughWithConversion(t *testing.T) {
	p := windPlugin()
	p.Variables[0].Data = []float32{273.15, 283.15, 293.15, 303.15}
	e := &Extractor{Plugin: p, Path: "x.test"}
	v := &rastermill.Variable{
		Slug:           "temperature",
		UnitConversion: "K_to_C",
		Units:          "C",
		Sources:        []rastermill.VariableSource{{SourceName: "u"}},
	}
	g, err := e.Extract(v, testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if g.Data[0] != 0 || g.Data[1] != 10 {
		t.Fatalf("expected Celsius values, got %v", g.Data)
	}
	if g.Units != "C" {
		t.Fatalf("expected units C, got %q", g.Units)
	}
}

func TestUnknownConversion(t *testing.T) {
	if err := ConvertUnits([]float32{1}, "furlongs_per_fortnight"); err == nil {
		t.Fatal("expected error for unknown conversion")
	}
}

func TestComputeStats(t *testing.T) {
	nan := float32(math.NaN())
	stats := ComputeStats([]float32{1, 2, 3, nan, 4})
	if *stats.Min != 1 || *stats.Max != 4 || *stats.Mean != 2.5 {
		t.Fatalf("unexpected stats min=%v max=%v mean=%v", *stats.Min, *stats.Max, *stats.Mean)
	}
	if math.Abs(*stats.Std-math.Sqrt(1.25)) > 1e-9 {
		t.Fatalf("unexpected std %v", *stats.Std)
	}
	empty := ComputeStats([]float32{nan, nan})
	if empty.Min != nil {
		t.Fatal("expected empty stats for all-NaN grid")
	}
}

func TestExpressionPropagatesNaN(t *testing.T) {
	p := windPlugin()
	p.Variables[0].Data[1] = float32(math.NaN())
	e := &Extractor{Plugin: p, Path: "x.test"}
	v := windVariable(rastermill.TransformBandMath)
	v.Expression = "u_component + v_component"
	g, err := e.Extract(v, testTime, nil)
	if err != nil {
		t.Fatalf("extracting: %v", err)
	}
	if !math.IsNaN(float64(g.Data[1])) {
		t.Fatalf("expected NaN propagated, got %v", g.Data[1])
	}
}
