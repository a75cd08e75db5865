package runner

import (
	"context"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/nvandessel/heatstep/internal/checkpoint"
	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/logging"
	"github.com/nvandessel/heatstep/internal/pipeline"
	"github.com/nvandessel/heatstep/internal/stencil"
	"github.com/nvandessel/heatstep/internal/store"
	"github.com/nvandessel/heatstep/internal/watch"
)

type recordingPublisher struct {
	frames []watch.Frame
}

func (p *recordingPublisher) Publish(f watch.Frame) error {
	p.frames = append(p.frames, f)
	return nil
}

func world(t *testing.T) *grid.Grid {
	t.Helper()
	opts := grid.DefaultGenerateOptions()
	opts.Width, opts.Height = 20, 14
	g, err := grid.Generate(opts, rand.New(rand.NewSource(9)))
	if err != nil {
		t.Fatal(err)
	}
	return g
}

func cpuOptions() Options {
	return Options{
		Device:  device.Config{Backend: device.CPUBackendName, Workers: 2},
		Variant: pipeline.VariantResident,
		Dt:      0.1,
		Steps:   10,
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	runs := store.NewInMemoryRunStore()
	pub := &recordingPublisher{}

	opts := cpuOptions()
	opts.CheckpointEvery = 3
	opts.CheckpointDir = filepath.Join(dir, "checkpoints")
	opts.Retention = &checkpoint.CountPolicy{MaxCount: 2}
	opts.Watch = pub
	opts.Verify = true
	opts.Store = runs
	opts.TraceDir = dir
	opts.LogLevel = "debug"

	g := world(t)
	want := g.Clone()
	if err := stencil.Reference(want, opts.Dt, opts.Steps); err != nil {
		t.Fatal(err)
	}

	report, err := Run(context.Background(), g, opts)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if report.Result.Steps != 10 || report.Device == "" {
		t.Errorf("report = %+v", report)
	}
	if diff, _ := stencil.MaxAbsDiff(g.State, want.State); diff > 1e-5 {
		t.Errorf("state differs from reference by %g", diff)
	}
	if report.MaxDiff == nil || *report.MaxDiff > DefaultVerifyTolerance {
		t.Errorf("MaxDiff = %v", report.MaxDiff)
	}
	if len(report.Checkpoints) != 4 || len(report.Pruned) != 2 {
		t.Errorf("checkpoints = %d, pruned = %d, want 4 and 2", len(report.Checkpoints), len(report.Pruned))
	}
	if len(pub.frames) != 4 || pub.frames[3].StepsDone != 10 {
		t.Errorf("frames = %+v", pub.frames)
	}

	latest, err := checkpoint.Latest(opts.CheckpointDir)
	if err != nil {
		t.Fatal(err)
	}
	restored, _, err := checkpoint.Read(latest.Path)
	if err != nil {
		t.Fatal(err)
	}
	if restored.Clock != g.Clock {
		t.Errorf("latest checkpoint clock = %v, want %v", restored.Clock, g.Clock)
	}

	run, err := runs.GetRun(context.Background(), report.RunID)
	if err != nil {
		t.Fatalf("GetRun() error = %v", err)
	}
	if run.Status != store.StatusOK || run.Checksum != store.StateChecksum(g.State) || run.Steps != 10 {
		t.Errorf("recorded run = %+v", run)
	}

	if _, err := os.Stat(filepath.Join(dir, logging.TraceFile)); err != nil {
		t.Errorf("trace file missing: %v", err)
	}
}

func TestRun_BatchStepsWithoutCheckpoints(t *testing.T) {
	pub := &recordingPublisher{}
	opts := cpuOptions()
	opts.Variant = pipeline.VariantTransfer
	opts.BatchSteps = 5
	opts.Watch = pub

	if _, err := Run(context.Background(), world(t), opts); err != nil {
		t.Fatal(err)
	}
	if len(pub.frames) != 2 {
		t.Errorf("frames = %d, want 2", len(pub.frames))
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Options, *grid.Grid)
		wantErr error
	}{
		{"invalid grid", func(o *Options, g *grid.Grid) { g.Properties[0] = 0 }, grid.ErrInvalidGrid},
		{"unknown backend", func(o *Options, g *grid.Grid) { o.Device.Backend = "abacus" }, device.ErrUnknownBackend},
		{"missing platform", func(o *Options, g *grid.Grid) { o.Device.Platform = 4 }, device.ErrNoPlatform},
		{"missing device", func(o *Options, g *grid.Grid) { o.Device.Device = 1 }, device.ErrNoDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs := store.NewInMemoryRunStore()
			opts := cpuOptions()
			opts.Store = runs
			g := world(t)
			tt.modify(&opts, g)

			if _, err := Run(context.Background(), g, opts); !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if recorded, _ := runs.ListRuns(context.Background(), store.RunFilter{}); len(recorded) != 0 {
				t.Errorf("setup failure recorded %d runs", len(recorded))
			}
		})
	}

	opts := cpuOptions()
	opts.Steps = -1
	if _, err := Run(context.Background(), world(t), opts); err == nil {
		t.Error("expected error for negative steps")
	}
}

func TestRun_RecordsFailure(t *testing.T) {
	runs := store.NewInMemoryRunStore()
	opts := cpuOptions()
	opts.Store = runs
	opts.CheckpointEvery = 2
	opts.CheckpointDir = t.TempDir()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, world(t), opts); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}

	recorded, err := runs.ListRuns(context.Background(), store.RunFilter{Status: store.StatusFailed})
	if err != nil {
		t.Fatal(err)
	}
	if len(recorded) != 1 || recorded[0].Steps != 0 {
		t.Errorf("failed runs = %+v", recorded)
	}
}

func TestVerifyTolerance(t *testing.T) {
	g := world(t)
	ref := g.Clone()
	stepped := g.Clone()
	stepped.State[stepped.Index(5, 5)] += 0.5

	report := &Report{}
	opts := Options{Dt: 0.1, Steps: 0, VerifyTolerance: 0.1}
	if err := verify(ref, stepped, opts, report); !errors.Is(err, ErrVerification) {
		t.Errorf("verify() error = %v, want ErrVerification", err)
	}
	if report.MaxDiff == nil || *report.MaxDiff < 0.4 {
		t.Errorf("MaxDiff = %v", report.MaxDiff)
	}
}
