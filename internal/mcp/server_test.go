package mcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/nvandessel/heatstep/internal/config"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/ratelimit"
	"github.com/nvandessel/heatstep/internal/store"
)

// setupTestServer creates a server rooted in a temp project with HOME
// isolated so nothing touches the real ~/.heatstep.
func setupTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	tmpDir := t.TempDir()
	t.Setenv("HOME", filepath.Join(tmpDir, "home"))

	root := filepath.Join(tmpDir, "project")
	if err := os.MkdirAll(root, 0755); err != nil {
		t.Fatal(err)
	}

	heat := config.Default()
	heat.Device.Workers = 2
	server, err := NewServer(&Config{Name: "test-server", Version: "v1.0.0", Root: root, Heat: heat})
	if err != nil {
		t.Fatalf("NewServer failed: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, root
}

func TestNewServer(t *testing.T) {
	server, root := setupTestServer(t)

	if server.server == nil || server.store == nil {
		t.Fatal("server not fully initialized")
	}
	if server.root != root {
		t.Errorf("Server.root = %q, want %q", server.root, root)
	}
	if _, err := os.Stat(filepath.Join(root, config.DirName, store.DBFile)); err != nil {
		t.Errorf("run database not created: %v", err)
	}
	for _, tool := range []string{"heat_step", "heat_generate", "heat_runs", "heat_devices", "heat_checkpoints"} {
		if _, ok := server.toolLimiters[tool]; !ok {
			t.Errorf("missing rate limiter for %s", tool)
		}
	}

	if err := server.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := server.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestNewServer_InvalidConfig(t *testing.T) {
	heat := config.Default()
	heat.Stepping.Variant = "sideways"
	if _, err := NewServer(&Config{Root: t.TempDir(), Heat: heat}); err == nil {
		t.Error("expected error for invalid configuration")
	}
}

func TestGenerateStepAndInspect(t *testing.T) {
	server, root := setupTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, gen, err := server.handleHeatGenerate(ctx, req, HeatGenerateInput{
		OutputPath: "worlds/w.heat", Width: 16, Height: 12, Seed: 3,
	})
	if err != nil {
		t.Fatalf("heat_generate failed: %v", err)
	}
	if gen.Width != 16 || gen.Height != 12 {
		t.Errorf("generated %dx%d", gen.Width, gen.Height)
	}
	worldPath := filepath.Join(root, "worlds", "w.heat")
	if _, err := os.Stat(worldPath); err != nil {
		t.Fatalf("world not written: %v", err)
	}

	_, out, err := server.handleHeatStep(ctx, req, HeatStepInput{
		InputPath:       worldPath,
		OutputPath:      "worlds/w2.heat",
		Dt:              0.2,
		Steps:           intPtr(6),
		Variant:         "transfer",
		CheckpointEvery: 3,
		Verify:          true,
	})
	if err != nil {
		t.Fatalf("heat_step failed: %v", err)
	}
	if out.Steps != 6 || out.Variant != "transfer" || out.RunID == "" {
		t.Errorf("heat_step output = %+v", out)
	}
	if out.MaxDiff == nil || *out.MaxDiff > 1e-4 {
		t.Errorf("MaxDiff = %v", out.MaxDiff)
	}
	if len(out.Checkpoints) != 2 {
		t.Errorf("checkpoints = %v, want 2", out.Checkpoints)
	}

	f, err := os.Open(filepath.Join(root, "worlds", "w2.heat"))
	if err != nil {
		t.Fatal(err)
	}
	stepped, err := grid.Load(f)
	f.Close()
	if err != nil {
		t.Fatalf("loading stepped world: %v", err)
	}
	if stepped.Clock != out.ClockAfter || store.StateChecksum(stepped.State) != out.Checksum {
		t.Errorf("stepped world clock=%v checksum mismatch", stepped.Clock)
	}

	_, runs, err := server.handleHeatRuns(ctx, req, HeatRunsInput{})
	if err != nil {
		t.Fatalf("heat_runs failed: %v", err)
	}
	if runs.Count != 1 || runs.Runs[0].ID != out.RunID {
		t.Errorf("heat_runs = %+v", runs)
	}
	_, one, err := server.handleHeatRuns(ctx, req, HeatRunsInput{RunID: out.RunID})
	if err != nil || one.Count != 1 || one.Runs[0].Steps != 6 {
		t.Errorf("heat_runs by id = %+v, %v", one, err)
	}

	_, cps, err := server.handleHeatCheckpoints(ctx, req, HeatCheckpointsInput{})
	if err != nil {
		t.Fatalf("heat_checkpoints failed: %v", err)
	}
	if cps.Count != 2 || cps.Checkpoints[0].Step != 6 {
		t.Errorf("heat_checkpoints = %+v", cps)
	}

	audit, err := os.ReadFile(server.auditLogger.Path())
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(audit), "\n") != 5 || strings.Contains(string(audit), "w2.heat") {
		t.Errorf("audit log = %s", audit)
	}
}

func TestHandleHeatStep_Errors(t *testing.T) {
	server, root := setupTestServer(t)
	ctx := context.Background()

	outside := filepath.Join(t.TempDir(), "w.heat")
	if err := os.WriteFile(filepath.Join(root, "bad.heat"), []byte("HeatWorld v9\n"), 0600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		args    HeatStepInput
		wantErr string
	}{
		{"missing input", HeatStepInput{}, "required"},
		{"outside project", HeatStepInput{InputPath: outside}, "rejected"},
		{"unknown variant", HeatStepInput{InputPath: "bad.heat", Variant: "sideways"}, "unknown variant"},
		{"too many steps", HeatStepInput{InputPath: "bad.heat", Steps: intPtr(maxToolSteps + 1)}, "steps must be"},
		{"bad world", HeatStepInput{InputPath: "bad.heat"}, "loading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server.toolLimiters = ratelimit.NewToolLimiters()
			_, _, err := server.handleHeatStep(ctx, nil, tt.args)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("heat_step error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandleHeatStep_ZeroSteps(t *testing.T) {
	server, root := setupTestServer(t)
	ctx := context.Background()

	g := grid.Bordered(6, 5, 0.4, 1, 0.25)
	g.Clock = 3
	path := filepath.Join(root, "w.heat")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := grid.Save(f, g, false); err != nil {
		t.Fatal(err)
	}
	f.Close()

	_, out, err := server.handleHeatStep(ctx, nil, HeatStepInput{InputPath: "w.heat", Steps: intPtr(0)})
	if err != nil {
		t.Fatalf("heat_step failed: %v", err)
	}
	if out.Steps != 0 || out.ClockAfter != 3 {
		t.Errorf("heat_step output = %+v, want 0 steps and clock 3", out)
	}

	f, err = os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	got, err := grid.Load(f)
	if err != nil {
		t.Fatal(err)
	}
	if got.Clock != g.Clock {
		t.Errorf("clock = %v, want %v", got.Clock, g.Clock)
	}
	for i := range g.State {
		if got.State[i] != g.State[i] {
			t.Fatalf("cell %d changed by a zero-step run", i)
		}
	}
}

func TestHandleHeatStep_RateLimited(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	// heat_step has burst 2; failed calls still spend tokens.
	for i := 0; i < 2; i++ {
		server.handleHeatStep(ctx, nil, HeatStepInput{})
	}
	_, _, err := server.handleHeatStep(ctx, nil, HeatStepInput{})
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		t.Errorf("third heat_step error = %v, want rate limited", err)
	}
}

func TestHandleHeatDevices(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	_, out, err := server.handleHeatDevices(ctx, nil, HeatDevicesInput{Backend: "cpu"})
	if err != nil {
		t.Fatalf("heat_devices failed: %v", err)
	}
	if len(out.Backends) != 1 || len(out.Backends[0].Platforms) != 1 {
		t.Errorf("heat_devices = %+v", out)
	}
	if !strings.HasPrefix(out.Selected, "cpu platform 0 device 0") {
		t.Errorf("Selected = %q", out.Selected)
	}

	if _, _, err := server.handleHeatDevices(ctx, nil, HeatDevicesInput{Backend: "abacus"}); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestHandleHeatGenerate_Errors(t *testing.T) {
	server, _ := setupTestServer(t)
	ctx := context.Background()

	if _, _, err := server.handleHeatGenerate(ctx, nil, HeatGenerateInput{}); err == nil {
		t.Error("expected error for missing output_path")
	}
	if _, _, err := server.handleHeatGenerate(ctx, nil, HeatGenerateInput{OutputPath: "big.heat", Width: maxToolSide + 1}); err == nil {
		t.Error("expected error for oversized world")
	}
	if _, _, err := server.handleHeatGenerate(ctx, nil, HeatGenerateInput{OutputPath: "../escape.heat"}); err == nil {
		t.Error("expected error for path outside project")
	}
}

func TestSanitizeToolParams(t *testing.T) {
	got := sanitizeToolParams(map[string]any{
		"input_path": "/home/u/secret/w.heat",
		"steps":      intPtr(10),
		"limit":      (*int)(nil),
		"variant":    "resident",
		"verify":     false,
		"unknown":    "x",
	})
	if got["input_path"] != "(set)" || got["steps"] != "10" || got["variant"] != "resident" {
		t.Errorf("sanitizeToolParams() = %v", got)
	}
	if _, ok := got["verify"]; ok {
		t.Error("zero-valued params should be omitted")
	}
	if _, ok := got["unknown"]; ok {
		t.Error("unknown params should not be logged")
	}
	if got["_param_count"] != "4" {
		t.Errorf("_param_count = %q, want 4", got["_param_count"])
	}
	if sanitizeToolParams(nil) != nil {
		t.Error("nil params should give nil")
	}
}

func TestAuditLogger_NilSafe(t *testing.T) {
	var a *AuditLogger
	a.Log(AuditEntry{Tool: "heat_step"})
	if err := a.Close(); err != nil {
		t.Errorf("Close() on nil = %v", err)
	}
	if a.Path() != "" {
		t.Error("nil logger has a path")
	}
}

func intPtr(v int) *int { return &v }
