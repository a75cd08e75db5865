package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/nvandessel/heatstep/internal/config"
	"github.com/nvandessel/heatstep/internal/device"
	"github.com/nvandessel/heatstep/internal/export"
	"github.com/nvandessel/heatstep/internal/grid"
	"github.com/nvandessel/heatstep/internal/stencil"
	"github.com/nvandessel/heatstep/internal/store"
)

// newTestRootCmd creates a root command with persistent flags for testing subcommands
func newTestRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "heatstep",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().Bool("json", false, "Output as JSON")
	rootCmd.PersistentFlags().String("root", ".", "Project root directory")
	rootCmd.PersistentFlags().String("log-level", "", "Log level")
	return rootCmd
}

// isolateHome points HOME at a temp directory so tests never read or write
// the real ~/.heatstep, and clears HEATSTEP_* overrides.
func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	for _, env := range os.Environ() {
		if name, _, _ := strings.Cut(env, "="); strings.HasPrefix(name, "HEATSTEP_") {
			t.Setenv(name, "")
			os.Unsetenv(name)
		}
	}
	return home
}

// execute runs args against a fresh command tree and returns stdout and stderr.
func execute(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := newTestRootCmd()
	root.AddCommand(
		newVersionCmd(),
		newStepCmd(),
		newMakeWorldCmd(),
		newDevicesCmd(),
		newRunsCmd(),
		newCheckpointCmd(),
		newExportCmd(),
		newConfigCmd(),
	)
	var stdout, stderr bytes.Buffer
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.Execute()
	return stdout.String(), stderr.String(), err
}

func loadFile(t *testing.T, path string) *grid.Grid {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	g, err := grid.Load(f)
	if err != nil {
		t.Fatalf("loading %s: %v", path, err)
	}
	return g
}

func textWorld(t *testing.T, g *grid.Grid) string {
	t.Helper()
	var buf bytes.Buffer
	if err := grid.Save(&buf, g, false); err != nil {
		t.Fatal(err)
	}
	return buf.String()
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"version", "step", "make-world", "devices", "runs", "checkpoint", "export", "config", "mcp-server"} {
		if _, _, err := root.Find([]string{name}); err != nil {
			t.Errorf("missing subcommand %s: %v", name, err)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	out, _, err := execute(t, "", "version", "--json")
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]string
	if err := json.Unmarshal([]byte(out), &v); err != nil {
		t.Fatalf("version output %q: %v", out, err)
	}
	if v["version"] != version {
		t.Errorf("version = %q, want %q", v["version"], version)
	}
}

func TestParseStepArgs(t *testing.T) {
	cfg := config.Default()
	tests := []struct {
		name    string
		args    []string
		want    stepArgs
		wantErr bool
	}{
		{"defaults", nil, stepArgs{dt: 0.1, steps: 1}, false},
		{"dt only", []string{"0.25"}, stepArgs{dt: 0.25, steps: 1}, false},
		{"dt and n", []string{"0.5", "40"}, stepArgs{dt: 0.5, steps: 40}, false},
		{"binary", []string{"0.5", "40", "1"}, stepArgs{dt: 0.5, steps: 40, binary: true}, false},
		{"binary zero", []string{"0.5", "40", "0"}, stepArgs{dt: 0.5, steps: 40}, false},
		{"bad dt", []string{"fast"}, stepArgs{}, true},
		{"bad n", []string{"0.1", "many"}, stepArgs{}, true},
		{"negative n", []string{"0.1", "-2"}, stepArgs{}, true},
		{"bad binary", []string{"0.1", "2", "yes"}, stepArgs{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStepArgs(tt.args, cfg)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStepArgs() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("parseStepArgs() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStepCmd_StdinToStdout(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()

	g := grid.Bordered(4, 4, 0.5, 1, 0)
	g.State[g.Index(1, 1)] = 0.5
	want := g.Clone()
	if err := stencil.Reference(want, 1, 3); err != nil {
		t.Fatal(err)
	}

	for _, variant := range []string{"transfer", "resident"} {
		t.Run(variant, func(t *testing.T) {
			out, _, err := execute(t, textWorld(t, g), "step", "1", "3", "--variant", variant, "--root", root)
			if err != nil {
				t.Fatalf("step error = %v", err)
			}
			got, err := grid.Load(strings.NewReader(out))
			if err != nil {
				t.Fatalf("output is not a world: %v\n%s", err, out)
			}
			if got.Clock != want.Clock {
				t.Errorf("clock = %v, want %v", got.Clock, want.Clock)
			}
			if diff, _ := stencil.MaxAbsDiff(got.State, want.State); diff > 1e-5 {
				t.Errorf("differs from reference by %g", diff)
			}
		})
	}
}

func TestStepCmd_FilesRecordCheckpoints(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	input := filepath.Join(root, "world.heat")
	output := filepath.Join(root, "out", "stepped.heat")

	if _, _, err := execute(t, "", "make-world", "--width", "18", "--height", "11", "--seed", "5", "--output", input); err != nil {
		t.Fatalf("make-world error = %v", err)
	}
	original := loadFile(t, input)

	_, stderr, err := execute(t, "", "step", "0.2", "9", "1",
		"--input", input, "--output", output,
		"--root", root, "--record", "--verify", "--checkpoint-every", "4", "--json")
	if err != nil {
		t.Fatalf("step error = %v\n%s", err, stderr)
	}

	stepped := loadFile(t, output)
	want := original.Clone()
	if err := stencil.Reference(want, 0.2, 9); err != nil {
		t.Fatal(err)
	}
	if diff, _ := stencil.MaxAbsDiff(stepped.State, want.State); diff > 1e-5 {
		t.Errorf("stepped world differs from reference by %g", diff)
	}

	out, _, err := execute(t, "", "runs", "--root", root, "--json")
	if err != nil {
		t.Fatalf("runs error = %v", err)
	}
	var runs []store.Run
	if err := json.Unmarshal([]byte(out), &runs); err != nil {
		t.Fatalf("runs output %q: %v", out, err)
	}
	if len(runs) != 1 || runs[0].Steps != 9 || runs[0].MaxDiff == nil || runs[0].Checksum != store.StateChecksum(stepped.State) {
		t.Errorf("runs = %+v", runs)
	}

	out, _, err = execute(t, "", "runs", "show", runs[0].ID, "--root", root)
	if err != nil || !strings.Contains(out, "Steps:     9") {
		t.Errorf("runs show = %q, %v", out, err)
	}

	out, _, err = execute(t, "", "checkpoint", "list", "--root", root, "--json")
	if err != nil {
		t.Fatalf("checkpoint list error = %v", err)
	}
	var infos []struct {
		Path string `json:"path"`
		Step int    `json:"step"`
	}
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatal(err)
	}
	if len(infos) != 3 || infos[0].Step != 9 {
		t.Fatalf("checkpoints = %+v, want 3 with newest at step 9", infos)
	}

	if _, _, err := execute(t, "", "checkpoint", "verify", infos[0].Path); err != nil {
		t.Errorf("checkpoint verify error = %v", err)
	}

	restored, _, err := execute(t, "", "checkpoint", "restore", "--root", root)
	if err != nil {
		t.Fatalf("checkpoint restore error = %v", err)
	}
	g, err := grid.Load(strings.NewReader(restored))
	if err != nil {
		t.Fatal(err)
	}
	if g.Clock != stepped.Clock {
		t.Errorf("restored clock = %v, want %v", g.Clock, stepped.Clock)
	}
}

func TestStepCmd_Errors(t *testing.T) {
	isolateHome(t)
	root := t.TempDir()
	valid := textWorld(t, grid.Bordered(4, 4, 0.1, 1, 0))

	tests := []struct {
		name    string
		stdin   string
		args    []string
		wantErr string
	}{
		{"malformed world", "HeatWorld v2\n", nil, "reading world"},
		{"dynamic border", textWorld(t, grid.New(3, 3, 0.1)), nil, "invalid grid"},
		{"bad dt", valid, []string{"fast"}, "invalid dt"},
		{"unknown backend", valid, []string{"--backend", "abacus"}, "unknown device backend"},
		{"missing platform", valid, []string{"--platform", "3"}, "no compute platform"},
		{"missing kernel dir", valid, []string{"--kernel-dir", filepath.Join(root, "nope")}, "step_world.cl"},
		{"too many args", valid, []string{"0.1", "1", "0", "extra"}, "accepts at most 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"step", "--root", root}, tt.args...)
			_, _, err := execute(t, tt.stdin, args...)
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("step error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestDevicesCmd(t *testing.T) {
	out, _, err := execute(t, "", "devices", "--backend", device.CPUBackendName, "--json")
	if err != nil {
		t.Fatal(err)
	}
	var listings []backendListing
	if err := json.Unmarshal([]byte(out), &listings); err != nil {
		t.Fatal(err)
	}
	if len(listings) != 1 || len(listings[0].Platforms) != 1 || len(listings[0].Platforms[0].Devices) != 1 {
		t.Errorf("devices = %+v", listings)
	}

	out, _, err = execute(t, "", "devices")
	if err != nil || !strings.Contains(out, "Backend cpu:") || !strings.Contains(out, "Device 0:") {
		t.Errorf("devices text = %q, %v", out, err)
	}

	if _, _, err := execute(t, "", "devices", "--backend", "abacus"); err == nil {
		t.Error("expected error for unknown backend")
	}
}

func TestExportCmd(t *testing.T) {
	isolateHome(t)
	dir := t.TempDir()
	world, _, err := execute(t, "", "make-world", "--width", "9", "--height", "6")
	if err != nil {
		t.Fatal(err)
	}

	arrowPath := filepath.Join(dir, "w.arrow")
	if _, _, err := execute(t, world, "export", "--output", arrowPath, "--batch-rows", "2"); err != nil {
		t.Fatalf("export error = %v", err)
	}
	f, err := os.Open(arrowPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	g, err := export.ReadArrow(f)
	if err != nil {
		t.Fatalf("ReadArrow() error = %v", err)
	}
	if g.Width != 9 || g.Height != 6 {
		t.Errorf("exported %dx%d", g.Width, g.Height)
	}

	out, _, err := execute(t, world, "export", "--format", "text")
	if err != nil || out != world {
		t.Errorf("text re-export changed the world (err %v)", err)
	}

	if _, _, err := execute(t, world, "export", "--format", "csv"); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestConfigCmd(t *testing.T) {
	home := isolateHome(t)

	if _, _, err := execute(t, "", "config", "set", "stepping.variant", "transfer"); err != nil {
		t.Fatalf("config set error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, config.DirName, "config.yaml")); err != nil {
		t.Fatalf("config file not written: %v", err)
	}

	out, _, err := execute(t, "", "config", "get", "stepping.variant")
	if err != nil || strings.TrimSpace(out) != "transfer" {
		t.Errorf("config get = %q, %v", out, err)
	}

	if _, _, err := execute(t, "", "config", "set", "stepping.variant", "diagonal"); err == nil {
		t.Error("expected invalid variant to be rejected")
	}
	if _, _, err := execute(t, "", "config", "set", "no.such.key", "1"); err == nil {
		t.Error("expected unknown key to be rejected")
	}
	if _, _, err := execute(t, "", "config", "get", "no.such.key"); err == nil {
		t.Error("expected unknown key to be rejected")
	}

	out, _, err = execute(t, "", "config", "list")
	if err != nil || !strings.Contains(out, "stepping.variant:") || !strings.Contains(out, "transfer") {
		t.Errorf("config list = %q, %v", out, err)
	}
}
