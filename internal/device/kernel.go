package device

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// KernelFile is the program file looked up in a kernel directory.
const KernelFile = "step_world.cl"

//go:embed kernels/step_world.cl
var embeddedKernel string

// KernelSource is the text of the stencil program and where it came from.
type KernelSource struct {
	Path string
	Text string
}

// LoadKernelSource reads KernelFile from dir. An empty dir selects the
// program embedded in the binary.
func LoadKernelSource(dir string) (KernelSource, error) {
	if dir == "" {
		return KernelSource{Path: "embedded:" + KernelFile, Text: embeddedKernel}, nil
	}

	path := filepath.Join(dir, KernelFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return KernelSource{}, fmt.Errorf("loading kernel source from %q: %w", path, err)
	}
	return KernelSource{Path: path, Text: string(data)}, nil
}

var entryPointRe = regexp.MustCompile(`__kernel\s+void\s+([A-Za-z_][A-Za-z0-9_]*)\s*\(`)

// EntryPoints returns the kernel function names declared by the source.
func (s KernelSource) EntryPoints() []string {
	var names []string
	for _, m := range entryPointRe.FindAllStringSubmatch(s.Text, -1) {
		names = append(names, m[1])
	}
	return names
}

// missingEntryPoints reports which of Kernels the source does not declare.
func (s KernelSource) missingEntryPoints() []Kernel {
	declared := make(map[string]bool)
	for _, name := range s.EntryPoints() {
		declared[name] = true
	}
	var missing []Kernel
	for _, k := range Kernels {
		if !declared[string(k)] {
			missing = append(missing, k)
		}
	}
	return missing
}
