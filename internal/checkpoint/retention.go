package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Info describes a checkpoint file for listing and retention.
type Info struct {
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
	Step      int       `json:"step"`
	Clock     float32   `json:"clock"`
	Width     int       `json:"width"`
	Height    int       `json:"height"`

	// Err is set when the header could not be read.
	Err string `json:"error,omitempty"`
}

// RetentionPolicy decides which checkpoints to keep.
type RetentionPolicy interface {
	Apply(checkpoints []Info) (keep []Info)
}

// CountPolicy keeps the N most recent checkpoints.
type CountPolicy struct {
	MaxCount int
}

// Apply keeps the first MaxCount checkpoints (assumed sorted newest-first).
func (p *CountPolicy) Apply(checkpoints []Info) []Info {
	if len(checkpoints) <= p.MaxCount {
		return checkpoints
	}
	return checkpoints[:p.MaxCount]
}

// AgePolicy keeps checkpoints newer than MaxAge.
type AgePolicy struct {
	MaxAge time.Duration
	now    func() time.Time
}

func (p *AgePolicy) Apply(checkpoints []Info) []Info {
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	cutoff := now().Add(-p.MaxAge)
	var keep []Info
	for _, c := range checkpoints {
		if c.CreatedAt.After(cutoff) {
			keep = append(keep, c)
		}
	}
	return keep
}

// SizePolicy keeps checkpoints, newest first, until the total would exceed
// MaxTotalBytes. The newest checkpoint is always kept.
type SizePolicy struct {
	MaxTotalBytes int64
}

func (p *SizePolicy) Apply(checkpoints []Info) []Info {
	var keep []Info
	var total int64
	for _, c := range checkpoints {
		if total+c.Size > p.MaxTotalBytes && len(keep) > 0 {
			break
		}
		keep = append(keep, c)
		total += c.Size
	}
	return keep
}

// CompositePolicy keeps a checkpoint if any sub-policy keeps it.
type CompositePolicy struct {
	Policies []RetentionPolicy
}

func (p *CompositePolicy) Apply(checkpoints []Info) []Info {
	kept := make(map[string]bool)
	for _, policy := range p.Policies {
		for _, c := range policy.Apply(checkpoints) {
			kept[c.Path] = true
		}
	}

	var result []Info
	for _, c := range checkpoints {
		if kept[c.Path] {
			result = append(result, c)
		}
	}
	return result
}

// List scans dir for checkpoint files and returns them newest first. A
// missing directory yields no checkpoints.
func List(dir string) ([]Info, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading checkpoint directory: %w", err)
	}

	var infos []Info
	for _, e := range entries {
		if e.IsDir() || !isCheckpointFile(e.Name()) {
			continue
		}
		fi, err := e.Info()
		if err != nil {
			continue
		}

		info := Info{
			Path:      filepath.Join(dir, e.Name()),
			Size:      fi.Size(),
			CreatedAt: fi.ModTime(),
		}
		if h, err := ReadHeader(info.Path); err == nil {
			info.CreatedAt = h.CreatedAt
			info.Step = h.Step
			info.Clock = h.Clock
			info.Width = h.Width
			info.Height = h.Height
		} else {
			info.Err = err.Error()
		}
		infos = append(infos, info)
	}

	// Timestamp and step are embedded in the name.
	sort.Slice(infos, func(i, j int) bool {
		return filepath.Base(infos[i].Path) > filepath.Base(infos[j].Path)
	})
	return infos, nil
}

// Latest returns the newest readable checkpoint in dir.
func Latest(dir string) (*Info, error) {
	infos, err := List(dir)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Err == "" {
			return &info, nil
		}
	}
	return nil, fmt.Errorf("no checkpoints in %s", dir)
}

// ApplyRetention deletes checkpoints not kept by the policy.
func ApplyRetention(dir string, policy RetentionPolicy) (deleted []string, err error) {
	infos, err := List(dir)
	if err != nil {
		return nil, err
	}

	keepSet := make(map[string]bool)
	for _, c := range policy.Apply(infos) {
		keepSet[c.Path] = true
	}
	for _, c := range infos {
		if keepSet[c.Path] {
			continue
		}
		if err := os.Remove(c.Path); err != nil {
			return deleted, fmt.Errorf("removing %s: %w", filepath.Base(c.Path), err)
		}
		deleted = append(deleted, c.Path)
	}
	return deleted, nil
}

// PolicyFor builds the retention policy for a max count and max age.
// maxAge may be empty. With neither limit set every checkpoint is kept.
func PolicyFor(maxCount int, maxAge string) (RetentionPolicy, error) {
	var policies []RetentionPolicy
	if maxCount > 0 {
		policies = append(policies, &CountPolicy{MaxCount: maxCount})
	}
	if maxAge != "" {
		d, err := ParseDuration(maxAge)
		if err != nil {
			return nil, err
		}
		policies = append(policies, &AgePolicy{MaxAge: d})
	}
	switch len(policies) {
	case 0:
		return nil, nil
	case 1:
		return policies[0], nil
	default:
		return &CompositePolicy{Policies: policies}, nil
	}
}

// ParseDuration parses duration strings like "30d", "2w", "720h".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("empty duration string")
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	if len(s) < 2 {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	suffix := s[len(s)-1]
	num, err := strconv.Atoi(s[:len(s)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}
	switch suffix {
	case 'd':
		return time.Duration(num) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(num) * 7 * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unknown duration suffix %q in %q", string(suffix), s)
	}
}

// ParseSize parses size strings like "100MB", "1GB", "500KB" into bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	suffixes := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}
	for _, ss := range suffixes {
		if strings.HasSuffix(s, ss.suffix) {
			num, err := strconv.ParseInt(strings.TrimSuffix(s, ss.suffix), 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size: %q", s)
			}
			return num * ss.multiplier, nil
		}
	}
	return 0, fmt.Errorf("invalid size: %q (expected suffix: B, KB, MB, GB)", s)
}
