package grid

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FormatHeader is the first line of every serialized world.
const FormatHeader = "HeatWorld v1.0"

// Encoding names written on the third header line.
const (
	EncodingText   = "text"
	EncodingBinary = "binary"
)

// MaxCells bounds the size of a world accepted by Load (64M cells).
const MaxCells = 64 * 1024 * 1024

// Load reads a world written by Save and validates it.
func Load(r io.Reader) (*Grid, error) {
	br := bufio.NewReader(r)

	header, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if header != FormatHeader {
		return nil, fmt.Errorf("unrecognized world header %q", header)
	}

	dims, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("reading dimensions: %w", err)
	}
	g, err := parseDims(dims)
	if err != nil {
		return nil, err
	}

	encoding, err := readLine(br)
	if err != nil {
		return nil, fmt.Errorf("reading encoding: %w", err)
	}

	switch encoding {
	case EncodingText:
		err = readText(br, g)
	case EncodingBinary:
		err = readBinary(br, g)
	default:
		return nil, fmt.Errorf("unknown world encoding %q", encoding)
	}
	if err != nil {
		return nil, err
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Save writes the world in text or binary encoding.
func Save(w io.Writer, g *Grid, binaryEncoding bool) error {
	bw := bufio.NewWriter(w)

	encoding := EncodingText
	if binaryEncoding {
		encoding = EncodingBinary
	}
	fmt.Fprintf(bw, "%s\n%d %d %s %s\n%s\n", FormatHeader, g.Width, g.Height,
		formatFloat(g.Alpha), formatFloat(g.Clock), encoding)

	if binaryEncoding {
		if err := binary.Write(bw, binary.LittleEndian, g.State); err != nil {
			return fmt.Errorf("writing state: %w", err)
		}
		if err := binary.Write(bw, binary.LittleEndian, g.Properties); err != nil {
			return fmt.Errorf("writing properties: %w", err)
		}
		return bw.Flush()
	}

	for y := 0; y < g.Height; y++ {
		row := g.State[y*g.Width : (y+1)*g.Width]
		for x, v := range row {
			if x > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(formatFloat(v))
		}
		bw.WriteByte('\n')
	}
	for y := 0; y < g.Height; y++ {
		row := g.Properties[y*g.Width : (y+1)*g.Width]
		for x, p := range row {
			if x > 0 {
				bw.WriteByte(' ')
			}
			bw.WriteString(strconv.FormatUint(uint64(p), 10))
		}
		bw.WriteByte('\n')
	}
	return bw.Flush()
}

func parseDims(line string) (*Grid, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return nil, fmt.Errorf("dimension line must have 4 fields (w h alpha t), got %d", len(fields))
	}
	w, err := strconv.Atoi(fields[0])
	if err != nil {
		return nil, fmt.Errorf("parsing width: %w", err)
	}
	h, err := strconv.Atoi(fields[1])
	if err != nil {
		return nil, fmt.Errorf("parsing height: %w", err)
	}
	alpha, err := strconv.ParseFloat(fields[2], 32)
	if err != nil {
		return nil, fmt.Errorf("parsing alpha: %w", err)
	}
	clock, err := strconv.ParseFloat(fields[3], 32)
	if err != nil {
		return nil, fmt.Errorf("parsing clock: %w", err)
	}
	if w <= 0 || h <= 0 {
		return nil, &ValidationError{Field: "dimensions", Reason: fmt.Sprintf("width and height must be positive, got %dx%d", w, h)}
	}
	if int64(w)*int64(h) > MaxCells {
		return nil, &ValidationError{Field: "dimensions", Reason: fmt.Sprintf("%dx%d exceeds the %d cell limit", w, h, MaxCells)}
	}

	g := New(w, h, float32(alpha))
	g.Clock = float32(clock)
	return g, nil
}

func readText(br *bufio.Reader, g *Grid) error {
	for i := range g.State {
		var v float32
		if _, err := fmt.Fscan(br, &v); err != nil {
			return fmt.Errorf("reading state cell %d: %w", i, err)
		}
		g.State[i] = v
	}
	for i := range g.Properties {
		var p uint32
		if _, err := fmt.Fscan(br, &p); err != nil {
			return fmt.Errorf("reading property cell %d: %w", i, err)
		}
		g.Properties[i] = p
	}
	return nil
}

func readBinary(br *bufio.Reader, g *Grid) error {
	if err := binary.Read(br, binary.LittleEndian, g.State); err != nil {
		return fmt.Errorf("reading binary state: %w", err)
	}
	if err := binary.Read(br, binary.LittleEndian, g.Properties); err != nil {
		return fmt.Errorf("reading binary properties: %w", err)
	}
	return nil
}

func readLine(br *bufio.Reader) (string, error) {
	line, err := br.ReadString('\n')
	if err != nil && !(err == io.EOF && line != "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func formatFloat(v float32) string {
	return strconv.FormatFloat(float64(v), 'g', -1, 32)
}
