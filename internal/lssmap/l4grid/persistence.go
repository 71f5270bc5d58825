package l4grid

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// textHeader opens every text export. The cell-size line follows it.
const textHeader = "# lssmap counting grid: i j count sum_x sum_y sum_xx sum_yy sum_xy"

// WriteText writes the grid as text: a header, a cell-size line and one
// record per occupied cell. Floats use the shortest representation that
// parses back to the same bits.
func (g *CountingGrid) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, textHeader)
	fmt.Fprintf(bw, "# cell-size %s\n", formatFloat(g.cellSize))
	for _, r := range g.Export() {
		fmt.Fprintf(bw, "%d %d %d %s %s %s %s %s\n",
			r.I, r.J, r.Count,
			formatFloat(r.SumX), formatFloat(r.SumY),
			formatFloat(r.SumXX), formatFloat(r.SumYY), formatFloat(r.SumXY))
	}
	return bw.Flush()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// ReadText parses a text export. When the input carries no cell-size line
// the fallback cell size is used.
func ReadText(r io.Reader, fallbackCellSize float64) (*CountingGrid, error) {
	cellSize := fallbackCellSize
	var records []Record

	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		if strings.HasPrefix(text, "#") {
			fields := strings.Fields(strings.TrimPrefix(text, "#"))
			if len(fields) == 2 && fields[0] == "cell-size" {
				v, err := strconv.ParseFloat(fields[1], 64)
				if err != nil {
					return nil, fmt.Errorf("line %d: invalid cell size: %w", line, err)
				}
				cellSize = v
			}
			continue
		}
		rec, err := parseRecord(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read grid text: %w", err)
	}
	return Import(cellSize, records)
}

func parseRecord(text string) (Record, error) {
	f := strings.Fields(text)
	if len(f) != 8 {
		return Record{}, fmt.Errorf("expected 8 fields, got %d", len(f))
	}
	var r Record
	var err error
	if r.I, err = strconv.ParseInt(f[0], 10, 64); err != nil {
		return Record{}, fmt.Errorf("invalid i: %w", err)
	}
	if r.J, err = strconv.ParseInt(f[1], 10, 64); err != nil {
		return Record{}, fmt.Errorf("invalid j: %w", err)
	}
	if r.Count, err = strconv.ParseInt(f[2], 10, 64); err != nil {
		return Record{}, fmt.Errorf("invalid count: %w", err)
	}
	sums := []*float64{&r.SumX, &r.SumY, &r.SumXX, &r.SumYY, &r.SumXY}
	for k, dst := range sums {
		if *dst, err = strconv.ParseFloat(f[3+k], 64); err != nil {
			return Record{}, fmt.Errorf("invalid sum field %d: %w", k+1, err)
		}
	}
	return r, nil
}

// gridBlob is the gob payload of MarshalBlob.
type gridBlob struct {
	CellSize float64
	Records  []Record
}

// MarshalBlob compresses the grid with gob encoding and gzip compression.
func (g *CountingGrid) MarshalBlob() ([]byte, error) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(gridBlob{CellSize: g.cellSize, Records: g.Export()}); err != nil {
		gz.Close()
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalBlob decompresses and decodes a grid from a gob+gzip blob.
func UnmarshalBlob(blob []byte) (*CountingGrid, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("empty grid blob")
	}
	gz, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer gz.Close()

	var b gridBlob
	if err := gob.NewDecoder(gz).Decode(&b); err != nil {
		return nil, fmt.Errorf("failed to decode grid cells: %w", err)
	}
	return Import(b.CellSize, b.Records)
}
