package ingest

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/telarc/telarc"
)

// FlatDecom decodes whitespace-separated text products, mainly for operator
// tooling and regression data. The first line names the columns and must
// start with TIME; a column named <MSID>_Q holds 0/1 quality flags for the
// MSID before it. All value columns are numeric.
type FlatDecom struct{}

// Read implements Decom.
func (FlatDecom) Read(path string) (*Product, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return nil, fmt.Errorf("%s: empty product", path)
	}
	header := strings.Fields(scanner.Text())
	if len(header) == 0 || telarc.CanonicalName(header[0]) != "TIME" {
		return nil, fmt.Errorf("%s: first column must be TIME", path)
	}

	p := &Product{
		Filename: filepath.Base(path),
		Floats:   make(map[string][]float64),
		Quality:  make(map[string][]bool),
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = telarc.CanonicalName(h)
	}

	line := 1
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Fields(text)
		if len(fields) != len(cols) {
			return nil, fmt.Errorf("%s:%d: %d fields, expected %d", path, line, len(fields), len(cols))
		}
		for i, field := range fields {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("%s:%d: %w", path, line, err)
			}
			switch {
			case i == 0:
				p.Times = append(p.Times, v)
			case strings.HasSuffix(cols[i], "_Q"):
				msid := strings.TrimSuffix(cols[i], "_Q")
				p.Quality[msid] = append(p.Quality[msid], v != 0)
			default:
				p.Floats[cols[i]] = append(p.Floats[cols[i]], v)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(p.Times) == 0 {
		return nil, fmt.Errorf("%s: no data rows", path)
	}
	if len(p.Quality) == 0 {
		p.Quality = nil
	}

	p.TStart = p.Times[0]
	p.TStop = p.Times[len(p.Times)-1]
	p.Filetime = int64(p.TStart)
	return p, nil
}
