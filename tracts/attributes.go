// Package tracts loads census tract attributes and polygons and indexes them
// for the hexagon pre-filter.
package tracts

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/bsaid97/hexdensity/logging"
)

// CodeWidth is the width of a zero-padded tract code.
const CodeWidth = 6

// Attribute is the census record of one tract. LandArea is in m².
type Attribute struct {
	Code       string
	Population float64
	LandArea   float64
}

// Density returns people per km², or 0 when LandArea is not positive.
func (a Attribute) Density() float64 {
	if a.LandArea <= 0 {
		return 0
	}
	return a.Population / a.LandArea * 1e6
}

// Attributes maps a padded tract code to its record.
type Attributes map[string]Attribute

// PadCode left-pads code with zeros to CodeWidth.
func PadCode(code string) string {
	code = strings.TrimSpace(code)
	if len(code) >= CodeWidth {
		return code
	}
	return strings.Repeat("0", CodeWidth-len(code)) + code
}

// LoadAttributesFile opens path and parses it with LoadAttributes. A missing
// file yields an error matching fs.ErrNotExist.
func LoadAttributesFile(path string) (Attributes, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	attrs, err := LoadAttributes(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return attrs, nil
}

// LoadAttributes parses a TRACT,POP100,AREALAND table. The first row for a
// tract code wins; rows with unparsable numbers are skipped.
func LoadAttributes(r io.Reader) (Attributes, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("attribute table is empty")
		}
		return nil, fmt.Errorf("reading header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\ufeff")
	}

	col := map[string]int{}
	for i, h := range header {
		col[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	for _, k := range []string{"TRACT", "POP100", "AREALAND"} {
		if _, ok := col[k]; !ok {
			return nil, fmt.Errorf("missing required column: %s", k)
		}
	}

	attrs := make(Attributes)
	skipped := 0
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		get := func(name string) string {
			i := col[name]
			if i >= len(rec) {
				return ""
			}
			return strings.TrimSpace(rec[i])
		}

		raw := get("TRACT")
		if raw == "" {
			continue
		}
		code := PadCode(raw)
		if _, dup := attrs[code]; dup {
			continue
		}

		pop, perr := strconv.ParseFloat(get("POP100"), 64)
		area, aerr := strconv.ParseFloat(get("AREALAND"), 64)
		if perr != nil || aerr != nil {
			skipped++
			logging.Warn().Int("line", line).Str("tract", code).Msg("skipping tract row with unparsable numbers")
			continue
		}
		attrs[code] = Attribute{Code: code, Population: pop, LandArea: area}
	}

	logging.Debug().Int("tracts", len(attrs)).Int("skipped", skipped).Msg("loaded tract attributes")
	return attrs, nil
}
