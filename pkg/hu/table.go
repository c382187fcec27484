// Package hu converts CT Hounsfield units to relative electron density
// through a monotone piecewise-linear anchor table.
package hu

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"radplan/pkg/model"
)

// Anchor is one (HU, relative electron density) calibration point.
type Anchor struct {
	HU      float64
	Density float64
}

// Table is a sorted anchor table. Conversion interpolates linearly between
// anchors and clamps outside the table range, so the mapping is a pure,
// monotone non-decreasing function.
type Table struct {
	anchors []Anchor
}

// DefaultTable returns the built-in calibration covering air through metal.
func DefaultTable() *Table {
	t, _ := NewTable([]Anchor{
		{-1000, 0.001}, // air
		{-700, 0.25},   // lung
		{-100, 0.9},    // fat
		{0, 1.0},       // water
		{50, 1.05},     // soft tissue
		{300, 1.5},     // bone
		{1000, 2.0},    // dense bone / metal
		{3000, 3.0},
	})
	return t
}

// NewTable builds a table from anchor points. Anchors are sorted by HU;
// duplicate HU values or decreasing densities are rejected so that the
// monotonicity contract holds by construction.
func NewTable(anchors []Anchor) (*Table, error) {
	if len(anchors) < 2 {
		return nil, model.NewError(model.KindConfigError, "HU-to-density table needs at least two anchors")
	}
	sorted := make([]Anchor, len(anchors))
	copy(sorted, anchors)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].HU < sorted[j].HU })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].HU == sorted[i-1].HU {
			return nil, model.NewError(model.KindConfigError, fmt.Sprintf("duplicate HU anchor %g", sorted[i].HU))
		}
		if sorted[i].Density < sorted[i-1].Density {
			return nil, model.NewError(model.KindConfigError,
				fmt.Sprintf("density must be non-decreasing, anchor %g falls from %g to %g",
					sorted[i].HU, sorted[i-1].Density, sorted[i].Density))
		}
	}
	if sorted[0].Density < 0 {
		return nil, model.NewError(model.KindConfigError, "densities must be >= 0")
	}
	return &Table{anchors: sorted}, nil
}

// LoadTable reads a two-column whitespace-separated anchor file. Blank
// lines and lines starting with '#' are ignored.
func LoadTable(path string) (*Table, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, model.WrapError(model.KindConfigError, "cannot open HU-to-density table", err)
	}
	defer file.Close()

	var anchors []Anchor
	scanner := bufio.NewScanner(file)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, model.NewError(model.KindConfigError,
				fmt.Sprintf("%s:%d: expected two columns, got %d", path, lineNo, len(fields)))
		}
		huVal, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, model.WrapError(model.KindConfigError, fmt.Sprintf("%s:%d: bad HU value", path, lineNo), err)
		}
		density, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return nil, model.WrapError(model.KindConfigError, fmt.Sprintf("%s:%d: bad density value", path, lineNo), err)
		}
		anchors = append(anchors, Anchor{HU: huVal, Density: density})
	}
	if err := scanner.Err(); err != nil {
		return nil, model.WrapError(model.KindConfigError, "reading HU-to-density table", err)
	}
	return NewTable(anchors)
}

// Convert maps one HU value to relative electron density in O(log N).
func (t *Table) Convert(hu float64) float64 {
	anchors := t.anchors
	if hu <= anchors[0].HU {
		return anchors[0].Density
	}
	last := anchors[len(anchors)-1]
	if hu >= last.HU {
		return last.Density
	}
	// First anchor strictly above hu.
	hi := sort.Search(len(anchors), func(i int) bool { return anchors[i].HU > hu })
	lo := hi - 1
	a, b := anchors[lo], anchors[hi]
	frac := (hu - a.HU) / (b.HU - a.HU)
	return a.Density + frac*(b.Density-a.Density)
}

// ConvertVolume derives the relative electron-density volume from a CT
// image on the same grid.
func (t *Table) ConvertVolume(ct *model.HUVolume) (*model.Volume, error) {
	out, err := model.NewVolume(ct.Grid)
	if err != nil {
		return nil, err
	}
	for i, hu := range ct.Data {
		out.Data[i] = t.Convert(float64(hu))
	}
	return out, nil
}
