// Package dvh reduces a dose grid plus a structure mask to cumulative and
// differential dose-volume histograms and the scalar indices derived from
// them.
package dvh

import (
	"fmt"
	"math"

	"radplan/pkg/model"
)

// maxBinCount bounds the histogram resolution; the bin width adapts so
// maxDose/binWidth never exceeds it.
const maxBinCount = 2048

// baseBinWidth is the preferred dose resolution of the histogram in Gy.
const baseBinWidth = 0.05

// DVH is the dose-volume histogram of one structure.
//
// Bins holds the uniform dose-axis lower edges starting at 0. Cumulative
// holds, per bin, the fraction of the structure volume receiving at least
// that dose: it starts at 1.0, never increases, and ends at 0 in the
// first bin beyond the maximum dose. Differential holds the fraction of
// volume inside each bin.
type DVH struct {
	Structure    string
	BinWidth     float64
	Bins         []float64
	Cumulative   []float64
	Differential []float64

	VoxelCount    int
	VoxelVolumeCC float64
	TotalVolumeCC float64

	MinDose  float64
	MaxDose  float64
	MeanDose float64
}

// Build computes the DVH of a structure over a dose grid. The mask and
// grid must share their geometry.
func Build(s *model.Structure, dose *model.Volume) (*DVH, error) {
	if !s.Grid.Same(dose.Grid) {
		return nil, model.NewError(model.KindInvalidGeometry,
			fmt.Sprintf("mask %q does not match the dose grid", s.Name))
	}
	indices := s.Indices()
	if len(indices) == 0 {
		return nil, model.NewError(model.KindMissingStructure,
			fmt.Sprintf("structure %q has an empty mask", s.Name))
	}

	minDose := math.MaxFloat64
	maxDose := 0.0
	sum := 0.0
	for _, idx := range indices {
		d := dose.Data[idx]
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return nil, model.NewError(model.KindNumericFailure,
				fmt.Sprintf("non-finite dose inside structure %q", s.Name))
		}
		if d < minDose {
			minDose = d
		}
		if d > maxDose {
			maxDose = d
		}
		sum += d
	}

	width := baseBinWidth
	for maxDose/width > maxBinCount {
		width *= 2
	}
	// One bin past the maximum so the cumulative curve reaches zero.
	nBins := int(maxDose/width) + 2

	hist := make([]float64, nBins)
	for _, idx := range indices {
		bin := int(dose.Data[idx] / width)
		if bin > nBins-1 {
			bin = nBins - 1
		}
		hist[bin]++
	}

	n := float64(len(indices))
	out := &DVH{
		Structure:     s.Name,
		BinWidth:      width,
		Bins:          make([]float64, nBins),
		Cumulative:    make([]float64, nBins),
		Differential:  make([]float64, nBins),
		VoxelCount:    len(indices),
		VoxelVolumeCC: s.Grid.VoxelVolume() / 1000.0,
		TotalVolumeCC: n * s.Grid.VoxelVolume() / 1000.0,
		MinDose:       minDose,
		MaxDose:       maxDose,
		MeanDose:      sum / n,
	}
	// Cumulative-from-high suffix sums.
	running := 0.0
	for i := nBins - 1; i >= 0; i-- {
		out.Bins[i] = float64(i) * width
		out.Differential[i] = hist[i] / n
		running += hist[i]
		out.Cumulative[i] = running / n
	}
	return out, nil
}

// DoseAtVolume returns D_x: the largest dose received by at least
// volumePercent of the structure, resolved to the bin containing it
// (inverse cumulative lookup).
func (d *DVH) DoseAtVolume(volumePercent float64) float64 {
	frac := volumePercent / 100.0
	for i := len(d.Cumulative) - 1; i >= 0; i-- {
		if d.Cumulative[i] >= frac {
			return d.Bins[i]
		}
	}
	return 0
}

// VolumeAtDose returns V_x in percent: the fraction of the structure
// receiving at least dose Gy, interpolated between bins.
func (d *DVH) VolumeAtDose(dose float64) float64 {
	if dose <= 0 {
		return 100.0
	}
	bin := int(dose / d.BinWidth)
	if bin >= len(d.Cumulative) {
		return 0
	}
	lo := d.Cumulative[bin]
	hi := 0.0
	if bin+1 < len(d.Cumulative) {
		hi = d.Cumulative[bin+1]
	}
	frac := (dose - d.Bins[bin]) / d.BinWidth
	return (lo + (hi-lo)*frac) * 100.0
}

// DoseAtAbsoluteVolume returns the highest dose received by at least
// volumeCC cubic centimeters of the structure; D2cc is
// DoseAtAbsoluteVolume(2).
func (d *DVH) DoseAtAbsoluteVolume(volumeCC float64) float64 {
	if d.TotalVolumeCC <= 0 {
		return 0
	}
	frac := volumeCC / d.TotalVolumeCC
	if frac > 1 {
		return 0
	}
	return d.DoseAtVolume(frac * 100.0)
}

// DMin returns the smallest dose received anywhere in the structure: the
// dose below which the cumulative coverage still includes every voxel.
// The raw minimum is reported so the endpoint is exact rather than
// rounded to the bin resolution.
func (d *DVH) DMin() float64 {
	return d.MinDose
}

// DMax returns the largest dose with non-zero cumulative volume.
func (d *DVH) DMax() float64 {
	return d.MaxDose
}

// Validate checks the histogram invariants; it exists so downstream
// consumers can assert a DVH before persisting it.
func (d *DVH) Validate() error {
	if len(d.Cumulative) == 0 {
		return model.NewError(model.KindNumericFailure, "empty DVH")
	}
	if math.Abs(d.Cumulative[0]-1.0) > 1e-12 {
		return model.NewError(model.KindNumericFailure,
			fmt.Sprintf("DVH %q does not start at 1.0", d.Structure))
	}
	for i := 1; i < len(d.Cumulative); i++ {
		if d.Cumulative[i] > d.Cumulative[i-1]+1e-12 {
			return model.NewError(model.KindNumericFailure,
				fmt.Sprintf("DVH %q cumulative curve increases at bin %d", d.Structure, i))
		}
	}
	if d.Cumulative[len(d.Cumulative)-1] != 0 {
		return model.NewError(model.KindNumericFailure,
			fmt.Sprintf("DVH %q does not end at 0", d.Structure))
	}
	return nil
}
