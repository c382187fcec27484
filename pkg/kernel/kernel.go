// Package kernel generates and caches the 3D point-spread dose kernels
// used by the convolution-based dose algorithms.
package kernel

import (
	"fmt"
	"math"

	"radplan/pkg/model"
)

// DefaultSize is the kernel edge length in voxels. Kernels are always odd
// so they have a central voxel.
const DefaultSize = 11

// Kernel is a normalized 3D point-spread function on an odd-size cube.
type Kernel struct {
	Size int
	Data []float64
}

// Center returns the index of the central voxel along one axis.
func (k *Kernel) Center() int {
	return k.Size / 2
}

// At returns the kernel weight at offsets (i, j, l) from the corner.
func (k *Kernel) At(i, j, l int) float64 {
	return k.Data[(l*k.Size+j)*k.Size+i]
}

// Sum returns the total kernel weight; 1.0 after normalization.
func (k *Kernel) Sum() float64 {
	s := 0.0
	for _, v := range k.Data {
		s += v
	}
	return s
}

func (k *Kernel) normalize() {
	s := k.Sum()
	if s <= 0 {
		return
	}
	inv := 1.0 / s
	for i := range k.Data {
		k.Data[i] *= inv
	}
}

// Sigma returns the Gaussian spread in voxels for a photon or electron
// kernel at the given energy and grid resolution. The energy scaling
// follows the commissioning fits of the reference beam data.
func Sigma(modality model.Modality, energy, resolutionMM float64) float64 {
	var sigmaMM float64
	switch modality {
	case model.ModalityPhoton:
		sigmaMM = 0.5 + 0.1*energy
	case model.ModalityElectron:
		sigmaMM = 0.3 + 0.05*energy
	default:
		sigmaMM = 0.2 + 0.02*energy
	}
	return sigmaMM / resolutionMM * 2.0
}

// protonRangeMM approximates the proton range in water from the beam
// energy in MeV using the Bragg-Kleeman rule.
func protonRangeMM(energy float64) float64 {
	return 2.2 * math.Pow(energy/10.0, 1.77)
}

// Gaussian builds an isotropic Gaussian kernel, optionally stretched along
// the z axis of the kernel frame by axialScale. axialScale = 1 gives the
// point kernel used by collapsed-cone; pencil beam (2.0) and AAA (1.5)
// widen the z component and keep the lateral spread. The dose engine applies
// kernels in the grid frame, so kernel z is grid z for every beam direction.
func Gaussian(size int, sigma, axialScale float64) *Kernel {
	if size%2 == 0 {
		size++
	}
	k := &Kernel{Size: size, Data: make([]float64, size*size*size)}
	c := float64(size / 2)
	sigmaAxial := sigma * axialScale
	for l := 0; l < size; l++ {
		dz := (float64(l) - c) / sigmaAxial
		for j := 0; j < size; j++ {
			dy := (float64(j) - c) / sigma
			for i := 0; i < size; i++ {
				dxv := (float64(i) - c) / sigma
				k.Data[(l*size+j)*size+i] = math.Exp(-0.5 * (dxv*dxv + dy*dy + dz*dz))
			}
		}
	}
	k.normalize()
	return k
}

// BraggPeak builds a proton kernel: radially Gaussian, with an axial
// profile that rises to a peak amplified roughly sixfold at the residual
// range of the beam.
func BraggPeak(size int, sigma, energy, resolutionMM float64) *Kernel {
	if size%2 == 0 {
		size++
	}
	k := &Kernel{Size: size, Data: make([]float64, size*size*size)}
	c := float64(size / 2)
	// Kernel-local peak position: the residual range folded into the
	// kernel extent so the peak stays on the axial profile.
	rangeVox := protonRangeMM(energy) / resolutionMM
	peak := math.Mod(rangeVox, c) // distal half of the kernel
	const amplification = 6.0
	peakWidth := math.Max(1.0, sigma/2)
	for l := 0; l < size; l++ {
		axial := float64(l) - c
		// Entrance plateau before the peak, sharp falloff beyond it.
		var profile float64
		if axial <= peak {
			t := (axial - peak) / peakWidth
			profile = 1.0 + (amplification-1.0)*math.Exp(-0.5*t*t)
		} else {
			t := (axial - peak) / (peakWidth / 2)
			profile = amplification * math.Exp(-0.5*t*t)
		}
		for j := 0; j < size; j++ {
			dy := (float64(j) - c) / sigma
			for i := 0; i < size; i++ {
				dxv := (float64(i) - c) / sigma
				radial := math.Exp(-0.5 * (dxv*dxv + dy*dy))
				k.Data[(l*size+j)*size+i] = radial * profile
			}
		}
	}
	k.normalize()
	return k
}

// Generate builds the kernel for a modality/energy pair at the given grid
// resolution with the algorithm-specific shape parameters.
func Generate(modality model.Modality, energy, resolutionMM, axialScale float64) (*Kernel, error) {
	if energy <= 0 {
		return nil, model.NewError(model.KindConfigError, fmt.Sprintf("kernel energy must be positive, got %g", energy))
	}
	if resolutionMM <= 0 {
		return nil, model.NewError(model.KindConfigError, fmt.Sprintf("kernel resolution must be positive, got %g", resolutionMM))
	}
	sigma := Sigma(modality, energy, resolutionMM)
	if modality == model.ModalityProton {
		return BraggPeak(DefaultSize, sigma, energy, resolutionMM), nil
	}
	return Gaussian(DefaultSize, sigma, axialScale), nil
}
