package kernel

import (
	"math"
	"testing"

	"radplan/pkg/model"
)

func TestGaussianKernelNormalized(t *testing.T) {
	for _, modality := range []model.Modality{model.ModalityPhoton, model.ModalityElectron} {
		k, err := Generate(modality, 6, 2.5, 1.0)
		if err != nil {
			t.Fatalf("Generate(%s) failed: %v", modality, err)
		}
		if k.Size != DefaultSize {
			t.Errorf("%s kernel size = %d, want %d", modality, k.Size, DefaultSize)
		}
		if math.Abs(k.Sum()-1.0) > 1e-9 {
			t.Errorf("%s kernel sum = %g, want 1", modality, k.Sum())
		}
	}
}

func TestGaussianForcesOddSize(t *testing.T) {
	k := Gaussian(10, 2.0, 1.0)
	if k.Size%2 == 0 {
		t.Errorf("kernel size %d is even", k.Size)
	}
}

func TestGaussianPeaksAtCenter(t *testing.T) {
	k := Gaussian(11, 2.0, 1.0)
	c := k.Center()
	peak := k.At(c, c, c)
	for l := 0; l < k.Size; l++ {
		for j := 0; j < k.Size; j++ {
			for i := 0; i < k.Size; i++ {
				if k.At(i, j, l) > peak {
					t.Fatalf("kernel exceeds central value at (%d,%d,%d)", i, j, l)
				}
			}
		}
	}
}

func TestBraggPeakKernel(t *testing.T) {
	k, err := Generate(model.ModalityProton, 100, 2.0, 1.0)
	if err != nil {
		t.Fatalf("proton kernel failed: %v", err)
	}
	if math.Abs(k.Sum()-1.0) > 1e-9 {
		t.Errorf("proton kernel sum = %g, want 1", k.Sum())
	}

	// The axial profile must peak distal to the kernel center: that is
	// the Bragg peak amplification.
	c := k.Center()
	axial := make([]float64, k.Size)
	for l := 0; l < k.Size; l++ {
		axial[l] = k.At(c, c, l)
	}
	argmax := 0
	for l, v := range axial {
		if v > axial[argmax] {
			argmax = l
		}
	}
	if argmax <= c {
		t.Errorf("Bragg peak at axial index %d, expected beyond the center %d", argmax, c)
	}
	// Peak-to-entrance ratio reflects the ~6x amplification.
	if axial[argmax] < 2*axial[0] {
		t.Errorf("Bragg peak %g is not amplified over the entrance %g", axial[argmax], axial[0])
	}
}

func TestGenerateRejectsBadParameters(t *testing.T) {
	if _, err := Generate(model.ModalityPhoton, 0, 2.5, 1.0); !model.IsKind(err, model.KindConfigError) {
		t.Errorf("expected ConfigError for zero energy, got %v", err)
	}
	if _, err := Generate(model.ModalityPhoton, 6, 0, 1.0); !model.IsKind(err, model.KindConfigError) {
		t.Errorf("expected ConfigError for zero resolution, got %v", err)
	}
}

func TestCacheReturnsSameKernel(t *testing.T) {
	cache, err := NewCache(8)
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	key := Key{Modality: model.ModalityPhoton, Energy: 6, ResolutionMM: 2.5, AxialScale: 1.0}

	first, err := cache.Get(key)
	if err != nil {
		t.Fatalf("first Get failed: %v", err)
	}
	second, err := cache.Get(key)
	if err != nil {
		t.Fatalf("second Get failed: %v", err)
	}
	if first != second {
		t.Error("cache returned a different kernel instance for the same key")
	}
	if cache.Len() != 1 {
		t.Errorf("cache holds %d kernels, want 1", cache.Len())
	}

	// A different energy is a distinct cache entry.
	other := key
	other.Energy = 18
	if _, err := cache.Get(other); err != nil {
		t.Fatalf("Get with other energy failed: %v", err)
	}
	if cache.Len() != 2 {
		t.Errorf("cache holds %d kernels, want 2", cache.Len())
	}
}
