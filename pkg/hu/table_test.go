package hu

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radplan/pkg/model"
)

func TestDefaultTableAnchors(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		name string
		hu   float64
		want float64
	}{
		{"air", -1000, 0.001},
		{"lung", -700, 0.25},
		{"fat", -100, 0.9},
		{"water", 0, 1.0},
		{"soft tissue", 50, 1.05},
		{"bone", 300, 1.5},
		{"dense bone", 1000, 2.0},
		{"metal", 3000, 3.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, table.Convert(tt.hu), 1e-12)
		})
	}
}

func TestConvertInterpolatesBetweenAnchors(t *testing.T) {
	table := DefaultTable()

	// Halfway between air (-1000, 0.001) and lung (-700, 0.25).
	got := table.Convert(-850)
	assert.InDelta(t, (0.001+0.25)/2, got, 1e-12)

	// Lung region accuracy required by heterogeneity handling.
	assert.InDelta(t, 0.25, table.Convert(-700), 0.01)
}

func TestConvertClampsOutsideTable(t *testing.T) {
	table := DefaultTable()
	assert.InDelta(t, 0.001, table.Convert(-3000), 1e-12)
	assert.InDelta(t, 3.0, table.Convert(5000), 1e-12)
}

func TestConvertIsMonotoneNonDecreasing(t *testing.T) {
	table := DefaultTable()
	prev := table.Convert(-1200)
	for hu := -1199; hu <= 3200; hu++ {
		cur := table.Convert(float64(hu))
		if cur < prev {
			t.Fatalf("conversion decreased at HU=%d: %g -> %g", hu, prev, cur)
		}
		prev = cur
	}
}

func TestLoadTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hu_table.txt")
	content := "# HU  density\n-1000 0.001\n0 1.0\n\n1000 2.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	table, err := LoadTable(path)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, table.Convert(0), 1e-12)
	assert.InDelta(t, 1.5, table.Convert(500), 1e-12)
}

func TestLoadTableErrors(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadTable(filepath.Join(dir, "absent.txt"))
		assert.True(t, model.IsKind(err, model.KindConfigError))
	})

	t.Run("wrong column count", func(t *testing.T) {
		path := filepath.Join(dir, "bad_columns.txt")
		require.NoError(t, os.WriteFile(path, []byte("0 1.0 extra\n"), 0644))
		_, err := LoadTable(path)
		assert.True(t, model.IsKind(err, model.KindConfigError))
	})

	t.Run("decreasing density", func(t *testing.T) {
		path := filepath.Join(dir, "decreasing.txt")
		require.NoError(t, os.WriteFile(path, []byte("0 1.0\n100 0.5\n"), 0644))
		_, err := LoadTable(path)
		assert.True(t, model.IsKind(err, model.KindConfigError))
	})

	t.Run("single anchor", func(t *testing.T) {
		path := filepath.Join(dir, "single.txt")
		require.NoError(t, os.WriteFile(path, []byte("0 1.0\n"), 0644))
		_, err := LoadTable(path)
		assert.True(t, model.IsKind(err, model.KindConfigError))
	})
}

func TestConvertVolume(t *testing.T) {
	grid := model.NewGrid(4, 4, 4, [3]float64{2, 2, 2})
	ct, err := model.NewHUVolume(grid, 0)
	require.NoError(t, err)
	ct.Set(1, 1, 1, -700)
	ct.Set(2, 2, 2, 300)

	density, err := DefaultTable().ConvertVolume(ct)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, density.At(0, 0, 0), 1e-12)
	assert.InDelta(t, 0.25, density.At(1, 1, 1), 1e-12)
	assert.InDelta(t, 1.5, density.At(2, 2, 2), 1e-12)
}
