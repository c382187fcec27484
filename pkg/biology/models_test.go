package biology

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"radplan/pkg/model"
)

func TestBEDAndEQD2(t *testing.T) {
	tests := []struct {
		name      string
		total     float64
		fractions int
		alphaBeta float64
		wantBED   float64
		wantEQD2  float64
	}{
		// 60 Gy in 30 fractions of 2 Gy: EQD2 is the dose itself.
		{"conventional 2 Gy fractions", 60, 30, 3, 100, 60},
		// Hypofractionated 20 Gy in 5 fractions on late tissue.
		{"hypofractionated", 20, 5, 3, 20 * (1 + 4.0/3.0), 20 * (1 + 4.0/3.0) / (1 + 2.0/3.0)},
		// Target alpha/beta of 10.
		{"target tissue", 70, 35, 10, 70 * 1.2, 70 * 1.2 / 1.2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.wantBED, BED(tt.total, tt.fractions, tt.alphaBeta), 1e-9)
			assert.InDelta(t, tt.wantEQD2, EQD2(tt.total, tt.fractions, tt.alphaBeta), 1e-9)
		})
	}
}

func TestEUD(t *testing.T) {
	t.Run("uniform dose is its own EUD", func(t *testing.T) {
		doses := []float64{50, 50, 50, 50}
		assert.InDelta(t, 50.0, EUD(doses, 0.1), 1e-9)
		assert.InDelta(t, 50.0, EUD(doses, -8), 1e-9)
	})

	t.Run("negative a leans toward cold spots", func(t *testing.T) {
		doses := []float64{10, 50, 50, 50}
		low := EUD(doses, -8)
		high := EUD(doses, 8)
		assert.Less(t, low, high)
	})
}

func TestTCP(t *testing.T) {
	t.Run("half control at TCD50", func(t *testing.T) {
		assert.InDelta(t, 0.5, TCP(60, 60, 2.0), 1e-12)
	})
	t.Run("monotone in dose", func(t *testing.T) {
		prev := 0.0
		for _, eud := range []float64{20, 40, 60, 80, 100} {
			tcp := TCP(eud, 60, 2.0)
			assert.Greater(t, tcp, prev)
			prev = tcp
		}
	})
	t.Run("zero dose means no control", func(t *testing.T) {
		assert.Zero(t, TCP(0, 60, 2.0))
	})
}

func TestNTCPLKB(t *testing.T) {
	uniform := make([]float64, 100)
	for i := range uniform {
		uniform[i] = 50
	}

	t.Run("half complications at TD50", func(t *testing.T) {
		// Uniform dose at TD50: gEUD = TD50 regardless of n, so t = 0
		// and the probit curve sits at one half.
		assert.InDelta(t, 0.5, NTCPLKB(uniform, 50, 0.175, 0.05), 1e-9)
	})

	t.Run("monotone in dose", func(t *testing.T) {
		doses := make([]float64, 100)
		prev := -1.0
		for _, level := range []float64{20, 40, 50, 60, 80} {
			for i := range doses {
				doses[i] = level
			}
			ntcp := NTCPLKB(doses, 50, 0.175, 0.05)
			assert.Greater(t, ntcp, prev)
			prev = ntcp
		}
	})

	t.Run("invalid parameters yield zero", func(t *testing.T) {
		assert.Zero(t, NTCPLKB(uniform, 0, 0.175, 0.05))
		assert.Zero(t, NTCPLKB(uniform, 50, 0, 0.05))
	})
}

func TestNTCPRelativeSeriality(t *testing.T) {
	t.Run("no dose, no complication", func(t *testing.T) {
		assert.Zero(t, NTCPRelativeSeriality([]float64{0, 0, 0}, 0.1, 0.02))
	})
	t.Run("high dose approaches certainty", func(t *testing.T) {
		ntcp := NTCPRelativeSeriality([]float64{80, 80, 80}, 0.3, 0.03)
		assert.Greater(t, ntcp, 0.99)
	})
}

func TestComplicationFreeControl(t *testing.T) {
	assert.InDelta(t, 0.8, ComplicationFreeControl(0.8, nil, nil), 1e-12)
	// Equal weighting of two NTCPs 0.1 and 0.3 gives 0.8*(1-0.2).
	got := ComplicationFreeControl(0.8, []float64{0.1, 0.3}, nil)
	assert.InDelta(t, 0.8*0.8, got, 1e-12)
}

func TestAlphaBetaTable(t *testing.T) {
	table := AlphaBetaTable{"SpinalCord": 2.0}
	assert.Equal(t, 2.0, table.Ratio("SpinalCord", model.RoleOAR))
	assert.Equal(t, AlphaBetaLate, table.Ratio("Heart", model.RoleOAR))
	assert.Equal(t, AlphaBetaTarget, table.Ratio("PTV", model.RolePTV))

	var empty AlphaBetaTable
	assert.Equal(t, AlphaBetaTarget, empty.Ratio("PTV", model.RolePTV))
}

func TestEvaluate(t *testing.T) {
	grid := model.NewGrid(8, 8, 8, [3]float64{2, 2, 2})
	set, err := model.NewStructureSet(grid)
	require.NoError(t, err)

	ptv, err := model.NewStructure("PTV", model.RolePTV, grid)
	require.NoError(t, err)
	ptv.FillBox(2, 6, 2, 6, 2, 6)
	require.NoError(t, set.Add(ptv))

	cord, err := model.NewStructure("SpinalCord", model.RoleOAR, grid)
	require.NoError(t, err)
	cord.FillBox(0, 2, 0, 8, 0, 8)
	require.NoError(t, set.Add(cord))

	dose, err := model.NewVolume(grid)
	require.NoError(t, err)
	for _, idx := range ptv.Indices() {
		dose.Data[idx] = 60
	}
	for _, idx := range cord.Indices() {
		dose.Data[idx] = 20
	}

	reports := Evaluate(dose, set, 60, 30, nil, nil)
	require.Len(t, reports, 2)

	byName := map[string]Report{}
	for _, r := range reports {
		byName[r.Structure] = r
	}

	ptvReport := byName["PTV"]
	assert.InDelta(t, 60.0, ptvReport.EUD, 1e-6)
	assert.InDelta(t, 0.5, ptvReport.TCP, 1e-9, "uniform 60 Gy at TCD50=60 is half control")
	// 60 Gy in 30 fractions with alpha/beta 10: BED = 60*(1 + 2/10).
	assert.InDelta(t, 72.0, ptvReport.BED, 1e-9)

	cordReport := byName["SpinalCord"]
	assert.Greater(t, cordReport.NTCP, 0.0)
	assert.Less(t, cordReport.NTCP, 0.5)
	assert.False(t, math.IsNaN(cordReport.EUD))
}
