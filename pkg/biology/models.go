// Package biology implements the radiobiological models of plan
// evaluation: BED and EQD2 from the linear-quadratic model, generalized
// equivalent uniform dose, logistic TCP and LKB NTCP, with a built-in
// organ parameter library.
package biology

import (
	"math"

	"radplan/pkg/model"
)

// Default alpha/beta ratios in Gy: targets respond early, most
// organs-at-risk are late-responding.
const (
	AlphaBetaTarget = 10.0
	AlphaBetaLate   = 3.0
)

// AlphaBetaTable maps structure names to alpha/beta ratios; unknown
// structures fall back to the role default.
type AlphaBetaTable map[string]float64

// Ratio returns the alpha/beta ratio for a structure, falling back to
// 10 Gy for targets and 3 Gy otherwise.
func (t AlphaBetaTable) Ratio(name string, role model.Role) float64 {
	if t != nil {
		if r, ok := t[name]; ok {
			return r
		}
	}
	if role == model.RolePTV {
		return AlphaBetaTarget
	}
	return AlphaBetaLate
}

// BED returns the biologically effective dose for a total dose delivered
// in n fractions: BED = n*d*(1 + d/(alpha/beta)) with d the fraction dose.
func BED(totalDose float64, fractions int, alphaBeta float64) float64 {
	if fractions < 1 || alphaBeta <= 0 {
		return 0
	}
	d := totalDose / float64(fractions)
	return totalDose * (1 + d/alphaBeta)
}

// EQD2 converts a BED into the equivalent dose in 2 Gy fractions.
func EQD2(totalDose float64, fractions int, alphaBeta float64) float64 {
	if alphaBeta <= 0 {
		return 0
	}
	return BED(totalDose, fractions, alphaBeta) / (1 + 2/alphaBeta)
}

// EUD computes the generalized equivalent uniform dose of the structure
// dose values: (mean(D^a))^(1/a). a < 0 leans toward cold spots (targets);
// large a > 0 leans toward hot spots (serial organs).
func EUD(doses []float64, a float64) float64 {
	if len(doses) == 0 || a == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range doses {
		if d < 0 {
			d = 0
		}
		sum += math.Pow(d, a)
	}
	return math.Pow(sum/float64(len(doses)), 1.0/a)
}

// TCP returns the logistic tumor-control probability
// 1 / (1 + (TCD50/EUD)^(4*gamma50)).
func TCP(eud, tcd50, gamma50 float64) float64 {
	if eud <= 0 {
		return 0
	}
	return 1.0 / (1.0 + math.Pow(tcd50/eud, 4*gamma50))
}

// NTCPLKB returns the Lyman-Kutcher-Burman normal-tissue complication
// probability. The volume effect enters through the gEUD with a = 1/n;
// t = (EUD - TD50) / (m * TD50) feeds the probit curve.
func NTCPLKB(doses []float64, td50, m, n float64) float64 {
	if td50 <= 0 || m <= 0 || n <= 0 {
		return 0
	}
	eud := EUD(doses, 1.0/n)
	t := (eud - td50) / (m * td50)
	return 0.5 * (1.0 + math.Erf(t/math.Sqrt2))
}

// NTCPRelativeSeriality returns one minus the mean linear-quadratic
// survival fraction exp(-alpha*D - beta*D^2) over the dose values. No
// seriality parameter enters the calculation.
func NTCPRelativeSeriality(doses []float64, alpha, beta float64) float64 {
	if len(doses) == 0 {
		return 0
	}
	survival := 0.0
	for _, d := range doses {
		survival += math.Exp(-alpha*d - beta*d*d)
	}
	survival /= float64(len(doses))
	return 1.0 - survival
}

// ComplicationFreeControl returns P+ = TCP * (1 - sum(w_i * NTCP_i)) with
// the NTCP weights normalized to 1; empty weights mean equal weighting.
func ComplicationFreeControl(tcp float64, ntcps, weights []float64) float64 {
	if len(ntcps) == 0 {
		return tcp
	}
	if len(weights) != len(ntcps) {
		weights = make([]float64, len(ntcps))
		for i := range weights {
			weights[i] = 1
		}
	}
	total := 0.0
	for _, w := range weights {
		total += w
	}
	overall := 0.0
	for i, n := range ntcps {
		w := weights[i]
		if total > 0 {
			w /= total
		} else {
			w = 1.0 / float64(len(ntcps))
		}
		overall += w * n
	}
	return tcp * (1 - overall)
}

// OrganParams bundles the response-model parameters of one structure.
type OrganParams struct {
	Target  bool
	A       float64 // gEUD volume parameter
	TCD50   float64 // target: dose for 50% control, Gy
	Gamma50 float64 // target: response slope at 50%
	TD50    float64 // organ: tolerance dose for 50% complications, Gy
	M       float64 // organ: response slope
	N       float64 // organ: volume effect
}

// StandardOrganParams returns the built-in response parameter library for
// common structures.
func StandardOrganParams() map[string]OrganParams {
	return map[string]OrganParams{
		"PTV":        {Target: true, A: 0.1, TCD50: 60.0, Gamma50: 2.0},
		"Brain":      {A: -8, TD50: 60.0, M: 0.15, N: 0.25},
		"SpinalCord": {A: -20, TD50: 50.0, M: 0.175, N: 0.05},
		"Lung":       {A: -1.2, TD50: 30.8, M: 0.37, N: 0.99},
		"Heart":      {A: -3.1, TD50: 48.0, M: 0.1, N: 0.35},
		"Esophagus":  {A: -19, TD50: 68.0, M: 0.11, N: 0.06},
		"Parotid":    {A: -2.2, TD50: 39.9, M: 0.4, N: 1.0},
		"Kidney":     {A: -3.0, TD50: 28.0, M: 0.5, N: 0.7},
		"Liver":      {A: -2.0, TD50: 40.0, M: 0.28, N: 0.7},
		"Bladder":    {A: -3.63, TD50: 80.0, M: 0.11, N: 0.5},
		"Rectum":     {A: -8.33, TD50: 80.0, M: 0.14, N: 0.12},
	}
}

// StructureDoses extracts the dose values inside a structure mask.
func StructureDoses(dose *model.Volume, s *model.Structure) []float64 {
	indices := s.Indices()
	out := make([]float64, len(indices))
	for i, idx := range indices {
		out[i] = dose.Data[idx]
	}
	return out
}

// Report is the biological evaluation of one structure.
type Report struct {
	Structure string
	EUD       float64
	BED       float64
	EQD2      float64
	TCP       float64 // targets only
	NTCP      float64 // organs only
}

// Evaluate computes the biological report for every structure with known
// parameters. The prescription enters through BED/EQD2; TCP and NTCP come
// from the dose distribution itself.
func Evaluate(dose *model.Volume, structures *model.StructureSet, prescribedDose float64, fractions int,
	alphaBeta AlphaBetaTable, params map[string]OrganParams) []Report {

	if params == nil {
		params = StandardOrganParams()
	}
	var out []Report
	for _, name := range structures.Names() {
		s := structures.Get(name)
		doses := StructureDoses(dose, s)
		if len(doses) == 0 {
			continue
		}
		ab := alphaBeta.Ratio(name, s.Role)
		rep := Report{
			Structure: name,
			BED:       BED(prescribedDose, fractions, ab),
			EQD2:      EQD2(prescribedDose, fractions, ab),
		}
		p, ok := params[name]
		if !ok && s.Role == model.RolePTV {
			p, ok = params["PTV"]
		}
		if ok {
			rep.EUD = EUD(doses, p.A)
			if p.Target {
				rep.TCP = TCP(rep.EUD, p.TCD50, p.Gamma50)
			} else {
				rep.NTCP = NTCPLKB(doses, p.TD50, p.M, p.N)
			}
		}
		out = append(out, rep)
	}
	return out
}
