package services

// HeuristicRiskModel is the built-in RiskModel used when no external scoring
// service is configured. It maps the request feature vector onto a score with
// hand-tuned rules; deployments with a learned model swap it out via the
// RiskModel interface.
type HeuristicRiskModel struct{}

// Score rates the feature vector produced by the threat pipeline. Feature
// order: method risk, path length, path depth, header count, inter-request
// gap (seconds), bot probability.
func (HeuristicRiskModel) Score(features []float64) (float64, float64, error) {
	if len(features) < 6 {
		return 0, 0, ErrModelUnavailable
	}

	methodRisk := features[0]
	pathLen := features[1]
	pathDepth := features[2]
	headerCount := features[3]
	gap := features[4]
	botProb := features[5]

	score := 0.3 * methodRisk
	score += 0.3 * botProb

	// Unusually long or deep paths correlate with traversal and injection
	// probes.
	if pathLen > 200 {
		score += 0.2
	} else if pathLen > 100 {
		score += 0.1
	}
	if pathDepth > 8 {
		score += 0.1
	}

	// Near-empty header sets come from raw scripts, not browsers.
	if headerCount < 3 {
		score += 0.15
	}

	// Sub-second hammering.
	if gap > 0 && gap < 1 {
		score += 0.15
	}

	return clamp01(score), 0.6, nil
}
