package irt

import "math"

// pointsPerLogit converts between θ and the 0-100 reporting scale. One logit
// is 12.5 points, so θ ∈ [-4, 4] spans the whole scale with θ=0 at 50.
const pointsPerLogit = 12.5

// ScaledScore maps θ to the 0-100 ability score shown to test-takers.
func ScaledScore(theta float64) int {
	score := 50 + theta*pointsPerLogit
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return int(math.Round(score))
}

// ScaledError converts a θ standard error to scale points.
func ScaledError(se float64) float64 {
	return se * pointsPerLogit
}

// ThetaFromScore is the inverse of ScaledScore for a 0-100 score.
func ThetaFromScore(score int) float64 {
	return (float64(score) - 50) / pointsPerLogit
}
