package scoring

import "github.com/opensource-finance/chainguard/internal/domain"

// Classify maps a score to the band whose half-open interval contains it.
// The top band is closed at domain.MaxScore. Thresholds must be validated.
func Classify(score int, thresholds []domain.BandThreshold) domain.Band {
	score = Clamp(score)

	band := thresholds[0].Band
	for _, t := range thresholds[1:] {
		if score < t.Min {
			break
		}
		band = t.Band
	}
	return band
}

// Rank returns the position of band in thresholds (0 = least severe), or -1.
func Rank(band domain.Band, thresholds []domain.BandThreshold) int {
	for i, t := range thresholds {
		if t.Band == band {
			return i
		}
	}
	return -1
}

// IsTopBand reports whether band is the most severe configured band.
func IsTopBand(band domain.Band, thresholds []domain.BandThreshold) bool {
	return len(thresholds) > 0 && thresholds[len(thresholds)-1].Band == band
}
