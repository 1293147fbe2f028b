package quality

// RuleModel is the hand-tuned placement model: size, position and page
// context each contribute a multiplicative factor.
type RuleModel struct{}

// Version implements Model.
func (RuleModel) Version() string { return "rules-v1" }

// Predict implements Model. It never fails.
func (RuleModel) Predict(f Features) (float64, error) {
	factor := sizeFactor(f.Width, f.Height)
	if f.Position > 0 {
		factor *= positionFactor(f.Position)
	}
	return factor * pageFactor(f), nil
}

// Larger formats tend to have better viewability and engagement.
func sizeFactor(width, height int) float64 {
	if width <= 0 || height <= 0 {
		return 1.0
	}
	area := width * height
	switch {
	case area >= 300000:
		return 1.3
	case area >= 200000:
		return 1.2
	case area >= 100000:
		return 1.1
	case area >= 50000:
		return 1.0
	default:
		return 0.9
	}
}

// Lower position numbers sit higher on the page.
func positionFactor(position int) float64 {
	switch {
	case position == 1:
		return 1.25
	case position == 2:
		return 1.15
	case position == 3:
		return 1.05
	case position <= 5:
		return 1.0
	default:
		return 0.9
	}
}

func pageFactor(f Features) float64 {
	factor := 1.0

	switch categoryPremium(f.Category) {
	case 2:
		factor *= 1.1
	case 1:
		factor *= 1.05
	}

	switch f.TrafficSource {
	case "direct", "search":
		factor *= 1.1
	case "social":
		factor *= 0.95
	}

	switch {
	case f.AvgTimeOnPage > 120:
		factor *= 1.15
	case f.AvgTimeOnPage > 60:
		factor *= 1.05
	}

	return factor
}
