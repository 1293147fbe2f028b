package portfolio

import "github.com/shopspring/decimal"

// Score is the λ-adjusted auction score: revenue − λ·cost. A larger λ
// penalizes expensive bids more, steering spend toward better return.
func Score(predictedRevenue, predictedCost decimal.Decimal, lambda float64) decimal.Decimal {
	return predictedRevenue.Sub(decimal.NewFromFloat(lambda).Mul(predictedCost))
}
