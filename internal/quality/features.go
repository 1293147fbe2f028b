package quality

import (
	"strings"

	"github.com/atmx/bid-engine/internal/model"
)

// SchemaVersion is the feature vector layout artifacts must be trained on.
const SchemaVersion = 1

// FeatureNames documents the layout of Features.Vector.
var FeatureNames = []string{
	"width",
	"height",
	"position",
	"device_type",
	"creative_type",
	"placement_score",
	"category_premium",
	"traffic_intent",
	"time_on_page",
}

// Features are the advertiser-agnostic placement/context inputs to a model.
type Features struct {
	Width          int
	Height         int
	Position       int
	DeviceType     model.DeviceType
	CreativeType   model.CreativeType
	PlacementScore int
	Category       string
	TrafficSource  string
	AvgTimeOnPage  float64
}

// FeaturesFromSlot extracts the model inputs of an ad slot.
func FeaturesFromSlot(slot model.AdSlot) Features {
	return Features{
		Width:          slot.Width,
		Height:         slot.Height,
		Position:       slot.Position,
		DeviceType:     slot.Context.DeviceType,
		CreativeType:   slot.Context.CreativeType,
		PlacementScore: slot.Context.PlacementScore,
		Category:       strings.ToLower(slot.Context.Category),
		TrafficSource:  strings.ToLower(slot.Context.TrafficSource),
		AvgTimeOnPage:  slot.Context.AvgTimeOnPage,
	}
}

// Vector encodes f in FeatureNames order.
func (f Features) Vector() []float64 {
	return []float64{
		float64(f.Width),
		float64(f.Height),
		float64(f.Position),
		float64(f.DeviceType),
		float64(f.CreativeType),
		float64(f.PlacementScore),
		categoryPremium(f.Category),
		trafficIntent(f.TrafficSource),
		f.AvgTimeOnPage,
	}
}

// categoryPremium: 2 = premium, 1 = high engagement, 0 = other.
func categoryPremium(category string) float64 {
	switch category {
	case "news", "finance", "technology":
		return 2
	case "entertainment", "sports":
		return 1
	}
	return 0
}

// trafficIntent: 2 = high intent, 0 = low intent, 1 = other.
func trafficIntent(source string) float64 {
	switch source {
	case "direct", "search":
		return 2
	case "social":
		return 0
	}
	return 1
}
