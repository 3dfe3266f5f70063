package payment

import (
	"fmt"
	"math"
)

// Converter translates amounts in minor units between currencies.
type Converter interface {
	Convert(amount int64, from, to string) (int64, error)
}

// StaticConverter applies a fixed rate table. Rates are applied once at
// dispatch time; stored order amounts always stay in the order currency.
type StaticConverter struct {
	rates map[string]float64
}

// NewStaticConverter returns a converter seeded with the supported pairs.
func NewStaticConverter() *StaticConverter {
	return &StaticConverter{
		rates: map[string]float64{
			"USD_MXN": 18.50,
			"EUR_MXN": 20.10,
			"MXN_USD": 1 / 18.50,
			"EUR_USD": 1.085,
		},
	}
}

func (c *StaticConverter) Convert(amount int64, from, to string) (int64, error) {
	if from == to {
		return amount, nil
	}
	rate, ok := c.rates[from+"_"+to]
	if !ok {
		return 0, fmt.Errorf("no rate for %s_%s", from, to)
	}
	return int64(math.Round(float64(amount) * rate)), nil
}
