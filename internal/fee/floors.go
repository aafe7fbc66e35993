package fee

// Floors is the provider's minimum instant payout fee per currency, in minor units.
type Floors struct {
	ByCurrency map[string]int64
	Default    int64
}

func DefaultFloors() Floors {
	return Floors{
		ByCurrency: map[string]int64{
			"usd": 50,
			"cad": 60,
			"sgd": 50,
			"gbp": 40,
			"aud": 50,
			"eur": 40,
			"czk": 1000,
			"dkk": 500,
			"huf": 20000,
			"nok": 500,
			"pln": 200,
			"ron": 200,
			"sek": 500,
			"nzd": 50,
			"myr": 200,
			"aed": 200,
		},
		Default: 50,
	}
}

func (f Floors) For(currency string) int64 {
	if v, ok := f.ByCurrency[currency]; ok {
		return v
	}
	return f.Default
}
