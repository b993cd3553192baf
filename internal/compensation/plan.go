// Package compensation holds the compensation plan (package tiers, career
// levels, reward milestones and bonus constants) and the pure rules derived
// from it. The plan is passed explicitly to the engines that need it.
package compensation

import (
	"fmt"
	"os"
	"sort"

	"mlm_service/internal/apperr"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

var (
	ErrInvalidPlan = apperr.New(apperr.KindValidation, "INVALID_PLAN", "invalid compensation plan")
	ErrUnknownTier = apperr.New(apperr.KindValidation, "UNKNOWN_TIER", "unknown package tier")
)

type PackageTier struct {
	Code             string          `yaml:"code"             json:"code"`
	Rank             int             `yaml:"rank"             json:"rank"`
	PairingPoints    int64           `yaml:"pairingPoints"    json:"pairing_points"`
	RewardPoints     int64           `yaml:"rewardPoints"     json:"reward_points"`
	MaxPairingPerDay int64           `yaml:"maxPairingPerDay" json:"max_pairing_per_day"`
	Price            decimal.Decimal `yaml:"price"            json:"price"`
}

type CareerLevel struct {
	Code       string `yaml:"code"       json:"code"`
	Name       string `yaml:"name"       json:"name"`
	RequiredPP int64  `yaml:"requiredPP" json:"required_pp"`
}

type RewardMilestone struct {
	Code            string          `yaml:"code"            json:"code"`
	Name            string          `yaml:"name"            json:"name"`
	RequiredLeftRP  int64           `yaml:"requiredLeftRP"  json:"required_left_rp"`
	RequiredRightRP int64           `yaml:"requiredRightRP" json:"required_right_rp"`
	CashValue       decimal.Decimal `yaml:"cashValue"       json:"cash_value"`
}

// GenerationBand pays Percent for every generation in [FromGeneration, ToGeneration].
type GenerationBand struct {
	FromGeneration int             `yaml:"fromGeneration"`
	ToGeneration   int             `yaml:"toGeneration"`
	Percent        decimal.Decimal `yaml:"percent"`
}

type RepeatOrderRules struct {
	MinPersonalSpend decimal.Decimal `yaml:"minPersonalSpend"`
	// GenerationPercents[i] applies to generation i+1.
	GenerationPercents []decimal.Decimal `yaml:"generationPercents"`
}

type GlobalSharingRules struct {
	// PoolPercents maps a career level code to its share of national revenue.
	PoolPercents map[string]decimal.Decimal `yaml:"poolPercents"`
}

type BonusRules struct {
	WalletRatio        decimal.Decimal    `yaml:"walletRatio"`
	SponsorBonusUnit   decimal.Decimal    `yaml:"sponsorBonusUnit"`
	PairingBonusAmount decimal.Decimal    `yaml:"pairingBonusAmount"`
	PointsPerPair      int64              `yaml:"pointsPerPair"`
	LevelingBonusUnit  decimal.Decimal    `yaml:"levelingBonusUnit"`
	MatchingBands      []GenerationBand   `yaml:"matchingBands"`
	RepeatOrder        RepeatOrderRules   `yaml:"repeatOrder"`
	GlobalSharing      GlobalSharingRules `yaml:"globalSharing"`
}

type Plan struct {
	Tiers        []PackageTier     `yaml:"tiers"`
	CareerLevels []CareerLevel     `yaml:"careerLevels"`
	Milestones   []RewardMilestone `yaml:"milestones"`
	Bonus        BonusRules        `yaml:"bonus"`
}

func d(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

// DefaultPlan returns the built-in plan. Amounts are in Rupiah.
func DefaultPlan() *Plan {
	return &Plan{
		Tiers: []PackageTier{
			{Code: "silver", Rank: 1, PairingPoints: 1, RewardPoints: 1, MaxPairingPerDay: 10, Price: d(1_500_000)},
			{Code: "gold", Rank: 2, PairingPoints: 2, RewardPoints: 2, MaxPairingPerDay: 20, Price: d(3_000_000)},
			{Code: "platinum", Rank: 3, PairingPoints: 3, RewardPoints: 3, MaxPairingPerDay: 30, Price: d(4_500_000)},
		},
		CareerLevels: []CareerLevel{
			{Code: "sapphire", Name: "Sapphire", RequiredPP: 10},
			{Code: "ruby", Name: "Ruby", RequiredPP: 50},
			{Code: "emerald", Name: "Emerald", RequiredPP: 250},
			{Code: "diamond", Name: "Diamond", RequiredPP: 1000},
			{Code: "crown", Name: "Crown", RequiredPP: 5000},
		},
		Milestones: []RewardMilestone{
			{Code: "r1", Name: "Smartphone", RequiredLeftRP: 10, RequiredRightRP: 10, CashValue: d(1_000_000)},
			{Code: "r2", Name: "Motorcycle", RequiredLeftRP: 50, RequiredRightRP: 50, CashValue: d(5_000_000)},
			{Code: "r3", Name: "Umrah trip", RequiredLeftRP: 250, RequiredRightRP: 250, CashValue: d(25_000_000)},
			{Code: "r4", Name: "Car", RequiredLeftRP: 1000, RequiredRightRP: 1000, CashValue: d(100_000_000)},
		},
		Bonus: BonusRules{
			WalletRatio:        decimal.RequireFromString("0.20"),
			SponsorBonusUnit:   d(100_000),
			PairingBonusAmount: d(50_000),
			PointsPerPair:      1,
			LevelingBonusUnit:  d(10_000),
			MatchingBands: []GenerationBand{
				{FromGeneration: 1, ToGeneration: 3, Percent: d(10)},
				{FromGeneration: 4, ToGeneration: 6, Percent: d(5)},
				{FromGeneration: 7, ToGeneration: 10, Percent: decimal.RequireFromString("2.5")},
			},
			RepeatOrder: RepeatOrderRules{
				MinPersonalSpend:   d(300_000),
				GenerationPercents: []decimal.Decimal{d(5), d(4), d(3), d(2), d(1)},
			},
			GlobalSharing: GlobalSharingRules{
				PoolPercents: map[string]decimal.Decimal{
					"sapphire": d(1),
					"ruby":     decimal.RequireFromString("1.5"),
					"emerald":  d(2),
					"diamond":  decimal.RequireFromString("2.5"),
					"crown":    d(3),
				},
			},
		},
	}
}

// LoadPlan overlays the YAML file at path onto DefaultPlan. An empty path
// returns the defaults.
func LoadPlan(path string) (*Plan, error) {
	plan := DefaultPlan()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading plan file: %w", err)
		}
		if err := yaml.Unmarshal(buf, plan); err != nil {
			return nil, fmt.Errorf("error parsing plan file: %w", err)
		}
	}
	plan.normalize()
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func (p *Plan) normalize() {
	sort.SliceStable(p.Tiers, func(i, j int) bool { return p.Tiers[i].Rank < p.Tiers[j].Rank })
	sort.SliceStable(p.CareerLevels, func(i, j int) bool {
		return p.CareerLevels[i].RequiredPP < p.CareerLevels[j].RequiredPP
	})
	sort.SliceStable(p.Milestones, func(i, j int) bool {
		a, b := p.Milestones[i], p.Milestones[j]
		if a.RequiredLeftRP != b.RequiredLeftRP {
			return a.RequiredLeftRP < b.RequiredLeftRP
		}
		return a.RequiredRightRP < b.RequiredRightRP
	})
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidPlan, fmt.Sprintf(format, args...))
}

func validPercent(p decimal.Decimal) bool {
	return !p.IsNegative() && p.LessThanOrEqual(d(100))
}

// Validate checks the plan's ordering and range constraints.
func (p *Plan) Validate() error {
	if len(p.Tiers) == 0 {
		return invalid("no package tiers")
	}
	seen := make(map[string]bool)
	for i, t := range p.Tiers {
		switch {
		case t.Code == "":
			return invalid("tier %d has no code", i)
		case seen[t.Code]:
			return invalid("duplicate tier %q", t.Code)
		case t.Rank <= 0:
			return invalid("tier %q rank must be positive", t.Code)
		case i > 0 && t.Rank <= p.Tiers[i-1].Rank:
			return invalid("tier ranks must be strictly increasing at %q", t.Code)
		case t.PairingPoints <= 0 || t.RewardPoints <= 0:
			return invalid("tier %q points must be positive", t.Code)
		case t.MaxPairingPerDay <= 0:
			return invalid("tier %q max pairing per day must be positive", t.Code)
		}
		seen[t.Code] = true
	}
	for i, l := range p.CareerLevels {
		if l.Code == "" || l.RequiredPP <= 0 {
			return invalid("career level %d needs a code and a positive threshold", i)
		}
		if i > 0 && l.RequiredPP <= p.CareerLevels[i-1].RequiredPP {
			return invalid("career level thresholds must be strictly increasing at %q", l.Code)
		}
	}
	for i, m := range p.Milestones {
		if m.Code == "" || m.RequiredLeftRP <= 0 || m.RequiredRightRP <= 0 {
			return invalid("milestone %d needs a code and positive thresholds", i)
		}
	}
	b := p.Bonus
	if b.WalletRatio.IsNegative() || b.WalletRatio.GreaterThan(decimal.NewFromInt(1)) {
		return invalid("wallet ratio must be within [0,1]")
	}
	if b.PointsPerPair <= 0 {
		return invalid("points per pair must be positive")
	}
	next := 1
	for _, band := range b.MatchingBands {
		if band.FromGeneration != next || band.ToGeneration < band.FromGeneration {
			return invalid("matching bands must be contiguous from generation 1")
		}
		if !validPercent(band.Percent) {
			return invalid("matching percent out of range")
		}
		next = band.ToGeneration + 1
	}
	for _, pct := range b.RepeatOrder.GenerationPercents {
		if !validPercent(pct) {
			return invalid("repeat order percent out of range")
		}
	}
	for code, pct := range b.GlobalSharing.PoolPercents {
		if _, ok := p.LevelIndex(code); !ok {
			return invalid("global sharing pool for unknown career level %q", code)
		}
		if !validPercent(pct) {
			return invalid("global sharing percent out of range")
		}
	}
	return nil
}

func (p *Plan) Tier(code string) (PackageTier, error) {
	for _, t := range p.Tiers {
		if t.Code == code {
			return t, nil
		}
	}
	return PackageTier{}, fmt.Errorf("%w: %q", ErrUnknownTier, code)
}

// LevelIndex returns the position of a career level in ascending order.
func (p *Plan) LevelIndex(code string) (int, bool) {
	for i, l := range p.CareerLevels {
		if l.Code == code {
			return i, true
		}
	}
	return -1, false
}
