package payment

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

// Tier is a one-time price covering up to ReceiptLimit receipts
type Tier struct {
	ID           string `toml:"id" json:"id"`
	Label        string `toml:"label" json:"label"`
	Description  string `toml:"description" json:"description"`
	Price        int    `toml:"price" json:"price"` // whole dollars
	ReceiptLimit int    `toml:"receipt_limit" json:"receiptLimit"`
	PriceID      string `toml:"price_id" json:"priceId"`
	Popular      bool   `toml:"popular,omitempty" json:"popular,omitempty"`
	BestValue    bool   `toml:"best_value,omitempty" json:"bestValue,omitempty"`
}

// Tiers is an ordered price list, smallest tier first
type Tiers []Tier

// DefaultTiers returns the built-in price list
func DefaultTiers() Tiers {
	return Tiers{
		{ID: "small", Label: "Small cleanup", Description: "For a handful of recent receipts", Price: 3, ReceiptLimit: 25, PriceID: "price_1SkYtRQa1XREkmsDiriueRnm"},
		{ID: "monthly", Label: "Monthly mess", Description: "Perfect for end-of-month sorting", Price: 5, ReceiptLimit: 75, PriceID: "price_1SkYtdQa1XREkmsDe895poxu", Popular: true},
		{ID: "quarterly", Label: "Quarterly cleanup", Description: "For business quarter reviews", Price: 8, ReceiptLimit: 150, PriceID: "price_1SkYtyQa1XREkmsDMaZJt4Fz"},
		{ID: "yearly", Label: "Year-end tax batch", Description: "Get ready for tax season", Price: 12, ReceiptLimit: 300, PriceID: "price_1SkYuhQa1XREkmsDF8PGMTm6"},
		{ID: "unlimited", Label: "Max cleanup", Description: "Maximum batch size (500 receipts)", Price: 19, ReceiptLimit: 500, PriceID: "price_1SkYuyQa1XREkmsDxY02SUSQ", BestValue: true},
	}
}

// tiersFile is the on-disk layout: one [[tier]] table per tier
type tiersFile struct {
	Tiers []Tier `toml:"tier"`
}

// LoadTiers reads a TOML price list, falling back to DefaultTiers when path is empty
func LoadTiers(path string) (Tiers, error) {
	if path == "" {
		return DefaultTiers(), nil
	}

	var f tiersFile
	if _, err := toml.DecodeFile(path, &f); err != nil {
		return nil, fmt.Errorf("parsing tiers file: %w", err)
	}

	tiers := Tiers(f.Tiers)
	if err := tiers.validate(); err != nil {
		return nil, fmt.Errorf("invalid tiers file %s: %w", path, err)
	}
	return tiers, nil
}

func (t Tiers) validate() error {
	if len(t) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	ids := make(map[string]bool, len(t))
	priceIDs := make(map[string]bool, len(t))
	for i, tier := range t {
		if tier.ID == "" || tier.PriceID == "" {
			return fmt.Errorf("tier %d: id and price_id are required", i)
		}
		if tier.ReceiptLimit <= 0 {
			return fmt.Errorf("tier %s: receipt_limit must be positive", tier.ID)
		}
		if ids[tier.ID] || priceIDs[tier.PriceID] {
			return fmt.Errorf("tier %s: duplicate id or price_id", tier.ID)
		}
		ids[tier.ID] = true
		priceIDs[tier.PriceID] = true
	}
	return nil
}

// ByPriceID finds the tier sold under a provider price id
func (t Tiers) ByPriceID(priceID string) (Tier, bool) {
	for _, tier := range t {
		if tier.PriceID == priceID {
			return tier, true
		}
	}
	return Tier{}, false
}

// Suggest returns the cheapest tier that covers count receipts
func (t Tiers) Suggest(count int) (Tier, bool) {
	var (
		best  Tier
		found bool
	)
	for _, tier := range t {
		if count <= tier.ReceiptLimit && (!found || tier.Price < best.Price) {
			best, found = tier, true
		}
	}
	return best, found
}
