package domain

// FuelType is the vehicle's fuel category.
type FuelType string

const (
	FuelGasoline FuelType = "gasoline"
	FuelDiesel   FuelType = "diesel"
	FuelHybrid   FuelType = "hybrid"
	FuelElectric FuelType = "electric"
)

// Transmission is the vehicle's gearbox type.
type Transmission string

const (
	TransmissionManual    Transmission = "manual"
	TransmissionAutomatic Transmission = "automatic"
)

// Condition grades the overall state of a vehicle.
type Condition string

const (
	ConditionExcellent  Condition = "excellent"
	ConditionGood       Condition = "good"
	ConditionAverage    Condition = "average"
	ConditionAcceptable Condition = "acceptable"
)

// Vehicle is a read-only input to negotiations. It is never mutated while a
// negotiation referencing it is open.
type Vehicle struct {
	VIN             string       `json:"vin"`
	Registration    string       `json:"registration,omitempty"`
	Make            string       `json:"make"`
	Model           string       `json:"model"`
	Year            int          `json:"year"`
	Version         string       `json:"version,omitempty"`
	Mileage         int          `json:"mileage"`
	Fuel            FuelType     `json:"fuel"`
	Transmission    Transmission `json:"transmission"`
	PowerHP         int          `json:"power_hp,omitempty"`
	Condition       Condition    `json:"condition"`
	MarketValue     float64      `json:"market_value"`
	TradeInEstimate float64      `json:"trade_in_estimate,omitempty"`
	InStock         bool         `json:"in_stock"`
}

// RetailPrice is the asking price used as the starting point when
// structuring offers.
func (v Vehicle) RetailPrice() float64 {
	return v.MarketValue * 1.2
}

// OfferPreference is the client's preferred deal structure.
type OfferPreference string

const (
	PreferPurchase     OfferPreference = "purchase"
	PreferLease        OfferPreference = "lease"
	PreferSubscription OfferPreference = "subscription"
	PreferFlexible     OfferPreference = "flexible"
)

// Client is a read-only input to agents. Loyalty and risk scores influence
// trade-in adjustment and negotiation strategy selection.
type Client struct {
	ID                    string          `json:"id"`
	FirstName             string          `json:"first_name"`
	LastName              string          `json:"last_name"`
	BudgetMin             float64         `json:"budget_min"`
	BudgetMax             float64         `json:"budget_max"`
	PreferredFuel         FuelType        `json:"preferred_fuel,omitempty"`
	PreferredTransmission Transmission    `json:"preferred_transmission,omitempty"`
	Preference            OfferPreference `json:"preference"`
	LoyaltyScore          float64         `json:"loyalty_score"` // [0,1]
	RiskScore             float64         `json:"risk_score"`    // [0,1]
}

// InBudget reports whether price falls within the client's budget range.
// A zero-valued range accepts any price.
func (c Client) InBudget(price float64) bool {
	if c.BudgetMin == 0 && c.BudgetMax == 0 {
		return true
	}
	return price >= c.BudgetMin && price <= c.BudgetMax
}

// VehicleQuery filters the catalog when the client did not name a target
// vehicle. Zero fields are ignored.
type VehicleQuery struct {
	Fuel         FuelType
	Transmission Transmission
	PriceMin     float64
	PriceMax     float64
	InStock      bool
}
