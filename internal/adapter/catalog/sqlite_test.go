package catalog

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"dealbroker/internal/domain"
)

func newTestCatalog(t *testing.T) *SQLiteCatalog {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "catalog.db")
	cat, err := NewSQLiteCatalog(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteCatalog: %v", err)
	}
	t.Cleanup(func() { cat.Close() })
	return cat
}

func seedFixtures(t *testing.T, cat *SQLiteCatalog) {
	t.Helper()
	vehicles := []domain.Vehicle{
		{
			VIN: "VIN-COROLLA", Make: "Toyota", Model: "Corolla", Year: 2021,
			Mileage: 32000, Fuel: domain.FuelHybrid, Transmission: domain.TransmissionAutomatic,
			Condition: domain.ConditionGood, MarketValue: 21000, InStock: true,
		},
		{
			VIN: "VIN-GOLF", Make: "Volkswagen", Model: "Golf", Year: 2019,
			Mileage: 78000, Fuel: domain.FuelDiesel, Transmission: domain.TransmissionManual,
			Condition: domain.ConditionAverage, MarketValue: 14500, InStock: true,
		},
		{
			VIN: "VIN-SOLD", Make: "Tesla", Model: "Model 3", Year: 2022,
			Fuel: domain.FuelElectric, Transmission: domain.TransmissionAutomatic,
			Condition: domain.ConditionExcellent, MarketValue: 34000, InStock: false,
		},
	}
	clients := []domain.Client{
		{
			ID: "cl-1", FirstName: "Marie", LastName: "Laurent",
			BudgetMin: 15000, BudgetMax: 25000,
			PreferredFuel: domain.FuelHybrid, Preference: domain.PreferPurchase,
			LoyaltyScore: 0.8, RiskScore: 0.2,
		},
	}
	if err := cat.Seed(context.Background(), vehicles, clients); err != nil {
		t.Fatalf("Seed: %v", err)
	}
}

func TestCatalogVehicle(t *testing.T) {
	cat := newTestCatalog(t)
	seedFixtures(t, cat)
	ctx := context.Background()

	v, err := cat.Vehicle(ctx, "VIN-COROLLA")
	if err != nil {
		t.Fatalf("Vehicle: %v", err)
	}
	if v.Make != "Toyota" || v.Fuel != domain.FuelHybrid || !v.InStock {
		t.Errorf("unexpected vehicle: %+v", v)
	}

	_, err = cat.Vehicle(ctx, "VIN-MISSING")
	if !errors.Is(err, domain.ErrVehicleNotFound) {
		t.Errorf("expected ErrVehicleNotFound, got %v", err)
	}
}

func TestCatalogClient(t *testing.T) {
	cat := newTestCatalog(t)
	seedFixtures(t, cat)
	ctx := context.Background()

	c, err := cat.Client(ctx, "cl-1")
	if err != nil {
		t.Fatalf("Client: %v", err)
	}
	if c.LastName != "Laurent" || c.Preference != domain.PreferPurchase {
		t.Errorf("unexpected client: %+v", c)
	}
	if c.LoyaltyScore != 0.8 {
		t.Errorf("loyalty = %v", c.LoyaltyScore)
	}

	_, err = cat.Client(ctx, "cl-missing")
	if !errors.Is(err, domain.ErrClientNotFound) {
		t.Errorf("expected ErrClientNotFound, got %v", err)
	}
}

func TestCatalogFindVehicle(t *testing.T) {
	cat := newTestCatalog(t)
	seedFixtures(t, cat)
	ctx := context.Background()

	// Cheapest in-stock match within budget.
	v, err := cat.FindVehicle(ctx, domain.VehicleQuery{
		InStock:  true,
		PriceMax: 25000,
	})
	if err != nil {
		t.Fatalf("FindVehicle: %v", err)
	}
	if v.VIN != "VIN-GOLF" {
		t.Errorf("vin = %s, want VIN-GOLF", v.VIN)
	}

	// Fuel filter narrows to the hybrid.
	v, err = cat.FindVehicle(ctx, domain.VehicleQuery{
		InStock: true,
		Fuel:    domain.FuelHybrid,
	})
	if err != nil {
		t.Fatalf("FindVehicle: %v", err)
	}
	if v.VIN != "VIN-COROLLA" {
		t.Errorf("vin = %s, want VIN-COROLLA", v.VIN)
	}

	// Out-of-stock vehicles are excluded.
	_, err = cat.FindVehicle(ctx, domain.VehicleQuery{
		InStock: true,
		Fuel:    domain.FuelElectric,
	})
	if !errors.Is(err, domain.ErrVehicleNotFound) {
		t.Errorf("expected ErrVehicleNotFound, got %v", err)
	}
}
