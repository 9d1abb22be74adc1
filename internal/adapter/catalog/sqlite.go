// Package catalog implements domain.Catalog on SQLite.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"dealbroker/internal/domain"
)

var _ domain.Catalog = (*SQLiteCatalog)(nil)

// SQLiteCatalog implements domain.Catalog using SQLite.
type SQLiteCatalog struct {
	db *sql.DB
}

// NewSQLiteCatalog opens (or creates) a SQLite database at dbPath and runs
// the schema migration.
func NewSQLiteCatalog(dbPath string) (*SQLiteCatalog, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open catalog db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog db: %w", err)
	}
	return &SQLiteCatalog{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS vehicles (
			vin               TEXT PRIMARY KEY,
			registration      TEXT NOT NULL DEFAULT '',
			make              TEXT NOT NULL,
			model             TEXT NOT NULL,
			year              INTEGER NOT NULL,
			version           TEXT NOT NULL DEFAULT '',
			mileage           INTEGER NOT NULL DEFAULT 0,
			fuel              TEXT NOT NULL,
			transmission      TEXT NOT NULL,
			power_hp          INTEGER NOT NULL DEFAULT 0,
			condition         TEXT NOT NULL,
			market_value      REAL NOT NULL,
			trade_in_estimate REAL NOT NULL DEFAULT 0,
			in_stock          INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS clients (
			id                     TEXT PRIMARY KEY,
			first_name             TEXT NOT NULL,
			last_name              TEXT NOT NULL,
			budget_min             REAL NOT NULL DEFAULT 0,
			budget_max             REAL NOT NULL DEFAULT 0,
			preferred_fuel         TEXT NOT NULL DEFAULT '',
			preferred_transmission TEXT NOT NULL DEFAULT '',
			preference             TEXT NOT NULL DEFAULT 'flexible',
			loyalty_score          REAL NOT NULL DEFAULT 0,
			risk_score             REAL NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_vehicles_stock
			ON vehicles (in_stock, fuel, transmission, market_value);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteCatalog) Close() error {
	return s.db.Close()
}

const vehicleColumns = `vin, registration, make, model, year, version, mileage,
	fuel, transmission, power_hp, condition, market_value, trade_in_estimate, in_stock`

// Vehicle implements domain.Catalog.
func (s *SQLiteCatalog) Vehicle(ctx context.Context, vin string) (*domain.Vehicle, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+vehicleColumns+" FROM vehicles WHERE vin = ?", vin,
	)
	v, err := scanVehicle(row)
	if err == sql.ErrNoRows {
		return nil, domain.ErrVehicleNotFound
	}
	return v, err
}

// Client implements domain.Catalog.
func (s *SQLiteCatalog) Client(ctx context.Context, id string) (*domain.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, first_name, last_name, budget_min, budget_max,
		       preferred_fuel, preferred_transmission, preference,
		       loyalty_score, risk_score
		FROM clients WHERE id = ?`, id,
	)
	var c domain.Client
	var fuel, transmission, pref string
	err := row.Scan(&c.ID, &c.FirstName, &c.LastName, &c.BudgetMin, &c.BudgetMax,
		&fuel, &transmission, &pref, &c.LoyaltyScore, &c.RiskScore)
	if err == sql.ErrNoRows {
		return nil, domain.ErrClientNotFound
	}
	if err != nil {
		return nil, err
	}
	c.PreferredFuel = domain.FuelType(fuel)
	c.PreferredTransmission = domain.Transmission(transmission)
	c.Preference = domain.OfferPreference(pref)
	return &c, nil
}

// FindVehicle implements domain.Catalog. Matches are ordered cheapest first
// so a budget-constrained query lands on the most affordable candidate.
func (s *SQLiteCatalog) FindVehicle(ctx context.Context, q domain.VehicleQuery) (*domain.Vehicle, error) {
	var (
		conds []string
		args  []any
	)
	if q.InStock {
		conds = append(conds, "in_stock = 1")
	}
	if q.Fuel != "" {
		conds = append(conds, "fuel = ?")
		args = append(args, string(q.Fuel))
	}
	if q.Transmission != "" {
		conds = append(conds, "transmission = ?")
		args = append(args, string(q.Transmission))
	}
	if q.PriceMin > 0 {
		conds = append(conds, "market_value >= ?")
		args = append(args, q.PriceMin)
	}
	if q.PriceMax > 0 {
		conds = append(conds, "market_value <= ?")
		args = append(args, q.PriceMax)
	}

	query := "SELECT " + vehicleColumns + " FROM vehicles"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY market_value ASC LIMIT 1"

	v, err := scanVehicle(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, domain.ErrVehicleNotFound
	}
	return v, err
}

// Seed inserts (or replaces) catalog rows. Used by the seed command and tests.
func (s *SQLiteCatalog) Seed(ctx context.Context, vehicles []domain.Vehicle, clients []domain.Client) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	for _, v := range vehicles {
		inStock := 0
		if v.InStock {
			inStock = 1
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO vehicles (`+vehicleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			v.VIN, v.Registration, v.Make, v.Model, v.Year, v.Version, v.Mileage,
			string(v.Fuel), string(v.Transmission), v.PowerHP, string(v.Condition),
			v.MarketValue, v.TradeInEstimate, inStock,
		)
		if err != nil {
			return fmt.Errorf("seed vehicle %s: %w", v.VIN, err)
		}
	}

	for _, c := range clients {
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO clients
				(id, first_name, last_name, budget_min, budget_max,
				 preferred_fuel, preferred_transmission, preference,
				 loyalty_score, risk_score)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.ID, c.FirstName, c.LastName, c.BudgetMin, c.BudgetMax,
			string(c.PreferredFuel), string(c.PreferredTransmission),
			string(c.Preference), c.LoyaltyScore, c.RiskScore,
		)
		if err != nil {
			return fmt.Errorf("seed client %s: %w", c.ID, err)
		}
	}

	return tx.Commit()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanVehicle(row scanner) (*domain.Vehicle, error) {
	var v domain.Vehicle
	var fuel, transmission, condition string
	var inStock int
	err := row.Scan(&v.VIN, &v.Registration, &v.Make, &v.Model, &v.Year, &v.Version,
		&v.Mileage, &fuel, &transmission, &v.PowerHP, &condition,
		&v.MarketValue, &v.TradeInEstimate, &inStock)
	if err != nil {
		return nil, err
	}
	v.Fuel = domain.FuelType(fuel)
	v.Transmission = domain.Transmission(transmission)
	v.Condition = domain.Condition(condition)
	v.InStock = inStock == 1
	return &v, nil
}
