// Package negstore implements domain.NegotiationStore on SQLite.
package negstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"dealbroker/internal/domain"
)

var _ domain.NegotiationStore = (*SQLiteStore)(nil)

// SQLiteStore implements domain.NegotiationStore using SQLite. CommitRound
// writes the round, the appended offer version, the superseded offer's
// status change, and the negotiation update in one transaction.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs the
// schema migration.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open negotiation db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate negotiation db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS negotiations (
			id                  TEXT PRIMARY KEY,
			client_id           TEXT NOT NULL,
			trade_in_vehicle_id TEXT NOT NULL DEFAULT '',
			target_vehicle_id   TEXT NOT NULL,
			status              TEXT NOT NULL,
			round_count         INTEGER NOT NULL DEFAULT 0,
			max_rounds          INTEGER NOT NULL,
			margin_target       REAL NOT NULL DEFAULT 0,
			trade_in_value      REAL NOT NULL DEFAULT 0,
			final_price         REAL NOT NULL DEFAULT 0,
			margin_achieved     REAL NOT NULL DEFAULT 0,
			chosen_offer_type   TEXT NOT NULL DEFAULT '',
			failure_reason      TEXT NOT NULL DEFAULT '',
			market_analysis     TEXT NOT NULL DEFAULT '',
			snapshot_key        TEXT NOT NULL DEFAULT '{}',
			strategy_notes      TEXT NOT NULL DEFAULT '',
			started_at          TEXT NOT NULL,
			ended_at            TEXT NOT NULL DEFAULT '',
			updated_at          TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS offers (
			id              TEXT PRIMARY KEY,
			negotiation_id  TEXT NOT NULL REFERENCES negotiations(id),
			seq             INTEGER NOT NULL,
			type            TEXT NOT NULL,
			trade_in_value  REAL NOT NULL DEFAULT 0,
			purchase_price  REAL NOT NULL DEFAULT 0,
			monthly_payment REAL NOT NULL DEFAULT 0,
			duration_months INTEGER NOT NULL DEFAULT 0,
			total_cost      REAL NOT NULL DEFAULT 0,
			warranty_months INTEGER NOT NULL DEFAULT 0,
			maintenance     INTEGER NOT NULL DEFAULT 0,
			roadside        INTEGER NOT NULL DEFAULT 0,
			insurance       INTEGER NOT NULL DEFAULT 0,
			justification   TEXT NOT NULL DEFAULT '',
			confidence      REAL NOT NULL DEFAULT 0,
			concession      INTEGER NOT NULL DEFAULT 0,
			status          TEXT NOT NULL,
			created_at      TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS rounds (
			negotiation_id   TEXT NOT NULL REFERENCES negotiations(id),
			number           INTEGER NOT NULL,
			proposal         TEXT NOT NULL DEFAULT '{}',
			reasoning        TEXT NOT NULL DEFAULT '',
			client_feedback  TEXT NOT NULL DEFAULT '',
			counter_proposal TEXT NOT NULL DEFAULT '',
			likelihood       REAL NOT NULL DEFAULT 0,
			status           TEXT NOT NULL,
			created_at       TEXT NOT NULL,
			PRIMARY KEY (negotiation_id, number)
		);
		CREATE INDEX IF NOT EXISTS idx_offers_negotiation ON offers (negotiation_id, seq);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Create implements domain.NegotiationStore.
func (s *SQLiteStore) Create(ctx context.Context, n domain.Negotiation, firstOffers []domain.Offer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertNegotiation(ctx, tx, n); err != nil {
		return err
	}
	for i, o := range firstOffers {
		if err := insertOffer(ctx, tx, o, i); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Get implements domain.NegotiationStore.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*domain.NegotiationAggregate, error) {
	n, err := s.getNegotiation(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.loadAggregate(ctx, *n)
}

// GetByOffer implements domain.NegotiationStore.
func (s *SQLiteStore) GetByOffer(ctx context.Context, offerID string) (*domain.NegotiationAggregate, error) {
	var negID string
	err := s.db.QueryRowContext(ctx,
		"SELECT negotiation_id FROM offers WHERE id = ?", offerID,
	).Scan(&negID)
	if err == sql.ErrNoRows {
		return nil, domain.ErrOfferNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, negID)
}

// CommitRound implements domain.NegotiationStore. The round record, the new
// offer version, the superseded offer's demotion, and the negotiation update
// either all commit or none do.
func (s *SQLiteStore) CommitRound(ctx context.Context, n domain.Negotiation, round domain.NegotiationRound, newOffer *domain.Offer, supersededID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	counter := ""
	if len(round.CounterProposal) > 0 {
		counter = string(round.CounterProposal)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rounds
			(negotiation_id, number, proposal, reasoning, client_feedback,
			 counter_proposal, likelihood, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		round.NegotiationID, round.Number, string(round.Proposal), round.Reasoning,
		round.ClientFeedback, counter, round.Likelihood, string(round.Status),
		round.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert round %d: %w", round.Number, err)
	}

	if supersededID != "" {
		res, err := tx.ExecContext(ctx,
			"UPDATE offers SET status = ? WHERE id = ?",
			string(domain.OfferNegotiating), supersededID,
		)
		if err != nil {
			return fmt.Errorf("supersede offer %s: %w", supersededID, err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			return domain.ErrOfferNotFound
		}
	}

	if newOffer != nil {
		var nextSeq int
		err := tx.QueryRowContext(ctx,
			"SELECT COALESCE(MAX(seq), -1) + 1 FROM offers WHERE negotiation_id = ?",
			n.ID,
		).Scan(&nextSeq)
		if err != nil {
			return fmt.Errorf("next offer seq: %w", err)
		}
		if err := insertOffer(ctx, tx, *newOffer, nextSeq); err != nil {
			return err
		}
	}

	if err := updateNegotiation(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// UpdateNegotiation implements domain.NegotiationStore.
func (s *SQLiteStore) UpdateNegotiation(ctx context.Context, n domain.Negotiation) error {
	return updateNegotiation(ctx, s.db, n)
}

// UpdateOfferStatus implements domain.NegotiationStore.
func (s *SQLiteStore) UpdateOfferStatus(ctx context.Context, offerID string, status domain.OfferStatus) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE offers SET status = ? WHERE id = ?", string(status), offerID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.ErrOfferNotFound
	}
	return nil
}

// AppendOffer implements domain.NegotiationStore. The new offer version and
// the negotiation update commit together or not at all.
func (s *SQLiteStore) AppendOffer(ctx context.Context, n domain.Negotiation, offer domain.Offer) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var nextSeq int
	err = tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), -1) + 1 FROM offers WHERE negotiation_id = ?",
		n.ID,
	).Scan(&nextSeq)
	if err != nil {
		return fmt.Errorf("next offer seq: %w", err)
	}
	if err := insertOffer(ctx, tx, offer, nextSeq); err != nil {
		return err
	}

	if err := updateNegotiation(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// Settle implements domain.NegotiationStore. The offer status change and the
// negotiation update commit together or not at all.
func (s *SQLiteStore) Settle(ctx context.Context, n domain.Negotiation, offerID string, status domain.OfferStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"UPDATE offers SET status = ? WHERE id = ?", string(status), offerID,
	)
	if err != nil {
		return fmt.Errorf("settle offer %s: %w", offerID, err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return domain.ErrOfferNotFound
	}

	if err := updateNegotiation(ctx, tx, n); err != nil {
		return err
	}
	return tx.Commit()
}

// --- helpers ---

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertNegotiation(ctx context.Context, e execer, n domain.Negotiation) error {
	analysis := ""
	if n.MarketAnalysis != nil {
		data, err := json.Marshal(n.MarketAnalysis)
		if err != nil {
			return fmt.Errorf("marshal market analysis: %w", err)
		}
		analysis = string(data)
	}
	key, err := json.Marshal(n.SnapshotKey)
	if err != nil {
		return fmt.Errorf("marshal snapshot key: %w", err)
	}

	_, err = e.ExecContext(ctx, `
		INSERT INTO negotiations
			(id, client_id, trade_in_vehicle_id, target_vehicle_id, status,
			 round_count, max_rounds, margin_target, trade_in_value, final_price,
			 margin_achieved, chosen_offer_type, failure_reason, market_analysis,
			 snapshot_key, strategy_notes, started_at, ended_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.ClientID, n.TradeInVehicleID, n.TargetVehicleID, string(n.Status),
		n.RoundCount, n.MaxRounds, n.MarginTarget, n.TradeInValue, n.FinalPrice,
		n.MarginAchieved, string(n.ChosenOfferType), string(n.FailureReason),
		analysis, string(key), n.StrategyNotes,
		n.StartedAt.UTC().Format(time.RFC3339Nano), formatEndedAt(n.EndedAt),
		n.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert negotiation %s: %w", n.ID, err)
	}
	return nil
}

func updateNegotiation(ctx context.Context, e execer, n domain.Negotiation) error {
	analysis := ""
	if n.MarketAnalysis != nil {
		data, err := json.Marshal(n.MarketAnalysis)
		if err != nil {
			return fmt.Errorf("marshal market analysis: %w", err)
		}
		analysis = string(data)
	}

	res, err := e.ExecContext(ctx, `
		UPDATE negotiations SET
			status = ?, round_count = ?, trade_in_value = ?, final_price = ?,
			margin_achieved = ?, chosen_offer_type = ?, failure_reason = ?,
			market_analysis = ?, strategy_notes = ?, ended_at = ?, updated_at = ?
		WHERE id = ?`,
		string(n.Status), n.RoundCount, n.TradeInValue, n.FinalPrice,
		n.MarginAchieved, string(n.ChosenOfferType), string(n.FailureReason),
		analysis, n.StrategyNotes, formatEndedAt(n.EndedAt),
		n.UpdatedAt.UTC().Format(time.RFC3339Nano), n.ID,
	)
	if err != nil {
		return fmt.Errorf("update negotiation %s: %w", n.ID, err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return domain.ErrNegotiationNotFound
	}
	return nil
}

func insertOffer(ctx context.Context, e execer, o domain.Offer, seq int) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO offers
			(id, negotiation_id, seq, type, trade_in_value, purchase_price,
			 monthly_payment, duration_months, total_cost, warranty_months,
			 maintenance, roadside, insurance, justification, confidence,
			 concession, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.NegotiationID, seq, string(o.Type), o.TradeInValue, o.PurchasePrice,
		o.MonthlyPay, o.DurationMo, o.TotalCost, o.WarrantyMo,
		boolInt(o.Maintenance), boolInt(o.Roadside), boolInt(o.Insurance),
		o.Justification, o.Confidence, boolInt(o.Concession),
		string(o.Status), o.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert offer %s: %w", o.ID, err)
	}
	return nil
}

func (s *SQLiteStore) getNegotiation(ctx context.Context, id string) (*domain.Negotiation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, client_id, trade_in_vehicle_id, target_vehicle_id, status,
		       round_count, max_rounds, margin_target, trade_in_value, final_price,
		       margin_achieved, chosen_offer_type, failure_reason, market_analysis,
		       snapshot_key, strategy_notes, started_at, ended_at, updated_at
		FROM negotiations WHERE id = ?`, id,
	)

	var n domain.Negotiation
	var status, offerType, reason, analysis, key, startedStr, endedStr, updatedStr string
	err := row.Scan(&n.ID, &n.ClientID, &n.TradeInVehicleID, &n.TargetVehicleID,
		&status, &n.RoundCount, &n.MaxRounds, &n.MarginTarget, &n.TradeInValue,
		&n.FinalPrice, &n.MarginAchieved, &offerType, &reason, &analysis,
		&key, &n.StrategyNotes, &startedStr, &endedStr, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, domain.ErrNegotiationNotFound
	}
	if err != nil {
		return nil, err
	}

	n.Status = domain.NegotiationStatus(status)
	n.ChosenOfferType = domain.OfferType(offerType)
	n.FailureReason = domain.FailureReason(reason)
	if analysis != "" {
		n.MarketAnalysis = &domain.MarketAnalysis{}
		if err := json.Unmarshal([]byte(analysis), n.MarketAnalysis); err != nil {
			return nil, fmt.Errorf("unmarshal market analysis: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(key), &n.SnapshotKey); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot key: %w", err)
	}
	n.StartedAt, _ = time.Parse(time.RFC3339Nano, startedStr)
	n.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	if endedStr != "" {
		ended, err := time.Parse(time.RFC3339Nano, endedStr)
		if err == nil {
			n.EndedAt = &ended
		}
	}
	return &n, nil
}

func (s *SQLiteStore) loadAggregate(ctx context.Context, n domain.Negotiation) (*domain.NegotiationAggregate, error) {
	agg := &domain.NegotiationAggregate{Negotiation: n}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, negotiation_id, type, trade_in_value, purchase_price,
		       monthly_payment, duration_months, total_cost, warranty_months,
		       maintenance, roadside, insurance, justification, confidence,
		       concession, status, created_at
		FROM offers WHERE negotiation_id = ? ORDER BY seq`, n.ID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var o domain.Offer
		var typ, status, createdStr string
		var maint, road, ins, conc int
		err := rows.Scan(&o.ID, &o.NegotiationID, &typ, &o.TradeInValue,
			&o.PurchasePrice, &o.MonthlyPay, &o.DurationMo, &o.TotalCost,
			&o.WarrantyMo, &maint, &road, &ins, &o.Justification,
			&o.Confidence, &conc, &status, &createdStr)
		if err != nil {
			return nil, err
		}
		o.Type = domain.OfferType(typ)
		o.Status = domain.OfferStatus(status)
		o.Maintenance = maint == 1
		o.Roadside = road == 1
		o.Insurance = ins == 1
		o.Concession = conc == 1
		o.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		agg.Offers = append(agg.Offers, o)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	roundRows, err := s.db.QueryContext(ctx, `
		SELECT negotiation_id, number, proposal, reasoning, client_feedback,
		       counter_proposal, likelihood, status, created_at
		FROM rounds WHERE negotiation_id = ? ORDER BY number`, n.ID,
	)
	if err != nil {
		return nil, err
	}
	defer roundRows.Close()
	for roundRows.Next() {
		var r domain.NegotiationRound
		var proposal, counter, status, createdStr string
		err := roundRows.Scan(&r.NegotiationID, &r.Number, &proposal, &r.Reasoning,
			&r.ClientFeedback, &counter, &r.Likelihood, &status, &createdStr)
		if err != nil {
			return nil, err
		}
		r.Proposal = json.RawMessage(proposal)
		if counter != "" {
			r.CounterProposal = json.RawMessage(counter)
		}
		r.Status = domain.RoundStatus(status)
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		agg.Rounds = append(agg.Rounds, r)
	}
	if err := roundRows.Err(); err != nil {
		return nil, err
	}

	return agg, nil
}

func formatEndedAt(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
