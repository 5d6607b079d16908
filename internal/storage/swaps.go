package storage

import (
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/comit-network/cnd/internal/swap"
)

// SwapRecord is the persisted form of a swap.Swap aggregate: the runtime
// state plus the bookkeeping columns (secret, timestamps) that live outside
// the in-memory struct.
type SwapRecord struct {
	Swap swap.Swap

	// Secret is only ever populated on Alice's side, once her SecretSource
	// has derived it for this swap (§4.4).
	Secret []byte

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time
}

// SaveCreatedSwap inserts a freshly negotiated swap, or overwrites an
// existing row with the same id (idempotent re-entry after a restart).
func (s *Storage) SaveCreatedSwap(rec *SwapRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alpha := rec.Swap.AlphaParams()
	beta := rec.Swap.BetaParams()

	commJSON, err := json.Marshal(rec.Swap.Communication)
	if err != nil {
		return fmt.Errorf("storage: marshal communication: %w", err)
	}
	alphaAssetJSON, err := json.Marshal(rec.Swap.Communication.Request.AlphaAsset)
	if err != nil {
		return fmt.Errorf("storage: marshal alpha asset: %w", err)
	}
	betaAssetJSON, err := json.Marshal(rec.Swap.Communication.Request.BetaAsset)
	if err != nil {
		return fmt.Errorf("storage: marshal beta asset: %w", err)
	}
	alphaParamsJSON, err := json.Marshal(alpha)
	if err != nil {
		return fmt.Errorf("storage: marshal alpha htlc params: %w", err)
	}
	betaParamsJSON, err := json.Marshal(beta)
	if err != nil {
		return fmt.Errorf("storage: marshal beta htlc params: %w", err)
	}
	alphaStateJSON, err := json.Marshal(rec.Swap.Alpha)
	if err != nil {
		return fmt.Errorf("storage: marshal alpha ledger state: %w", err)
	}
	betaStateJSON, err := json.Marshal(rec.Swap.Beta)
	if err != nil {
		return fmt.Errorf("storage: marshal beta ledger state: %w", err)
	}

	now := time.Now().Unix()
	var secretVal interface{}
	if len(rec.Secret) > 0 {
		secretVal = hex.EncodeToString(rec.Secret)
	}

	query := `
		INSERT INTO swaps (
			swap_id, role, counterparty_peer_id,
			alpha_ledger, beta_ledger, alpha_asset, beta_asset,
			alpha_htlc_params, beta_htlc_params,
			secret_hash, secret,
			communication_state, alpha_ledger_state, beta_ledger_state,
			start_of_swap, created_at, updated_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(swap_id) DO UPDATE SET
			communication_state = excluded.communication_state,
			alpha_htlc_params = excluded.alpha_htlc_params,
			beta_htlc_params = excluded.beta_htlc_params,
			alpha_ledger_state = excluded.alpha_ledger_state,
			beta_ledger_state = excluded.beta_ledger_state,
			secret = CASE WHEN excluded.secret IS NOT NULL THEN excluded.secret ELSE swaps.secret END,
			updated_at = excluded.updated_at
	`
	_, err = s.db.Exec(query,
		rec.Swap.SwapId, string(rec.Swap.Role), rec.Swap.CounterpartyPeerID,
		rec.Swap.Communication.Request.AlphaLedger.String(), rec.Swap.Communication.Request.BetaLedger.String(),
		string(alphaAssetJSON), string(betaAssetJSON),
		string(alphaParamsJSON), string(betaParamsJSON),
		hex.EncodeToString(rec.Swap.Communication.Request.SecretHash), secretVal,
		string(commJSON), string(alphaStateJSON), string(betaStateJSON),
		rec.Swap.StartOfSwap, now, now,
	)
	return err
}

// LoadSwap reads one swap by id, reconstructing the runtime aggregate from
// its persisted communication and ledger-state JSON.
func (s *Storage) LoadSwap(swapID string) (*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT swap_id, role, counterparty_peer_id, secret, communication_state,
			alpha_ledger_state, beta_ledger_state, start_of_swap,
			created_at, updated_at, finished_at
		FROM swaps WHERE swap_id = ?`, swapID)

	return scanSwapRecord(row)
}

// ListUnfinished returns every swap whose both ledger sides have not yet
// reached a terminal state — the set a node replays watchers/coordinators
// for on startup.
func (s *Storage) ListUnfinished() ([]*SwapRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT swap_id, role, counterparty_peer_id, secret, communication_state,
			alpha_ledger_state, beta_ledger_state, start_of_swap,
			created_at, updated_at, finished_at
		FROM swaps WHERE finished_at IS NULL`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SwapRecord
	for rows.Next() {
		rec, err := scanSwapRecordRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveSwapCommunicationState persists an updated negotiation state (I5: the
// caller is responsible for only calling this while the transition is still
// legal — Proposed -> {Accepted, Declined}, never afterward).
func (s *Storage) SaveSwapCommunicationState(swapID string, comm swap.SwapCommunication) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(comm)
	if err != nil {
		return fmt.Errorf("storage: marshal communication: %w", err)
	}

	res, err := s.db.Exec(
		`UPDATE swaps SET communication_state = ?, updated_at = ? WHERE swap_id = ?`,
		string(data), time.Now().Unix(), swapID,
	)
	if err != nil {
		return err
	}
	return expectOneRow(res, "swap", swapID)
}

// SaveLedgerEvent appends one observed watcher event to the audit log and
// advances the swap's cached alpha/beta ledger state to match (I3: callers
// only ever move a LedgerStateKind forward).
func (s *Storage) SaveLedgerEvent(swapID string, ledger string, event *swap.LedgerState, observedAt int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("storage: marshal ledger event: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO ledger_events (swap_id, ledger, event_type, block_height, tx_id, data, observed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		swapID, ledger, string(event.Kind), event.BlockHeight, latestTxID(event), string(data), observedAt,
	); err != nil {
		return fmt.Errorf("storage: insert ledger event: %w", err)
	}

	column := "alpha_ledger_state"
	if ledger == "beta" {
		column = "beta_ledger_state"
	}
	finishedAt := sql.NullInt64{}
	if event.Kind == swap.Redeemed || event.Kind == swap.Refunded || event.Kind == swap.IncorrectlyFunded {
		finishedAt = sql.NullInt64{Int64: observedAt, Valid: true}
	}

	query := fmt.Sprintf(`UPDATE swaps SET %s = ?, updated_at = ? WHERE swap_id = ?`, column)
	if _, err := tx.Exec(query, string(data), time.Now().Unix(), swapID); err != nil {
		return fmt.Errorf("storage: update %s: %w", column, err)
	}

	if finishedAt.Valid {
		if err := bothSidesFinished(tx, swapID, finishedAt.Int64); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// bothSidesFinished sets finished_at only once both alpha and beta ledger
// states have reached a terminal kind, matching Swap.IsFinished.
func bothSidesFinished(tx *sql.Tx, swapID string, observedAt int64) error {
	row := tx.QueryRow(`SELECT alpha_ledger_state, beta_ledger_state FROM swaps WHERE swap_id = ?`, swapID)
	var alphaJSON, betaJSON string
	if err := row.Scan(&alphaJSON, &betaJSON); err != nil {
		return err
	}
	var alpha, beta swap.LedgerState
	if err := json.Unmarshal([]byte(alphaJSON), &alpha); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(betaJSON), &beta); err != nil {
		return err
	}
	if !isTerminalKind(alpha.Kind) || !isTerminalKind(beta.Kind) {
		return nil
	}
	_, err := tx.Exec(`UPDATE swaps SET finished_at = ? WHERE swap_id = ? AND finished_at IS NULL`, observedAt, swapID)
	return err
}

func isTerminalKind(k swap.LedgerStateKind) bool {
	switch k {
	case swap.Redeemed, swap.Refunded, swap.IncorrectlyFunded:
		return true
	default:
		return false
	}
}

func latestTxID(event *swap.LedgerState) string {
	switch {
	case event.RefundTx != "":
		return event.RefundTx
	case event.RedeemTx != "":
		return event.RedeemTx
	case event.FundTx != "":
		return event.FundTx
	default:
		return event.DeployTx
	}
}

func expectOneRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("storage: no %s with id %q", kind, id)
	}
	return nil
}

func scanSwapRecord(row *sql.Row) (*SwapRecord, error) {
	var rec SwapRecord
	var roleStr, commJSON, alphaJSON, betaJSON string
	var secret sql.NullString
	var finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := row.Scan(&rec.Swap.SwapId, &roleStr, &rec.Swap.CounterpartyPeerID, &secret,
		&commJSON, &alphaJSON, &betaJSON, &rec.Swap.StartOfSwap,
		&createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}
	return finishSwapRecordScan(&rec, roleStr, secret, commJSON, alphaJSON, betaJSON, createdAt, updatedAt, finishedAt)
}

func scanSwapRecordRows(rows *sql.Rows) (*SwapRecord, error) {
	var rec SwapRecord
	var roleStr, commJSON, alphaJSON, betaJSON string
	var secret sql.NullString
	var finishedAt sql.NullInt64
	var createdAt, updatedAt int64

	if err := rows.Scan(&rec.Swap.SwapId, &roleStr, &rec.Swap.CounterpartyPeerID, &secret,
		&commJSON, &alphaJSON, &betaJSON, &rec.Swap.StartOfSwap,
		&createdAt, &updatedAt, &finishedAt); err != nil {
		return nil, err
	}
	return finishSwapRecordScan(&rec, roleStr, secret, commJSON, alphaJSON, betaJSON, createdAt, updatedAt, finishedAt)
}

func finishSwapRecordScan(rec *SwapRecord, roleStr string, secret sql.NullString, commJSON, alphaJSON, betaJSON string, createdAt, updatedAt int64, finishedAt sql.NullInt64) (*SwapRecord, error) {
	rec.Swap.Role = swap.Role(roleStr)

	if err := json.Unmarshal([]byte(commJSON), &rec.Swap.Communication); err != nil {
		return nil, fmt.Errorf("storage: unmarshal communication: %w", err)
	}
	if err := json.Unmarshal([]byte(alphaJSON), &rec.Swap.Alpha); err != nil {
		return nil, fmt.Errorf("storage: unmarshal alpha ledger state: %w", err)
	}
	if err := json.Unmarshal([]byte(betaJSON), &rec.Swap.Beta); err != nil {
		return nil, fmt.Errorf("storage: unmarshal beta ledger state: %w", err)
	}

	if secret.Valid {
		b, err := hex.DecodeString(secret.String)
		if err != nil {
			return nil, fmt.Errorf("storage: decode secret: %w", err)
		}
		rec.Secret = b
	}

	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	if finishedAt.Valid {
		t := time.Unix(finishedAt.Int64, 0)
		rec.FinishedAt = &t
	}
	return rec, nil
}
