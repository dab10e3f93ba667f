// Package storage - Trade cache operations.
package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Trade errors
var (
	ErrTradeNotFound = errors.New("trade not found")
)

// TradeState is a trade's cached progress as a string. It is a coarser set
// with its own names, not internal/trade's State values, and this package
// does not import that package.
type TradeState string

const (
	TradeStateInitialized TradeState = "initialized"
	TradeStatePsbtSent    TradeState = "psbt_sent"
	TradeStatePsbtSigned  TradeState = "psbt_signed"
	TradeStateBroadcast   TradeState = "broadcast"
	TradeStateCancelled   TradeState = "cancelled"
	TradeStateFailed      TradeState = "failed"
)

// Trade is the durable cache record tracking a trade's last known state.
type Trade struct {
	ID          string
	OrderID     string
	MakerPeerID string
	TakerPeerID string
	Amount      string
	State       TradeState

	CreatedAt   time.Time
	UpdatedAt   *time.Time
	CompletedAt *time.Time

	FailureReason string
}

// CreateTrade records a new trade.
func (s *Storage) CreateTrade(trade *Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO trades (
			id, order_id, maker_peer_id, taker_peer_id, amount, state, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		trade.ID, trade.OrderID, trade.MakerPeerID, trade.TakerPeerID,
		trade.Amount, trade.State, trade.CreatedAt.Unix(),
	)

	if err != nil {
		return fmt.Errorf("failed to create trade: %w", err)
	}

	return nil
}

// GetTrade retrieves a trade by ID.
func (s *Storage) GetTrade(id string) (*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var trade Trade
	var createdAt, updatedAt, completedAt sql.NullInt64
	var failureReason sql.NullString

	err := s.db.QueryRow(`
		SELECT id, order_id, maker_peer_id, taker_peer_id, amount, state,
			created_at, updated_at, completed_at, failure_reason
		FROM trades WHERE id = ?
	`, id).Scan(
		&trade.ID, &trade.OrderID, &trade.MakerPeerID, &trade.TakerPeerID,
		&trade.Amount, &trade.State,
		&createdAt, &updatedAt, &completedAt, &failureReason,
	)

	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}

	trade.CreatedAt = time.Unix(createdAt.Int64, 0)
	if updatedAt.Valid {
		t := time.Unix(updatedAt.Int64, 0)
		trade.UpdatedAt = &t
	}
	if completedAt.Valid {
		t := time.Unix(completedAt.Int64, 0)
		trade.CompletedAt = &t
	}
	if failureReason.Valid {
		trade.FailureReason = failureReason.String
	}

	return &trade, nil
}

// UpdateTradeState updates a trade's cached state.
func (s *Storage) UpdateTradeState(id string, state TradeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE trades SET state = ?, updated_at = ? WHERE id = ?
	`, state, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to update trade state: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTradeNotFound
	}

	return nil
}

// CompleteTrade marks a trade as broadcast and complete.
func (s *Storage) CompleteTrade(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().Unix()
	result, err := s.db.Exec(`
		UPDATE trades SET state = ?, completed_at = ?, updated_at = ? WHERE id = ?
	`, TradeStateBroadcast, now, now, id)

	if err != nil {
		return fmt.Errorf("failed to complete trade: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTradeNotFound
	}

	return nil
}

// FailTrade marks a trade as failed with a reason.
func (s *Storage) FailTrade(id string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`
		UPDATE trades SET state = ?, failure_reason = ?, updated_at = ? WHERE id = ?
	`, TradeStateFailed, reason, time.Now().Unix(), id)

	if err != nil {
		return fmt.Errorf("failed to fail trade: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrTradeNotFound
	}

	return nil
}

// ListActiveTrades returns trades that are not broadcast, cancelled or
// failed, most recent first.
func (s *Storage) ListActiveTrades() ([]*Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`
		SELECT id, order_id, maker_peer_id, taker_peer_id, amount, state,
			created_at, updated_at, completed_at, failure_reason
		FROM trades
		WHERE state NOT IN (?, ?, ?)
		ORDER BY created_at DESC
	`, TradeStateBroadcast, TradeStateCancelled, TradeStateFailed)
	if err != nil {
		return nil, fmt.Errorf("failed to list active trades: %w", err)
	}
	defer rows.Close()

	var trades []*Trade
	for rows.Next() {
		var trade Trade
		var createdAt, updatedAt, completedAt sql.NullInt64
		var failureReason sql.NullString

		err := rows.Scan(
			&trade.ID, &trade.OrderID, &trade.MakerPeerID, &trade.TakerPeerID,
			&trade.Amount, &trade.State,
			&createdAt, &updatedAt, &completedAt, &failureReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}

		trade.CreatedAt = time.Unix(createdAt.Int64, 0)
		if updatedAt.Valid {
			t := time.Unix(updatedAt.Int64, 0)
			trade.UpdatedAt = &t
		}
		if completedAt.Valid {
			t := time.Unix(completedAt.Int64, 0)
			trade.CompletedAt = &t
		}
		if failureReason.Valid {
			trade.FailureReason = failureReason.String
		}

		trades = append(trades, &trade)
	}

	return trades, rows.Err()
}
