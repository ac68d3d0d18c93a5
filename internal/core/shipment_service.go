package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ShipmentService tracks one employee physically loading one confirmed order.
// A session is single-owner: only the identity that started it may advance or
// finish it. Liveness comes from heartbeats; the background sweeps flag stale
// sessions and eventually delete abandoned ones without touching the order's
// stock commitment.
type ShipmentService interface {
	// Start opens the loading session for a CONFIRMED order and stamps the
	// caller as owner. A second start for the same order fails with
	// ErrSessionAlreadyActive, enforced by the unique constraint rather than
	// an existence check.
	Start(ctx context.Context, orderID int64, truckID string, ident Identity) (*ShipmentSession, error)
	// ToggleItem advances the progress counter by one unit, or undoes the
	// last unit when the order is already fully loaded. Owner only. Also
	// refreshes the heartbeat.
	ToggleItem(ctx context.Context, sessionID string, ident Identity) (*ShipmentSession, error)
	// Complete ships the order: requires a fully loaded session, turns every
	// item reservation into a permanent stock decrement, records the loading
	// duration, and deletes the session.
	Complete(ctx context.Context, sessionID string, ident Identity) (*Order, error)
	// Heartbeat refreshes the session's liveness stamp. Failures are logged
	// and swallowed; a missed heartbeat degrades gracefully.
	Heartbeat(ctx context.Context, sessionID string, ident Identity)
	GetSession(ctx context.Context, sessionID string) (*ShipmentSession, error)
	// DetectLostSignal flags ACTIVE sessions whose heartbeat is older than
	// threshold as SIGNAL_LOST. Returns the number flagged.
	DetectLostSignal(ctx context.Context, threshold time.Duration) (int, error)
	// CleanupAbandoned deletes SIGNAL_LOST sessions whose heartbeat is older
	// than maxAge. The order stays CONFIRMED; a human restarts loading.
	// Returns the number deleted.
	CleanupAbandoned(ctx context.Context, maxAge time.Duration) (int, error)
}

type shipmentService struct {
	pool     *pgxpool.Pool
	ledger   *StockLedger
	notifier Notifier
	logger   *zap.Logger
}

func NewShipmentService(pool *pgxpool.Pool, ledger *StockLedger, notifier Notifier, logger *zap.Logger) ShipmentService {
	return &shipmentService{pool: pool, ledger: ledger, notifier: notifier, logger: logger}
}

func validateIdentity(ident Identity) error {
	if ident.ID == "" {
		return &ValidationError{Field: "identity", Reason: "caller identity must not be empty"}
	}
	return nil
}

func (s *shipmentService) Start(ctx context.Context, orderID int64, truckID string, ident Identity) (*ShipmentSession, error) {
	if err := validateIdentity(ident); err != nil {
		return nil, err
	}
	if truckID == "" {
		return nil, &ValidationError{Field: "truck", Reason: "truck id must not be empty"}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	status, err := lockOrderTx(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if status != OrderStatusConfirmed {
		return nil, fmt.Errorf("order %d has status %s: %w", orderID, status, ErrNotReadyForShipment)
	}

	// Units to load, not line count: toggling moves one unit at a time.
	var totalItems int
	if err := tx.QueryRow(ctx,
		"SELECT COALESCE(SUM(quantity), 0) FROM order_items WHERE order_id = $1",
		orderID,
	).Scan(&totalItems); err != nil {
		return nil, fmt.Errorf("failed to sum order items: %w", err)
	}

	sessionID := uuid.NewString()
	_, err = tx.Exec(ctx, `
		INSERT INTO shipment_sessions (id, order_id, owner_id, owner_name, total_items)
		VALUES ($1, $2, $3, $4, $5)
	`, sessionID, orderID, ident.ID, ident.DisplayName, totalItems)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrSessionAlreadyActive)
		}
		return nil, fmt.Errorf("failed to create shipment session: %w", err)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET truck_id = $2, loading_started_at = NOW() WHERE id = $1",
		orderID, truckID,
	); err != nil {
		return nil, fmt.Errorf("failed to record truck on order %d: %w", orderID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session start: %w", err)
	}

	s.notifier.Notify(ctx, "shipment.started", map[string]any{
		"session_id": sessionID,
		"order_id":   orderID,
		"owner":      ident.DisplayName,
		"truck_id":   truckID,
	})
	return s.GetSession(ctx, sessionID)
}

func (s *shipmentService) ToggleItem(ctx context.Context, sessionID string, ident Identity) (*ShipmentSession, error) {
	if err := validateIdentity(ident); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ident.ID {
		return nil, fmt.Errorf("session %s belongs to %s: %w", sessionID, sess.OwnerName, ErrNotSessionOwner)
	}

	// Coarse progress counter: fully loaded means undo the last unit,
	// anything else means load one more. Which unit is not tracked.
	shipped := sess.ShippedItems
	if shipped == sess.TotalItems {
		shipped--
	} else {
		shipped++
	}

	// An owner action is proof the signal is back.
	if _, err := tx.Exec(ctx, `
		UPDATE shipment_sessions
		SET shipped_items = $2, status = $3, last_heartbeat = NOW()
		WHERE id = $1
	`, sessionID, shipped, SessionStatusActive); err != nil {
		return nil, fmt.Errorf("failed to update session progress: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit session progress: %w", err)
	}

	s.notifier.Notify(ctx, "shipment.progress", map[string]any{
		"session_id": sessionID,
		"order_id":   sess.OrderID,
		"shipped":    shipped,
		"total":      sess.TotalItems,
	})
	return s.GetSession(ctx, sessionID)
}

func (s *shipmentService) Complete(ctx context.Context, sessionID string, ident Identity) (*Order, error) {
	if err := validateIdentity(ident); err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	sess, err := lockSessionTx(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.OwnerID != ident.ID {
		return nil, fmt.Errorf("session %s belongs to %s: %w", sessionID, sess.OwnerName, ErrNotSessionOwner)
	}
	if sess.ShippedItems != sess.TotalItems {
		return nil, fmt.Errorf("session %s has loaded %d of %d units: %w",
			sessionID, sess.ShippedItems, sess.TotalItems, ErrIncompleteLoading)
	}

	status, err := lockOrderTx(ctx, tx, sess.OrderID)
	if err != nil {
		return nil, err
	}
	if status != OrderStatusConfirmed {
		return nil, fmt.Errorf("order %d has status %s: %w", sess.OrderID, status, ErrNotReadyForShipment)
	}

	// The goods leave the warehouse: each reservation becomes a permanent
	// stock decrement.
	items, err := fetchOrderItemsTx(ctx, tx, sess.OrderID)
	if err != nil {
		return nil, err
	}
	for _, it := range items {
		if _, _, err := s.ledger.lockProductTx(ctx, tx, it.ProductID); err != nil {
			return nil, err
		}
		if err := s.ledger.ConsumeTx(ctx, tx, it.ProductID, it.Quantity); err != nil {
			return nil, err
		}
	}

	loadingSeconds := int(time.Since(sess.StartedAt).Seconds())
	if _, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $2, shipped_at = NOW(), loading_seconds = $3
		WHERE id = $1
	`, sess.OrderID, OrderStatusShipped, loadingSeconds); err != nil {
		return nil, fmt.Errorf("failed to mark order %d shipped: %w", sess.OrderID, err)
	}

	// The session is coordination state, not history.
	if _, err := tx.Exec(ctx, "DELETE FROM shipment_sessions WHERE id = $1", sessionID); err != nil {
		return nil, fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit shipment completion: %w", err)
	}

	s.notifier.Notify(ctx, "order.shipped", map[string]any{
		"order_id":        sess.OrderID,
		"loading_seconds": loadingSeconds,
		"owner":           ident.DisplayName,
	})
	return s.getOrder(ctx, sess.OrderID)
}

func (s *shipmentService) Heartbeat(ctx context.Context, sessionID string, ident Identity) {
	ct, err := s.pool.Exec(ctx, `
		UPDATE shipment_sessions
		SET last_heartbeat = NOW(), status = $3
		WHERE id = $1 AND owner_id = $2
	`, sessionID, ident.ID, SessionStatusActive)
	if err != nil {
		s.logger.Warn("heartbeat failed", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	if ct.RowsAffected() == 0 {
		s.logger.Warn("heartbeat matched no session",
			zap.String("session_id", sessionID),
			zap.String("caller", ident.ID),
		)
	}
}

func (s *shipmentService) GetSession(ctx context.Context, sessionID string) (*ShipmentSession, error) {
	var sess ShipmentSession
	err := s.pool.QueryRow(ctx, `
		SELECT id, order_id, owner_id, owner_name, total_items, shipped_items, status, started_at, last_heartbeat
		FROM shipment_sessions WHERE id = $1
	`, sessionID).Scan(
		&sess.ID, &sess.OrderID, &sess.OwnerID, &sess.OwnerName,
		&sess.TotalItems, &sess.ShippedItems, &sess.Status, &sess.StartedAt, &sess.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to fetch session %s: %w", sessionID, err)
	}
	return &sess, nil
}

func (s *shipmentService) DetectLostSignal(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold)
	rows, err := s.pool.Query(ctx, `
		UPDATE shipment_sessions
		SET status = $2
		WHERE status = $1 AND last_heartbeat < $3
		RETURNING id, order_id
	`, SessionStatusActive, SessionStatusSignalLost, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to flag lost sessions: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var sessionID string
		var orderID int64
		if err := rows.Scan(&sessionID, &orderID); err != nil {
			return count, fmt.Errorf("failed to scan flagged session: %w", err)
		}
		count++
		s.logger.Warn("shipment session lost signal",
			zap.String("session_id", sessionID),
			zap.Int64("order_id", orderID),
		)
		s.notifier.Notify(ctx, "shipment.signal_lost", map[string]any{
			"session_id": sessionID,
			"order_id":   orderID,
		})
	}
	return count, rows.Err()
}

func (s *shipmentService) CleanupAbandoned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	rows, err := s.pool.Query(ctx, `
		DELETE FROM shipment_sessions
		WHERE status = $1 AND last_heartbeat < $2
		RETURNING id, order_id
	`, SessionStatusSignalLost, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete abandoned sessions: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var sessionID string
		var orderID int64
		if err := rows.Scan(&sessionID, &orderID); err != nil {
			return count, fmt.Errorf("failed to scan deleted session: %w", err)
		}
		count++
		// The order keeps its CONFIRMED status and stock commitment; loading
		// must be restarted by a human.
		s.logger.Info("abandoned shipment session deleted",
			zap.String("session_id", sessionID),
			zap.Int64("order_id", orderID),
		)
		s.notifier.Notify(ctx, "shipment.abandoned", map[string]any{
			"session_id": sessionID,
			"order_id":   orderID,
		})
	}
	return count, rows.Err()
}

// ── Row helpers ──────────────────────────────────────────────────────────────

func lockSessionTx(ctx context.Context, tx pgx.Tx, sessionID string) (*ShipmentSession, error) {
	var sess ShipmentSession
	err := tx.QueryRow(ctx, `
		SELECT id, order_id, owner_id, owner_name, total_items, shipped_items, status, started_at, last_heartbeat
		FROM shipment_sessions WHERE id = $1
		FOR UPDATE
	`, sessionID).Scan(
		&sess.ID, &sess.OrderID, &sess.OwnerID, &sess.OwnerName,
		&sess.TotalItems, &sess.ShippedItems, &sess.Status, &sess.StartedAt, &sess.LastHeartbeat,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to lock session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// getOrder is a local read; the order service owns the richer query but the
// shipment side only needs the header and items after completing.
func (s *shipmentService) getOrder(ctx context.Context, orderID int64) (*Order, error) {
	var o Order
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, status, notes, total_net, total_vat, total_gross,
		       truck_id, loading_started_at, loading_seconds,
		       created_at, confirmed_at, shipped_at, cancelled_at
		FROM orders WHERE id = $1
	`, orderID).Scan(
		&o.ID, &o.UserID, &o.Status, &o.Notes, &o.TotalNet, &o.TotalVAT, &o.TotalGross,
		&o.TruckID, &o.LoadingStartedAt, &o.LoadingSeconds,
		&o.CreatedAt, &o.ConfirmedAt, &o.ShippedAt, &o.CancelledAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("order %d: %w", orderID, ErrOrderNotFound)
		}
		return nil, fmt.Errorf("failed to fetch order %d: %w", orderID, err)
	}
	return &o, nil
}
