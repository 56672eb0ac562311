package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// LoadCounters returns the persisted counters of a gateway
func (s *SQLStore) LoadCounters(ctx context.Context, gatewayID lorawan.EUI64) (models.Counters, error) {
	query := `
        SELECT rx_ok, crc_errors, tx_ok, tx_failed, boots, resets, per_sf
        FROM gateway_counters
        WHERE gateway_id = $1`

	var c models.Counters
	var rxOK, crcErrors, txOK, txFailed, boots, resets int64
	var perSF string
	err := s.getDB().QueryRowContext(ctx, query, gatewayID[:]).Scan(
		&rxOK, &crcErrors, &txOK, &txFailed, &boots, &resets, &perSF,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}

	c.RxOK, c.CRCErrors = uint64(rxOK), uint64(crcErrors)
	c.TxOK, c.TxFailed = uint64(txOK), uint64(txFailed)
	c.Boots, c.Resets = uint64(boots), uint64(resets)
	if perSF != "" {
		var sf []uint64
		if err := json.Unmarshal([]byte(perSF), &sf); err != nil {
			return c, fmt.Errorf("%w: per_sf: %w", ErrInvalidData, err)
		}
		copy(c.PerSF[:], sf)
	}
	return c, nil
}

// SaveCounters inserts or replaces the counters of a gateway
func (s *SQLStore) SaveCounters(ctx context.Context, gatewayID lorawan.EUI64, c models.Counters) error {
	perSF, err := json.Marshal(c.PerSF[:])
	if err != nil {
		return err
	}

	query := `
        INSERT INTO gateway_counters (
            gateway_id, rx_ok, crc_errors, tx_ok, tx_failed, boots, resets, per_sf, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (gateway_id) DO UPDATE SET
            rx_ok = excluded.rx_ok,
            crc_errors = excluded.crc_errors,
            tx_ok = excluded.tx_ok,
            tx_failed = excluded.tx_failed,
            boots = excluded.boots,
            resets = excluded.resets,
            per_sf = excluded.per_sf,
            updated_at = excluded.updated_at`

	_, err = s.getDB().ExecContext(ctx, query,
		gatewayID[:], int64(c.RxOK), int64(c.CRCErrors), int64(c.TxOK),
		int64(c.TxFailed), int64(c.Boots), int64(c.Resets), string(perSF),
		time.Now().UTC(),
	)
	return err
}
