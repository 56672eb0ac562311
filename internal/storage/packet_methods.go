package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// SavePacket appends a packet summary to the history of a gateway
func (s *SQLStore) SavePacket(ctx context.Context, gatewayID lorawan.EUI64, p *models.PacketSummary) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if p.ReceivedAt.IsZero() {
		p.ReceivedAt = p.CreatedAt
	}

	query := `
        INSERT INTO packet_history (
            id, created_at, gateway_id, received_at, tmst, dev_addr, mtype, channel_index,
            frequency, spreading_factor, rssi, channel_rssi, snr, size
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := s.getDB().ExecContext(ctx, query,
		p.ID.String(), p.CreatedAt, gatewayID[:], p.ReceivedAt, int64(p.Tmst), p.DevAddr[:], p.MType, p.ChannelIndex,
		int64(p.Frequency), int(p.SpreadingFactor), int(p.RSSI), int(p.ChannelRSSI), p.SNR, p.Size,
	)
	return err
}

// ListPackets lists the history of a gateway, newest first
func (s *SQLStore) ListPackets(ctx context.Context, gatewayID lorawan.EUI64, limit, offset int) ([]*models.PacketSummary, int64, error) {
	// Get count
	var count int64
	err := s.getDB().QueryRowContext(ctx,
		"SELECT COUNT(*) FROM packet_history WHERE gateway_id = $1", gatewayID[:],
	).Scan(&count)
	if err != nil {
		return nil, 0, err
	}

	// Get rows
	query := `
        SELECT id, created_at, received_at, tmst, dev_addr, mtype, channel_index,
               frequency, spreading_factor, rssi, channel_rssi, snr, size
        FROM packet_history
        WHERE gateway_id = $1
        ORDER BY received_at DESC
        LIMIT $2 OFFSET $3`

	rows, err := s.getDB().QueryContext(ctx, query, gatewayID[:], limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var packets []*models.PacketSummary
	for rows.Next() {
		p := &models.PacketSummary{}
		var (
			devAddr                     []byte
			tmst, frequency             int64
			sf, rssi, channelRSSI, size int
		)
		err := rows.Scan(
			&p.ID, &p.CreatedAt, &p.ReceivedAt, &tmst, &devAddr, &p.MType, &p.ChannelIndex,
			&frequency, &sf, &rssi, &channelRSSI, &p.SNR, &size,
		)
		if err != nil {
			return nil, 0, err
		}
		copy(p.DevAddr[:], devAddr)
		p.Tmst = uint32(tmst)
		p.Frequency = uint32(frequency)
		p.SpreadingFactor = uint8(sf)
		p.RSSI = int16(rssi)
		p.ChannelRSSI = int16(channelRSSI)
		p.Size = size
		packets = append(packets, p)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	return packets, count, nil
}

// PrunePackets keeps the newest keep entries of a gateway history and
// returns how many were deleted
func (s *SQLStore) PrunePackets(ctx context.Context, gatewayID lorawan.EUI64, keep int) (int64, error) {
	query := `
        DELETE FROM packet_history
        WHERE gateway_id = $1 AND id NOT IN (
            SELECT id FROM packet_history
            WHERE gateway_id = $2
            ORDER BY received_at DESC
            LIMIT $3
        )`

	res, err := s.getDB().ExecContext(ctx, query, gatewayID[:], gatewayID[:], keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
