package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lorawan-server/single-channel-gateway/internal/models"
	"github.com/lorawan-server/single-channel-gateway/pkg/lorawan"
)

// CreateEventLog creates an event log entry
func (s *SQLStore) CreateEventLog(ctx context.Context, event *models.EventLog) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Level == "" {
		event.Level = models.EventLevelInfo
	}

	var gatewayID []byte
	if event.GatewayID != "" {
		var eui lorawan.EUI64
		if err := eui.UnmarshalText([]byte(event.GatewayID)); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidData, err)
		}
		gatewayID = eui[:]
	}

	query := `
        INSERT INTO event_logs (
            id, created_at, gateway_id, type, level, code, description, details
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.getDB().ExecContext(ctx, query,
		event.ID.String(), event.CreatedAt, gatewayID, string(event.Type),
		string(event.Level), event.Code, event.Description, event.Details,
	)

	return err
}

// conditions accumulates WHERE clauses with numbered placeholders.
type conditions struct {
	clauses []string
	args    []interface{}
}

// add appends clause, whose %d verb becomes the placeholder of arg.
func (c *conditions) add(clause string, arg interface{}) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

// placeholder registers arg without a clause and returns its placeholder.
func (c *conditions) placeholder(arg interface{}) string {
	c.args = append(c.args, arg)
	return fmt.Sprintf("$%d", len(c.args))
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

// ListEventLogs lists event logs with filters, newest first
func (s *SQLStore) ListEventLogs(ctx context.Context, filters EventLogFilters, limit, offset int) ([]*models.EventLog, int64, error) {
	var conds conditions
	if filters.GatewayID != nil {
		conds.add("gateway_id = $%d", (*filters.GatewayID)[:])
	}
	if filters.Type != nil {
		conds.add("type = $%d", string(*filters.Type))
	}
	if filters.Level != nil {
		conds.add("level = $%d", string(*filters.Level))
	}
	if filters.StartTime != nil {
		conds.add("created_at >= $%d", filters.StartTime.UTC())
	}
	if filters.EndTime != nil {
		conds.add("created_at <= $%d", filters.EndTime.UTC())
	}
	where := conds.where()

	var count int64
	if err := s.getDB().QueryRowContext(ctx, "SELECT COUNT(*) FROM event_logs"+where, conds.args...).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := "SELECT id, created_at, gateway_id, type, level, code, description, details FROM event_logs" +
		where + " ORDER BY created_at DESC LIMIT " + conds.placeholder(limit) + " OFFSET " + conds.placeholder(offset)
	rows, err := s.getDB().QueryContext(ctx, query, conds.args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var events []*models.EventLog
	for rows.Next() {
		event, err := scanEventLog(rows)
		if err != nil {
			return nil, 0, err
		}
		events = append(events, event)
	}
	return events, count, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEventLog(row rowScanner) (*models.EventLog, error) {
	var (
		event      models.EventLog
		gatewayID  []byte
		typ, level string
	)
	err := row.Scan(&event.ID, &event.CreatedAt, &gatewayID, &typ, &level,
		&event.Code, &event.Description, &event.Details)
	if err != nil {
		return nil, err
	}
	if len(gatewayID) == len(lorawan.EUI64{}) {
		var eui lorawan.EUI64
		copy(eui[:], gatewayID)
		event.GatewayID = eui.String()
	}
	event.Type = models.EventType(typ)
	event.Level = models.EventLevel(level)
	return &event, nil
}
