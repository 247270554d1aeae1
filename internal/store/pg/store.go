package pg

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"duster/internal/domain"
	"duster/internal/store"
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

type Store struct {
	DB DB
}

func New(db DB) *Store { return &Store{DB: db} }

const messageColumns = `id, device_id, command, data, delivery_guarantee, created_date, delivered_date, delivered, delivered_error`

func (s *Store) Save(ctx context.Context, m domain.Message) (domain.Message, error) {
	data, err := encodeData(m.Data)
	if err != nil {
		return domain.Message{}, err
	}
	row := s.DB.QueryRow(ctx, `
		INSERT INTO messages (device_id, command, data, delivery_guarantee, created_date, delivered_date, delivered, delivered_error)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id
	`, m.DeviceID, m.Command, data, string(m.DeliveryGuarantee), m.CreatedDate, m.DeliveredDate, m.Delivered, m.DeliveredError)
	if err := row.Scan(&m.ID); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

func (s *Store) ExistsUndeliveredFor(ctx context.Context, deviceID string) (bool, error) {
	var exists bool
	err := s.DB.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM messages WHERE device_id=$1 AND delivered=FALSE)
	`, deviceID).Scan(&exists)
	return exists, err
}

func (s *Store) FindUndeliveredCreatedBefore(ctx context.Context, before time.Time) ([]domain.Message, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE delivered=FALSE AND created_date < $1
		ORDER BY created_date, id
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) FindDeliveredFlag(ctx context.Context, id int64) (bool, bool, error) {
	var delivered bool
	err := s.DB.QueryRow(ctx, `SELECT delivered FROM messages WHERE id=$1`, id).Scan(&delivered)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, false, nil
		}
		return false, false, err
	}
	return delivered, true, nil
}

func (s *Store) UpdateDeliveryStatus(ctx context.Context, id int64, delivered bool, at time.Time) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages
		SET delivered       = delivered OR $2,
		    delivered_date  = CASE WHEN delivered AND NOT $2 THEN delivered_date ELSE $3 END,
		    delivered_error = CASE WHEN delivered OR $2 THEN FALSE ELSE delivered_error END
		WHERE id=$1
	`, id, delivered, at)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) UpdateDeliveryError(ctx context.Context, id int64, deliveredError bool) (int64, error) {
	ct, err := s.DB.Exec(ctx, `
		UPDATE messages SET delivered_error=$2 WHERE id=$1 AND delivered=FALSE
	`, id, deliveredError)
	if err != nil {
		return 0, err
	}
	return ct.RowsAffected(), nil
}

func (s *Store) GetMessage(ctx context.Context, id int64) (domain.Message, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, store.ErrNotFound
		}
		return domain.Message{}, err
	}
	return m, nil
}

func (s *Store) Ping(ctx context.Context) error { return s.DB.Ping(ctx) }

func scanMessage(row pgx.Row) (domain.Message, error) {
	var (
		m         domain.Message
		data      []byte
		guarantee string
	)
	err := row.Scan(&m.ID, &m.DeviceID, &m.Command, &data, &guarantee,
		&m.CreatedDate, &m.DeliveredDate, &m.Delivered, &m.DeliveredError)
	if err != nil {
		return domain.Message{}, err
	}
	m.DeliveryGuarantee = domain.DeliveryGuarantee(guarantee)
	if len(data) > 0 {
		if err := json.Unmarshal(data, &m.Data); err != nil {
			return domain.Message{}, err
		}
	}
	return m, nil
}

func encodeData(data map[string]any) ([]byte, error) {
	if data == nil {
		return nil, nil
	}
	return json.Marshal(data)
}

var _ store.Store = (*Store)(nil)
