// README: Order store backed by PostgreSQL (status reads, CAS writes, audit trail).
package order

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tracker/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

var _ Repository = (*Store)(nil)

const orderColumns = `id, customer_id, merchant_id, driver_id, status, status_version,
       dropoff_lat, dropoff_lng, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	var driverID *string
	var lat, lng *float64
	err := row.Scan(
		&o.ID, &o.CustomerID, &o.MerchantID, &driverID, &o.Status, &o.StatusVersion,
		&lat, &lng, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if driverID != nil {
		d := types.ID(*driverID)
		o.DriverID = &d
	}
	if lat != nil && lng != nil {
		o.Dropoff = &types.Point{Lat: *lat, Lng: *lng}
	}
	return &o, nil
}

// Create inserts an order; used by tests and seed tooling, order creation
// itself belongs to the marketplace backend.
func (s *Store) Create(ctx context.Context, o *Order) error {
	var lat, lng *float64
	if o.Dropoff != nil {
		lat, lng = &o.Dropoff.Lat, &o.Dropoff.Lng
	}
	_, err := s.db.Exec(ctx, `
        INSERT INTO orders (
            id, customer_id, merchant_id, driver_id, status, status_version,
            dropoff_lat, dropoff_lng, created_at, updated_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)`,
		string(o.ID),
		string(o.CustomerID),
		string(o.MerchantID),
		toStringPtr(o.DriverID),
		string(o.Status),
		o.StatusVersion,
		lat, lng,
		o.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, string(id)))
}

// UpdateStatus is a compare-and-set on (status, status_version); it reports
// false when another writer got there first.
func (s *Store) UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, driverID *types.ID) (bool, error) {
	tag, err := s.db.Exec(ctx, `
        UPDATE orders
        SET status = $1,
            status_version = status_version + 1,
            driver_id = COALESCE($2, driver_id),
            updated_at = NOW()
        WHERE id = $3 AND status = $4 AND status_version = $5`,
		string(to),
		toStringPtr(driverID),
		string(id),
		string(from),
		version,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) AppendEvent(ctx context.Context, e *Event) error {
	_, err := s.db.Exec(ctx, `
        INSERT INTO order_state_events (
            order_id, from_status, to_status, actor_role, actor_id, reason, created_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.OrderID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorRole),
		toStringPtr(e.ActorID),
		e.Reason,
		e.CreatedAt,
	)
	return err
}

func (s *Store) ActiveByDriver(ctx context.Context, driverID types.ID) (*Order, error) {
	return scanOrder(s.db.QueryRow(ctx, `
        SELECT `+orderColumns+`
        FROM orders
        WHERE driver_id = $1
          AND status NOT IN ('DELIVERED','CANCELLED')
        ORDER BY updated_at DESC
        LIMIT 1`, string(driverID),
	))
}

func (s *Store) Events(ctx context.Context, orderID types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
        SELECT id, order_id, from_status, to_status, actor_role, actor_id, reason, created_at
        FROM order_state_events
        WHERE order_id = $1
        ORDER BY id`, string(orderID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var actorID *string
		if err := rows.Scan(&e.ID, &e.OrderID, &e.FromStatus, &e.ToStatus, &e.ActorRole, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}
