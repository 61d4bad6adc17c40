package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/quickcart/orderflow/internal/domain"
)

type AddressStore struct {
	pool *pgxpool.Pool
}

func NewAddressStore(pool *pgxpool.Pool) *AddressStore {
	return &AddressStore{pool: pool}
}

func (s *AddressStore) InsertAddress(ctx context.Context, a domain.Address) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO addresses (id, owner_id, full_name, phone, area, city, state, zip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.ID, a.OwnerID, a.FullName, a.Phone, a.Area, a.City, a.State, a.Zip, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert address: %w", err)
	}
	return nil
}

func (s *AddressStore) GetAddress(ctx context.Context, id uuid.UUID) (domain.Address, error) {
	var a domain.Address

	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, full_name, phone, area, city, state, zip, created_at
		FROM addresses WHERE id = $1`, id).
		Scan(&a.ID, &a.OwnerID, &a.FullName, &a.Phone, &a.Area, &a.City, &a.State, &a.Zip, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return a, domain.ErrAddressNotFound
		}
		return a, fmt.Errorf("query address: %w", err)
	}

	return a, nil
}

func (s *AddressStore) ListAddresses(ctx context.Context, ownerID string) ([]domain.Address, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, full_name, phone, area, city, state, zip, created_at
		FROM addresses WHERE owner_id = $1
		ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("query addresses: %w", err)
	}
	defer rows.Close()

	var addresses []domain.Address
	for rows.Next() {
		var a domain.Address
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.FullName, &a.Phone, &a.Area,
			&a.City, &a.State, &a.Zip, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("rows.Scan: %w", err)
		}
		addresses = append(addresses, a)
	}

	return addresses, rows.Err()
}
