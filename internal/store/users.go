package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/safar/marketplace-core/internal/database"
	"github.com/safar/marketplace-core/internal/models"
)

func CreateUser(ctx context.Context, db *sql.DB, email, name, role string) (*models.User, error) {
	switch role {
	case models.RoleBuyer, models.RoleSeller, models.RoleAdmin:
	default:
		return nil, fmt.Errorf("create user: %w", errValidation("role", role))
	}

	user := &models.User{}

	query := `
		INSERT INTO users (email, name, role, created_at, updated_at, version)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		RETURNING id, email, name, role, created_at, updated_at, version`

	err := db.QueryRowContext(ctx, query, email, name, role).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}

	return user, nil
}

func GetUser(ctx context.Context, db *sql.DB, id int64) (*models.User, error) {
	user := &models.User{}

	query := `
		SELECT id, email, name, role, created_at, updated_at, version
		FROM users
		WHERE id = $1`

	err := db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Email,
		&user.Name,
		&user.Role,
		&user.CreatedAt,
		&user.UpdatedAt,
		&user.Version,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, database.ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}

	return user, nil
}

func ListUsers(ctx context.Context, db *sql.DB, page, pageSize int) (*OffsetPage, error) {
	var total int64
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("count users: %w", err)
	}

	offset := (page - 1) * pageSize
	query := `
		SELECT id, email, name, role, created_at, updated_at, version
		FROM users
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := db.QueryContext(ctx, query, pageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		var user models.User
		err := rows.Scan(
			&user.ID,
			&user.Email,
			&user.Name,
			&user.Role,
			&user.CreatedAt,
			&user.UpdatedAt,
			&user.Version,
		)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}

	return &OffsetPage{
		Items:      users,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	}, nil
}

func CreateAddress(ctx context.Context, db *sql.DB, address models.Address) (*models.Address, error) {
	created := &models.Address{}

	query := `
		INSERT INTO addresses (user_id, label, line1, line2, city, state, country, postal_code, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		RETURNING id, user_id, label, line1, line2, city, state, country, postal_code, phone, created_at`

	err := db.QueryRowContext(ctx, query,
		address.UserID, address.Label, address.Line1, address.Line2, address.City,
		address.State, address.Country, address.PostalCode, address.Phone).Scan(
		&created.ID,
		&created.UserID,
		&created.Label,
		&created.Line1,
		&created.Line2,
		&created.City,
		&created.State,
		&created.Country,
		&created.PostalCode,
		&created.Phone,
		&created.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create address: %w", err)
	}

	return created, nil
}

func ListAddresses(ctx context.Context, db *sql.DB, userID int64) ([]models.Address, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, user_id, label, line1, line2, city, state, country, postal_code, phone, created_at
		 FROM addresses
		 WHERE user_id = $1
		 ORDER BY id`,
		userID)
	if err != nil {
		return nil, fmt.Errorf("list addresses: %w", err)
	}
	defer rows.Close()

	var addresses []models.Address
	for rows.Next() {
		var a models.Address
		err := rows.Scan(
			&a.ID,
			&a.UserID,
			&a.Label,
			&a.Line1,
			&a.Line2,
			&a.City,
			&a.State,
			&a.Country,
			&a.PostalCode,
			&a.Phone,
			&a.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan address: %w", err)
		}
		addresses = append(addresses, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return addresses, nil
}
