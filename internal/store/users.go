package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kodisha/billing/internal/models"
	"github.com/kodisha/billing/internal/settlement"
)

// Users exposes the subscription fields on the platform's user records.
type Users struct {
	db *pgxpool.Pool
}

// NewUsers creates the user store.
func NewUsers(db *pgxpool.Pool) *Users {
	return &Users{db: db}
}

// ActivateSubscription sets the user's plan, marks it active, and records
// the new expiry.
func (u *Users) ActivateSubscription(ctx context.Context, userID uuid.UUID, plan string, expiry time.Time) error {
	updateSQL := `
		UPDATE users
		SET subscription_plan = $1, subscription_active = TRUE,
		    subscription_expiry = $2, updated_at = NOW()
		WHERE id = $3
	`
	tag, err := u.db.Exec(ctx, updateSQL, plan, expiry, userID)
	if err != nil {
		return fmt.Errorf("activate subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s not found", userID)
	}
	return nil
}

// Find fetches a user's subscription record.
func (u *Users) Find(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	query := `
		SELECT id, phone_number, subscription_plan, subscription_active,
		       subscription_expiry, created_at, updated_at
		FROM users WHERE id = $1
	`
	var user models.User
	err := u.db.QueryRow(ctx, query, userID).Scan(
		&user.ID, &user.PhoneNumber, &user.SubscriptionPlan,
		&user.SubscriptionActive, &user.SubscriptionExpiry,
		&user.CreatedAt, &user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, settlement.ErrRecordNotFound
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &user, nil
}
