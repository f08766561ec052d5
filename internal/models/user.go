package models

import (
	"time"

	"github.com/google/uuid"
)

// User carries the subscription fields the settlement engine reads and
// updates. The rest of the user profile lives with the main platform and is
// out of scope here.
type User struct {
	ID                 uuid.UUID  `db:"id"`
	PhoneNumber        string     `db:"phone_number"`
	SubscriptionPlan   *string    `db:"subscription_plan"`
	SubscriptionActive bool       `db:"subscription_active"`
	SubscriptionExpiry *time.Time `db:"subscription_expiry"`
	CreatedAt          time.Time  `db:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"`
}
