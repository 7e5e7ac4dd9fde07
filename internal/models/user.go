package models

// User is a registered identity. PublicKey stays empty until registration
// completes.
type User struct {
	ID        string `db:"id" json:"id"`
	Name      string `db:"name" json:"name"`
	Email     string `db:"email" json:"-"`
	PublicKey string `db:"public_key" json:"publicKey"`
}

// LoginToken is a one-time magic link token.
type LoginToken struct {
	Token      string `db:"token" json:"-"`
	Email      string `db:"email" json:"email"`
	IssuedAt   int64  `db:"issued_at" json:"issued_at"`
	ConsumedAt *int64 `db:"consumed_at" json:"consumed_at,omitempty"`
}
