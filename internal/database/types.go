package database

import (
	"time"
)

// Identity is an enrolled person at one site.
// EnrolledCount equals the number of snapshot slots owned by the identity.
type Identity struct {
	Site          string    `json:"site_id"`
	ID            string    `json:"identity_id"`
	DisplayName   string    `json:"display_name"`
	EnrolledCount int       `json:"enrolled_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EnrollmentImage is the metadata of one enrolled vector.
type EnrollmentImage struct {
	Slot      int       // snapshot slot of the vector
	FileName  string    // archived original, empty when archiving is disabled
	CreatedAt time.Time
}

// Enrollment is one batch of accepted images for an identity.
type Enrollment struct {
	IdentityID  string
	DisplayName string
	Images      []EnrollmentImage
}
