package store

import "time"

const (
	ConsentSourceManual    = "manual"
	ConsentSourceCSVUpload = "csv-upload"
)

const (
	AssignmentNotStarted = "not_started"
	AssignmentInProgress = "in_progress"
	AssignmentDone       = "done"
	AssignmentDeferred   = "deferred"
)

const (
	RegistrationPending  = "pending"
	RegistrationApproved = "approved"
	RegistrationRejected = "rejected"
)

type Resident struct {
	ID        string
	PersonID  string
	// LegacyPersonID is the historical alias of PersonID; see MigrateLegacyIDs.
	LegacyPersonID string
	FirstName      string
	LastName       string
	AddressID      string
	HasSigned      bool
	SignedAt       *time.Time
	ContactEmail   string
	ContactPhone   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Address struct {
	ID         string
	Street     string
	City       string
	State      string
	Zip        string
	Lat        *float64
	Lng        *float64
	DeedHolder string
	Notes      string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type Consent struct {
	ID           string
	ResidentID   string
	AddressID    string
	RecordedAt   time.Time
	Source       string
	Email        string
	SubmissionID string
	CreatedAt    time.Time
}

type Assignment struct {
	ID          string
	AddressID   string
	VolunteerID string
	Status      string
	Notes       string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Volunteer struct {
	ID          string
	UserSub     string
	DisplayName string
	Email       string
	CreatedAt   time.Time
}

// Registration is a person's request to join the campaign as a member.
type Registration struct {
	ID         string
	Email      string
	FirstName  string
	LastName   string
	Street     string
	Phone      string
	Status     string
	CreatedAt  time.Time
	ReviewedAt *time.Time
}

type User struct {
	ID                 string
	Username           string
	Email              string
	PasswordHash       string
	Enabled            bool
	MustChangePassword bool
	Groups             []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Filter is an equality filter on one column of a collection.
type Filter struct {
	Field string
	Value string
}

type ListOptions struct {
	Filter    *Filter
	Limit     int
	NextToken string
}

// Page is one slice of a collection. An empty NextToken means the collection is exhausted.
type Page[T any] struct {
	Items     []T
	NextToken string
}
