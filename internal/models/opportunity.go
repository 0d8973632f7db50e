package models

import (
	"time"
)

// Opportunity is the normalized target shape. ID is always set for persisted
// rows; every other field is nullable.
type Opportunity struct {
	ID                        string     `json:"id"`
	Name                      *string    `json:"name"`
	Number                    *string    `json:"number"`
	Client                    Client     `json:"client"`
	CreatedAt                 *time.Time `json:"created_at"`
	UpdatedAt                 *time.Time `json:"updated_at"`
	DefaultCurrency           *string    `json:"default_currency"`
	Source                    *string    `json:"source"`
	RequestType               *string    `json:"request_type"`
	SubmissionState           *string    `json:"submission_state"`
	WorkflowBucket            *string    `json:"workflow_bucket"`
	IsParent                  *bool      `json:"is_parent"`
	ParentID                  *string    `json:"parent_id"`
	OwningOfficeID            *string    `json:"owning_office_id"`
	DueAt                     *time.Time `json:"due_at"`
	JobWalkAt                 *time.Time `json:"job_walk_at"`
	RFIsDueAt                 *time.Time `json:"rfis_due_at"`
	ExpectedStartAt           *time.Time `json:"expected_start_at"`
	ExpectedFinishAt          *time.Time `json:"expected_finish_at"`
	InvitedAt                 *time.Time `json:"invited_at"`
	TradeName                 *string    `json:"trade_name"`
	ProjectSize               *int64     `json:"project_size"`
	ProjectInformation        *string    `json:"project_information"`
	Location                  Location   `json:"location"`
	TradeSpecificInstructions *string    `json:"trade_specific_instructions"`
	Architect                 *string    `json:"architect"`
	Engineer                  *string    `json:"engineer"`
	PropertyOwner             *string    `json:"property_owner"`
	PropertyTenant            *string    `json:"property_tenant"`
	AdditionalInfo            *string    `json:"additional_info"`
	Priority                  *string    `json:"priority"`
	MarketSector              *string    `json:"market_sector"`
	ROM                       *string    `json:"rom"`
	WinProbability            *string    `json:"win_probability"`
	FollowUpAt                *time.Time `json:"follow_up_at"`
	ContractStartAt           *time.Time `json:"contract_start_at"`
	ContractDuration          *string    `json:"contract_duration"`
	AverageCrewSize           *string    `json:"average_crew_size"`
	EstimatingHours           *int64     `json:"estimating_hours"`
	FeePercentage             *float64   `json:"fee_percentage"`
	ProfitMargin              *float64   `json:"profit_margin"`
	FinalValue                *float64   `json:"final_value"`
	IsArchived                *bool      `json:"is_archived"`
	IsNDARequired             *bool      `json:"is_nda_required"`
	ProjectIsPublic           *bool      `json:"project_is_public"`
	OutcomeState              *string    `json:"outcome_state"`
	OutcomeUpdatedAt          *time.Time `json:"outcome_updated_at"`

	Competitors []Competitor `json:"competitors"`
}

// Client is the company the opportunity was received from. Stored denormalized
// on the opportunity row and as its own row keyed by CompanyID.
type Client struct {
	CompanyID   *string `json:"company_id"`
	CompanyName *string `json:"company_name"`
	Office      Office  `json:"office"`
}

type Office struct {
	ID       *string  `json:"id"`
	Name     *string  `json:"name"`
	Location Location `json:"location"`
}

// Location has no upstream identity. Rows are keyed by a hash of the values.
type Location struct {
	Country      *string  `json:"country"`
	State        *string  `json:"state"`
	StreetName   *string  `json:"street_name"`
	StreetNumber *string  `json:"street_number"`
	Suite        *string  `json:"suite"`
	City         *string  `json:"city"`
	Zip          *string  `json:"zip"`
	Complete     *string  `json:"complete"`
	Lat          *float64 `json:"lat"`
	Lng          *float64 `json:"lng"`
}

// IsEmpty reports whether every field is null.
func (l Location) IsEmpty() bool {
	for _, s := range []*string{l.Country, l.State, l.StreetName, l.StreetNumber, l.Suite, l.City, l.Zip, l.Complete} {
		if s != nil {
			return false
		}
	}
	return l.Lat == nil && l.Lng == nil
}

type Competitor struct {
	BidAmount  *float64   `json:"bid_amount"`
	CompanyID  *string    `json:"company_id"`
	Name       *string    `json:"name"`
	IsWinner   *bool      `json:"is_winner"`
	ObservedAt *time.Time `json:"observed_at"`
}

// OpportunitySummary is the read model served by the admin API.
type OpportunitySummary struct {
	ID              string     `json:"id"`
	Name            *string    `json:"name"`
	Number          *string    `json:"number"`
	ClientID        *string    `json:"client_id"`
	ClientName      *string    `json:"client_name"`
	SubmissionState *string    `json:"submission_state"`
	WorkflowBucket  *string    `json:"workflow_bucket"`
	ParentID        *string    `json:"parent_id"`
	OwningOfficeID  *string    `json:"owning_office_id"`
	IsArchived      *bool      `json:"is_archived"`
	DueAt           *time.Time `json:"due_at"`
	CreatedAt       *time.Time `json:"created_at"`
	UpdatedAt       *time.Time `json:"updated_at"`
	SyncRevision    int64      `json:"sync_revision"`
	Competitors     int        `json:"competitors"`
}
