package ingest

import (
	"math"
	"strings"
	"time"

	"github.com/david/opportunity-sync/internal/config"
	"github.com/david/opportunity-sync/internal/models"
)

const currencyCodeLength = 3

// NormalizeOptions holds the storage widths applied to text fields.
type NormalizeOptions struct {
	MaxTextLength     int
	MaxLongTextLength int
	Placeholder       byte
}

// DefaultNormalizeOptions matches the column widths of the bundled schema.
func DefaultNormalizeOptions() NormalizeOptions {
	return NormalizeOptions{MaxTextLength: 255, MaxLongTextLength: 4000, Placeholder: DefaultPlaceholder}
}

// NewNormalizeOptions builds options from validated configuration.
func NewNormalizeOptions(cfg config.Normalize) NormalizeOptions {
	opts := DefaultNormalizeOptions()
	if cfg.MaxTextLength > 0 {
		opts.MaxTextLength = cfg.MaxTextLength
	}
	if cfg.MaxLongTextLength > 0 {
		opts.MaxLongTextLength = cfg.MaxLongTextLength
	}
	if len(cfg.Placeholder) == 1 {
		opts.Placeholder = cfg.Placeholder[0]
	}
	return opts
}

// Normalize maps an upstream record onto the target shape. It never fails:
// absent or malformed fields become nil. An empty ID means the record has no
// usable identity and must not be stored.
func Normalize(raw RawOpportunity, opts NormalizeOptions) models.Opportunity {
	n := normalizer{opts: opts}

	opp := models.Opportunity{
		ID:                        n.id(raw.ID),
		Name:                      n.text(raw.Name),
		Number:                    n.text(raw.Number),
		CreatedAt:                 parseFlexTimestamp(raw.CreatedAt),
		UpdatedAt:                 parseFlexTimestamp(raw.UpdatedAt),
		DefaultCurrency:           n.clip(raw.DefaultCurrency, currencyCodeLength),
		Source:                    n.text(raw.Source),
		RequestType:               n.text(raw.RequestType),
		SubmissionState:           n.text(raw.SubmissionState),
		WorkflowBucket:            n.text(raw.WorkflowBucket),
		IsParent:                  flexBool(raw.IsParent),
		ParentID:                  n.optionalID(raw.ParentID),
		OwningOfficeID:            n.optionalID(raw.OwningOfficeID),
		DueAt:                     parseFlexTimestamp(raw.DueAt),
		JobWalkAt:                 parseFlexTimestamp(raw.JobWalkAt),
		RFIsDueAt:                 parseFlexTimestamp(raw.RFIsDueAt),
		ExpectedStartAt:           parseFlexTimestamp(raw.ExpectedStartAt),
		ExpectedFinishAt:          parseFlexTimestamp(raw.ExpectedFinishAt),
		InvitedAt:                 parseFlexTimestamp(raw.InvitedAt),
		TradeName:                 n.text(raw.TradeName),
		ProjectSize:               flexInt(raw.ProjectSize),
		ProjectInformation:        n.longText(raw.ProjectInformation),
		Location:                  n.location(raw.Location),
		TradeSpecificInstructions: n.longText(raw.TradeSpecificInstructions),
		Architect:                 n.text(raw.Architect),
		Engineer:                  n.text(raw.Engineer),
		PropertyOwner:             n.text(raw.PropertyOwner),
		PropertyTenant:            n.text(raw.PropertyTenant),
		AdditionalInfo:            n.longText(raw.AdditionalInfo),
		Priority:                  n.text(raw.Priority),
		MarketSector:              n.text(raw.MarketSector),
		ROM:                       n.text(raw.ROM),
		WinProbability:            n.text(raw.WinProbability),
		FollowUpAt:                parseFlexTimestamp(raw.FollowUpAt),
		ContractStartAt:           parseFlexTimestamp(raw.ContractStartAt),
		ContractDuration:          n.text(raw.ContractDuration),
		AverageCrewSize:           n.text(raw.AverageCrewSize),
		EstimatingHours:           flexInt(raw.EstimatingHours),
		FeePercentage:             flexFloat(raw.FeePercentage),
		ProfitMargin:              flexFloat(raw.ProfitMargin),
		FinalValue:                flexFloat(raw.FinalValue),
		IsArchived:                flexBool(raw.IsArchived),
		IsNDARequired:             flexBool(raw.IsNDARequired),
		ProjectIsPublic:           flexBool(raw.ProjectIsPublic),
	}

	if raw.Client != nil {
		if c := raw.Client.Company; c != nil {
			opp.Client.CompanyID = n.optionalID(c.ID)
			opp.Client.CompanyName = n.text(c.Name)
		}
		if o := raw.Client.Office; o != nil {
			opp.Client.Office = models.Office{
				ID:       n.optionalID(o.ID),
				Name:     n.text(o.Name),
				Location: n.location(o.Location),
			}
		}
	}

	if raw.Outcome != nil {
		opp.OutcomeState = n.text(raw.Outcome.State)
		opp.OutcomeUpdatedAt = parseFlexTimestamp(raw.Outcome.UpdatedAt)
	}

	if len(raw.Competitors) > 0 {
		opp.Competitors = make([]models.Competitor, 0, len(raw.Competitors))
		for _, rc := range raw.Competitors {
			observed := parseFlexTimestamp(rc.CreatedAt)
			if observed == nil {
				observed = copyTime(opp.UpdatedAt)
			}
			opp.Competitors = append(opp.Competitors, models.Competitor{
				BidAmount:  flexFloat(rc.BidAmount),
				CompanyID:  n.optionalID(rc.CompanyID),
				Name:       n.text(rc.Name),
				IsWinner:   flexBool(rc.IsWinner),
				ObservedAt: observed,
			})
		}
	}

	return opp
}

type normalizer struct {
	opts NormalizeOptions
}

func (n normalizer) clip(f FlexString, limit int) *string {
	if !f.Valid {
		return nil
	}
	s := SanitizeText(f.Value, limit, n.opts.Placeholder)
	return &s
}

func (n normalizer) text(f FlexString) *string {
	return n.clip(f, n.opts.MaxTextLength)
}

// longText strips markup before clipping so the stored width holds text only.
func (n normalizer) longText(f FlexString) *string {
	if !f.Valid {
		return nil
	}
	s := SanitizeText(HTMLToText(f.Value), n.opts.MaxLongTextLength, n.opts.Placeholder)
	return &s
}

func (n normalizer) id(f FlexString) string {
	if !f.Valid {
		return ""
	}
	return SanitizeText(strings.TrimSpace(f.Value), n.opts.MaxTextLength, n.opts.Placeholder)
}

// optionalID treats blank identities as absent.
func (n normalizer) optionalID(f FlexString) *string {
	id := n.id(f)
	if id == "" {
		return nil
	}
	return &id
}

func (n normalizer) location(raw *RawLocation) models.Location {
	if raw == nil {
		return models.Location{}
	}
	loc := models.Location{
		Country:      n.text(raw.Country),
		State:        n.text(raw.State),
		StreetName:   n.text(raw.StreetName),
		StreetNumber: n.text(raw.StreetNumber),
		Suite:        n.text(raw.Suite),
		City:         n.text(raw.City),
		Zip:          n.text(raw.Zip),
		Complete:     n.text(raw.Complete),
	}
	if raw.Coords != nil {
		loc.Lat = flexFloat(raw.Coords.Lat)
		loc.Lng = flexFloat(raw.Coords.Lng)
	}
	return loc
}

func flexBool(f FlexBool) *bool {
	if !f.Valid {
		return nil
	}
	v := f.Value
	return &v
}

func flexFloat(f FlexNumber) *float64 {
	if !f.Valid || math.IsNaN(f.Value) || math.IsInf(f.Value, 0) {
		return nil
	}
	v := f.Value
	return &v
}

func flexInt(f FlexNumber) *int64 {
	v := flexFloat(f)
	if v == nil || *v >= math.MaxInt64 || *v < math.MinInt64 {
		return nil
	}
	i := int64(math.Round(*v))
	return &i
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
