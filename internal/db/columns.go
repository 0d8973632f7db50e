package db

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/david/opportunity-sync/internal/models"
)

// ColumnKind is the storage class of a column. Each backend maps it onto its
// own SQL type.
type ColumnKind int

const (
	KindID       ColumnKind = iota // short identity, primary or foreign
	KindText                       // sanitized text, short width
	KindCode                       // three-letter code
	KindLongText                   // sanitized text, long width
	KindTime
	KindBool
	KindInt
	KindDecimal
	KindUUID
)

type Column struct {
	Name string
	Kind ColumnKind
}

// OpportunityTable lists the opportunities columns every backend writes, in the
// order of OpportunityRow. id is first and synced_at last; sync_revision is
// maintained by the merge statement itself.
var OpportunityTable = []Column{
	{"id", KindID}, {"name", KindText}, {"number", KindText},
	{"client_id", KindID}, {"client_name", KindText}, {"office_id", KindID},
	{"created_at", KindTime}, {"updated_at", KindTime}, {"default_currency", KindCode},
	{"source", KindText}, {"request_type", KindText}, {"submission_state", KindText},
	{"workflow_bucket", KindText}, {"is_parent", KindBool}, {"parent_id", KindID},
	{"owning_office_id", KindID}, {"due_at", KindTime}, {"job_walk_at", KindTime},
	{"rfis_due_at", KindTime}, {"expected_start_at", KindTime}, {"expected_finish_at", KindTime},
	{"invited_at", KindTime}, {"trade_name", KindText}, {"project_size", KindInt},
	{"project_information", KindLongText}, {"location_id", KindUUID},
	{"trade_specific_instructions", KindLongText}, {"architect", KindText},
	{"engineer", KindText}, {"property_owner", KindText}, {"property_tenant", KindText},
	{"additional_info", KindLongText}, {"priority", KindText}, {"market_sector", KindText},
	{"rom", KindText}, {"win_probability", KindText}, {"follow_up_at", KindTime},
	{"contract_start_at", KindTime}, {"contract_duration", KindText},
	{"average_crew_size", KindText}, {"estimating_hours", KindInt},
	{"fee_percentage", KindDecimal}, {"profit_margin", KindDecimal},
	{"final_value", KindDecimal}, {"is_archived", KindBool}, {"is_nda_required", KindBool},
	{"project_is_public", KindBool}, {"outcome_state", KindText},
	{"outcome_updated_at", KindTime}, {"synced_at", KindTime},
}

// OpportunityColumns are the names of OpportunityTable.
var OpportunityColumns = func() []string {
	names := make([]string, len(OpportunityTable))
	for i, c := range OpportunityTable {
		names[i] = c.Name
	}
	return names
}()

var LocationColumns = []string{
	"id", "country", "state", "street_name", "street_number", "suite", "city", "zip", "complete", "lat", "lng",
}

var CompetitorColumns = []string{
	"opportunity_id", "bid_amount", "company_id", "name", "is_winner", "observed_at",
}

// SummaryColumns is the select list scanned by ScanSummary.
const SummaryColumns = `o.id, o.name, o.number, o.client_id, o.client_name, o.submission_state,
	o.workflow_bucket, o.parent_id, o.owning_office_id, o.is_archived, o.due_at,
	o.created_at, o.updated_at, o.sync_revision,
	(SELECT COUNT(*) FROM competitors c WHERE c.opportunity_id = o.id)`

// RunColumns is the select list scanned by ScanRun.
const RunColumns = `id, mode, status, since, started_at, completed_at,
	pages, found, inserted, updated, skipped, failed, error`

// TimeBinder turns a nullable timestamp into a driver argument.
type TimeBinder func(*time.Time) any

// NativeTime passes timestamps to drivers with a native timestamp type.
func NativeTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// OpportunityRow returns the arguments matching OpportunityColumns.
func OpportunityRow(o models.Opportunity, syncedAt time.Time, ts TimeBinder) []any {
	return []any{
		o.ID, o.Name, o.Number, o.Client.CompanyID, o.Client.CompanyName, o.Client.Office.ID,
		ts(o.CreatedAt), ts(o.UpdatedAt), o.DefaultCurrency, o.Source, o.RequestType,
		o.SubmissionState, o.WorkflowBucket, o.IsParent, o.ParentID, o.OwningOfficeID,
		ts(o.DueAt), ts(o.JobWalkAt), ts(o.RFIsDueAt), ts(o.ExpectedStartAt), ts(o.ExpectedFinishAt),
		ts(o.InvitedAt), o.TradeName, o.ProjectSize, o.ProjectInformation, LocationID(o.Location),
		o.TradeSpecificInstructions, o.Architect, o.Engineer, o.PropertyOwner,
		o.PropertyTenant, o.AdditionalInfo, o.Priority, o.MarketSector, o.ROM,
		o.WinProbability, ts(o.FollowUpAt), ts(o.ContractStartAt), o.ContractDuration,
		o.AverageCrewSize, o.EstimatingHours, o.FeePercentage, o.ProfitMargin,
		o.FinalValue, o.IsArchived, o.IsNDARequired, o.ProjectIsPublic,
		o.OutcomeState, ts(o.OutcomeUpdatedAt), ts(&syncedAt),
	}
}

// LocationRow returns the arguments matching LocationColumns, or nil for an
// empty location.
func LocationRow(l models.Location) []any {
	id := LocationID(l)
	if id == nil {
		return nil
	}
	return []any{*id, l.Country, l.State, l.StreetName, l.StreetNumber, l.Suite, l.City, l.Zip, l.Complete, l.Lat, l.Lng}
}

func CompetitorRow(opportunityID string, c models.Competitor, ts TimeBinder) []any {
	return []any{opportunityID, c.BidAmount, c.CompanyID, c.Name, c.IsWinner, ts(c.ObservedAt)}
}

var locationNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("opportunity-sync/locations"))

// LocationID derives a row key from the location's values. Equal locations
// share a key; an empty location has none.
func LocationID(l models.Location) *string {
	if l.IsEmpty() {
		return nil
	}
	var b strings.Builder
	for _, s := range []*string{l.Country, l.State, l.StreetName, l.StreetNumber, l.Suite, l.City, l.Zip, l.Complete} {
		writeField(&b, s)
	}
	for _, f := range []*float64{l.Lat, l.Lng} {
		if f == nil {
			writeField(&b, nil)
			continue
		}
		v := strconv.FormatFloat(*f, 'g', -1, 64)
		writeField(&b, &v)
	}
	id := uuid.NewSHA1(locationNamespace, []byte(b.String())).String()
	return &id
}

// writeField keeps nil distinct from the empty string.
func writeField(b *strings.Builder, s *string) {
	if s == nil {
		b.WriteString("\x00")
	} else {
		b.WriteString("\x01")
		b.WriteString(*s)
	}
	b.WriteString("\x1f")
}

// Placeholders returns n comma-separated parameters produced by param.
func Placeholders(n, offset int, param func(int) string) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = param(offset + i + 1)
	}
	return strings.Join(ps, ", ")
}

// Scanner is satisfied by pgx.Row, *sql.Row and *sql.Rows.
type Scanner interface {
	Scan(dest ...any) error
}

// ScanRun reads a row selected with RunColumns.
func ScanRun(row Scanner, ts TimeScanner) (models.SyncRun, error) {
	var run models.SyncRun
	var mode string
	var errText *string
	since, started, completed := ts.New(), ts.New(), ts.New()
	err := row.Scan(&run.ID, &mode, &run.Status, since.Dest(), started.Dest(), completed.Dest(),
		&run.Counts.Pages, &run.Counts.Found, &run.Counts.Inserted, &run.Counts.Updated,
		&run.Counts.Skipped, &run.Counts.Failed, &errText)
	if err != nil {
		return run, err
	}
	run.Mode = models.SyncMode(mode)
	run.Since = since.Value()
	if s := started.Value(); s != nil {
		run.StartedAt = *s
	}
	run.CompletedAt = completed.Value()
	if errText != nil {
		run.Error = *errText
	}
	return run, nil
}

// ScanSummary reads a row selected with SummaryColumns.
func ScanSummary(row Scanner, ts TimeScanner) (models.OpportunitySummary, error) {
	var s models.OpportunitySummary
	due, created, updated := ts.New(), ts.New(), ts.New()
	err := row.Scan(&s.ID, &s.Name, &s.Number, &s.ClientID, &s.ClientName, &s.SubmissionState,
		&s.WorkflowBucket, &s.ParentID, &s.OwningOfficeID, &s.IsArchived, due.Dest(),
		created.Dest(), updated.Dest(), &s.SyncRevision, &s.Competitors)
	if err != nil {
		return s, err
	}
	s.DueAt, s.CreatedAt, s.UpdatedAt = due.Value(), created.Value(), updated.Value()
	return s, nil
}

// TimeScanner makes scan targets for nullable timestamps. Backends that store
// timestamps as text supply their own.
type TimeScanner interface {
	New() TimeTarget
}

type TimeTarget interface {
	Dest() any
	Value() *time.Time
}

// NativeTimes scans into *time.Time directly.
type NativeTimes struct{}

func (NativeTimes) New() TimeTarget { return &nativeTarget{} }

type nativeTarget struct{ t *time.Time }

func (n *nativeTarget) Dest() any { return &n.t }

func (n *nativeTarget) Value() *time.Time {
	if n.t == nil {
		return nil
	}
	u := n.t.UTC()
	return &u
}
