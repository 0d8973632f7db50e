package ingest

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// RawOpportunity is the untrusted upstream record. Every field is optional and
// every field type tolerates the wrong JSON kind by decoding to null, so one odd
// field never costs the whole record.
type RawOpportunity struct {
	ID                        FlexString     `json:"id"`
	Name                      FlexString     `json:"name"`
	Number                    FlexString     `json:"number"`
	Client                    *RawClient     `json:"client"`
	Competitors               RawCompetitors `json:"competitors"`
	CreatedAt                 FlexString     `json:"createdAt"`
	UpdatedAt                 FlexString     `json:"updatedAt"`
	DefaultCurrency           FlexString     `json:"defaultCurrency"`
	Source                    FlexString     `json:"source"`
	IsNDARequired             FlexBool       `json:"isNdaRequired"`
	ProjectIsPublic           FlexBool       `json:"projectIsPublic"`
	Outcome                   *RawOutcome    `json:"outcome"`
	RequestType               FlexString     `json:"requestType"`
	SubmissionState           FlexString     `json:"submissionState"`
	WorkflowBucket            FlexString     `json:"workflowBucket"`
	IsParent                  FlexBool       `json:"isParent"`
	ParentID                  FlexString     `json:"parentId"`
	DueAt                     FlexString     `json:"dueAt"`
	JobWalkAt                 FlexString     `json:"jobWalkAt"`
	RFIsDueAt                 FlexString     `json:"rfisDueAt"`
	ExpectedStartAt           FlexString     `json:"expectedStartAt"`
	ExpectedFinishAt          FlexString     `json:"expectedFinishAt"`
	InvitedAt                 FlexString     `json:"invitedAt"`
	TradeName                 FlexString     `json:"tradeName"`
	ProjectSize               FlexNumber     `json:"projectSize"`
	ProjectInformation        FlexString     `json:"projectInformation"`
	Location                  *RawLocation   `json:"location"`
	TradeSpecificInstructions FlexString     `json:"tradeSpecificInstructions"`
	Architect                 FlexString     `json:"architect"`
	Engineer                  FlexString     `json:"engineer"`
	PropertyOwner             FlexString     `json:"propertyOwner"`
	PropertyTenant            FlexString     `json:"propertyTenant"`
	AdditionalInfo            FlexString     `json:"additionalInfo"`
	Priority                  FlexString     `json:"priority"`
	MarketSector              FlexString     `json:"marketSector"`
	ROM                       FlexString     `json:"rom"`
	WinProbability            FlexString     `json:"winProbability"`
	FollowUpAt                FlexString     `json:"followUpAt"`
	ContractStartAt           FlexString     `json:"contractStartAt"`
	ContractDuration          FlexString     `json:"contractDuration"`
	AverageCrewSize           FlexString     `json:"averageCrewSize"`
	EstimatingHours           FlexNumber     `json:"estimatingHours"`
	FeePercentage             FlexNumber     `json:"feePercentage"`
	ProfitMargin              FlexNumber     `json:"profitMargin"`
	FinalValue                FlexNumber     `json:"finalValue"`
	IsArchived                FlexBool       `json:"isArchived"`
	OwningOfficeID            FlexString     `json:"owningOfficeId"`
}

type RawClient struct {
	Company *RawCompany `json:"company"`
	Office  *RawOffice  `json:"office"`
}

type RawCompany struct {
	ID   FlexString `json:"id"`
	Name FlexString `json:"name"`
}

type RawOffice struct {
	ID       FlexString   `json:"id"`
	Name     FlexString   `json:"name"`
	Location *RawLocation `json:"location"`
}

type RawLocation struct {
	Country      FlexString `json:"country"`
	State        FlexString `json:"state"`
	StreetName   FlexString `json:"streetName"`
	StreetNumber FlexString `json:"streetNumber"`
	Suite        FlexString `json:"suite"`
	City         FlexString `json:"city"`
	Zip          FlexString `json:"zip"`
	Complete     FlexString `json:"complete"`
	Coords       *RawCoords `json:"coords"`
}

type RawCoords struct {
	Lat FlexNumber `json:"lat"`
	Lng FlexNumber `json:"lng"`
}

type RawOutcome struct {
	State     FlexString `json:"state"`
	UpdatedAt FlexString `json:"updatedAt"`
}

type RawCompetitor struct {
	BidAmount FlexNumber `json:"bidAmount"`
	CompanyID FlexString `json:"companyId"`
	Name      FlexString `json:"name"`
	IsWinner  FlexBool   `json:"isWinner"`
	CreatedAt FlexString `json:"createdAt"`
}

// RawCompetitors ignores anything that is not an array; non-object entries are
// dropped.
type RawCompetitors []RawCompetitor

// FlexString accepts a JSON string, number or boolean. Null, objects and arrays
// decode to an invalid value.
type FlexString struct {
	Value string
	Valid bool
}

// FlexNumber accepts a JSON number or a numeric string.
type FlexNumber struct {
	Value float64
	Valid bool
}

// FlexBool accepts a JSON boolean or the strings "true"/"false".
type FlexBool struct {
	Value bool
	Valid bool
}

func (f *FlexString) UnmarshalJSON(data []byte) error {
	*f = FlexString{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err == nil {
			*f = FlexString{Value: s, Valid: true}
		}
	case 't', 'f':
		*f = FlexString{Value: string(data), Valid: true}
	case 'n', '{', '[':
	default:
		*f = FlexString{Value: string(data), Valid: true}
	}
	return nil
}

func (f *FlexNumber) UnmarshalJSON(data []byte) error {
	*f = FlexNumber{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
		raw = strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil {
		*f = FlexNumber{Value: v, Valid: true}
	}
	return nil
}

func (f *FlexBool) UnmarshalJSON(data []byte) error {
	*f = FlexBool{}
	data = bytes.TrimSpace(data)
	raw := string(data)
	if len(data) > 0 && data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil
		}
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true":
		*f = FlexBool{Value: true, Valid: true}
	case "false":
		*f = FlexBool{Value: false, Valid: true}
	}
	return nil
}

// decodeObject unmarshals data into v only when data is a JSON object.
// Anything else leaves v at its zero value without an error.
func decodeObject(data []byte, v any) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return
	}
	_ = json.Unmarshal(data, v)
}

func (c *RawClient) UnmarshalJSON(data []byte) error {
	type plain RawClient
	var p plain
	decodeObject(data, &p)
	*c = RawClient(p)
	return nil
}

func (c *RawCompany) UnmarshalJSON(data []byte) error {
	type plain RawCompany
	var p plain
	decodeObject(data, &p)
	*c = RawCompany(p)
	return nil
}

func (o *RawOffice) UnmarshalJSON(data []byte) error {
	type plain RawOffice
	var p plain
	decodeObject(data, &p)
	*o = RawOffice(p)
	return nil
}

func (l *RawLocation) UnmarshalJSON(data []byte) error {
	type plain RawLocation
	var p plain
	decodeObject(data, &p)
	*l = RawLocation(p)
	return nil
}

func (c *RawCoords) UnmarshalJSON(data []byte) error {
	type plain RawCoords
	var p plain
	decodeObject(data, &p)
	*c = RawCoords(p)
	return nil
}

func (o *RawOutcome) UnmarshalJSON(data []byte) error {
	type plain RawOutcome
	var p plain
	decodeObject(data, &p)
	*o = RawOutcome(p)
	return nil
}

func (c *RawCompetitor) UnmarshalJSON(data []byte) error {
	type plain RawCompetitor
	var p plain
	decodeObject(data, &p)
	*c = RawCompetitor(p)
	return nil
}

func (cs *RawCompetitors) UnmarshalJSON(data []byte) error {
	*cs = nil
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		return nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return nil
	}
	for _, item := range items {
		item = bytes.TrimSpace(item)
		if len(item) == 0 || item[0] != '{' {
			continue
		}
		var c RawCompetitor
		_ = c.UnmarshalJSON(item)
		*cs = append(*cs, c)
	}
	return nil
}

// DecodeRecord decodes one upstream result entry. It fails only when the entry
// is not a JSON object.
func DecodeRecord(data json.RawMessage) (RawOpportunity, bool) {
	var raw RawOpportunity
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return raw, false
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return raw, false
	}
	return raw, true
}
