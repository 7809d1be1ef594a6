package tripmind

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Request and reply shapes shared by the dispatcher and the client gateway.

type TravelPreferences struct {
	Budget             float64  `json:"budget"`
	Transport          string   `json:"transport"`
	Seats              string   `json:"seats,omitempty"`
	AllowRedEye        bool     `json:"allowRedEye,omitempty"`
	BusinessCompliance bool     `json:"businessCompliance,omitempty"`
	NicheInterests     []string `json:"nicheInterests,omitempty"`
}

type TripPlan struct {
	Options          []TravelOption   `json:"options"`
	LocalInfo        LocalInfo        `json:"localInfo"`
	GroundingSources []GroundingChunk `json:"groundingSources,omitempty"`
}

type TravelOption struct {
	ID            string        `json:"id"`
	TransportType string        `json:"transportType"`
	TotalCost     float64       `json:"totalCost"`
	TotalDuration float64       `json:"totalDuration"`
	Score         float64       `json:"score,omitempty"`
	Compliance    *bool         `json:"compliance,omitempty"`
	Segments      []TripSegment `json:"segments"`
}

type TripSegment struct {
	ID          string  `json:"id"`
	Type        string  `json:"type"`
	Title       string  `json:"title"`
	Description string  `json:"description"`
	StartTime   string  `json:"startTime"`
	Duration    float64 `json:"duration"` // minutes
	Location    string  `json:"location,omitempty"`
	Warning     string  `json:"warning,omitempty"`
}

type LocalInfo struct {
	Weather        string `json:"weather"`
	Tips           string `json:"tips"`
	Emergency      string `json:"emergency"`
	Practicalities string `json:"practicalities,omitempty"`
}

// AlertID accepts both numeric and string ids; models emit either.
type AlertID string

func (id *AlertID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = AlertID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = AlertID(n.String())
	return nil
}

type Alert struct {
	ID    AlertID `json:"id"`
	Title string  `json:"title"`
	Desc  string  `json:"desc"`
	Type  string  `json:"type"`  // warning | event | price
	Color string  `json:"color"` // amber | rose | indigo
}

type ItineraryDay struct {
	Day        int        `json:"day"`
	Activities []Activity `json:"activities"`
}

type Activity struct {
	Time        string `json:"time"`
	Location    string `json:"location"`
	Description string `json:"description"`
	TravelTip   string `json:"travelTip"`
	MapURL      string `json:"mapUrl,omitempty"`
}

type Expense struct {
	ID     int     `json:"id,omitempty"`
	Title  string  `json:"title"`
	Amount float64 `json:"amount"`
	PaidBy string  `json:"paidBy"`
	Split  string  `json:"split,omitempty"`
}

type ReportLine struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

type TripReport struct {
	Destination string       `json:"destination"`
	Project     string       `json:"project,omitempty"`
	Expenses    []ReportLine `json:"expenses,omitempty"`
	Total       float64      `json:"total"`
	Compliance  string       `json:"compliance,omitempty"`
}

type TextResult struct {
	Text string `json:"text"`
}

type Insight struct {
	Text    string           `json:"text"`
	Sources []GroundingChunk `json:"sources"`
}

type Video struct {
	VideoData string `json:"videoData"` // base64
	MimeType  string `json:"mimeType"`
}

type LiveSession struct {
	APIKey string `json:"apiKey"`
}

// ErrorBody is the JSON body of every non-2xx dispatcher reply.
type ErrorBody struct {
	Error  string    `json:"error"`
	Code   int       `json:"code,omitempty"`
	Status string    `json:"status,omitempty"`
	Kind   ErrorKind `json:"kind,omitempty"`
}

// targetLanguage is the output language named in prompts.
func targetLanguage(lang string) string {
	if strings.EqualFold(lang, "cn") {
		return "Chinese (Simplified)"
	}
	return "English"
}
