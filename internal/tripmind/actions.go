package tripmind

import (
	"context"
	"encoding/json"
	"fmt"
)

// Action names one dispatcher operation. The set is closed: ParseAction
// rejects anything not listed in Actions.
type Action string

const (
	ActionGenerateTravelPlans         Action = "generateTravelPlans"
	ActionGetVisaRequirements         Action = "getVisaRequirements"
	ActionGetSmartAlerts              Action = "getSmartAlerts"
	ActionGenerateTouristGuide        Action = "generateTouristGuide"
	ActionGetLuggageAdvisor           Action = "getLuggageAdvisor"
	ActionAnalyzeBudgetSplit          Action = "analyzeBudgetSplit"
	ActionGenerateTravelReportSummary Action = "generateTravelReportSummary"
	ActionSuggestMeetingTimes         Action = "suggestMeetingTimes"
	ActionGeneratePackingList         Action = "generatePackingList"
	ActionGetDailyTravelInsight       Action = "getDailyTravelInsight"
	ActionGenerateDestinationVideo    Action = "generateDestinationVideo"
	ActionTranslateText               Action = "translateText"
	ActionTranslateImage              Action = "translateImage"
)

// Actions lists every supported action.
var Actions = []Action{
	ActionGenerateTravelPlans,
	ActionGetVisaRequirements,
	ActionGetSmartAlerts,
	ActionGenerateTouristGuide,
	ActionGetLuggageAdvisor,
	ActionAnalyzeBudgetSplit,
	ActionGenerateTravelReportSummary,
	ActionSuggestMeetingTimes,
	ActionGeneratePackingList,
	ActionGetDailyTravelInsight,
	ActionGenerateDestinationVideo,
	ActionTranslateText,
	ActionTranslateImage,
}

func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

// Per-action parameters. Field names match the JSON the dispatcher accepts.

type TravelPlansParams struct {
	From         string            `json:"from" validate:"required"`
	To           string            `json:"to" validate:"required"`
	Date         string            `json:"date" validate:"required"`
	Preferences  TravelPreferences `json:"preferences"`
	Lang         string            `json:"lang"`
	UserLocation *LatLng           `json:"userLocation,omitempty"`
}

type VisaParams struct {
	Origin      string `json:"origin" validate:"required"`
	Destination string `json:"destination" validate:"required"`
	Lang        string `json:"lang"`
}

type AlertsParams struct {
	Destination string `json:"destination" validate:"required"`
	Lang        string `json:"lang"`
}

type TouristGuideParams struct {
	Destination string `json:"destination" validate:"required"`
	Days        int    `json:"days" validate:"required,min=1"`
	Preferences string `json:"preferences"`
	IsNiche     bool   `json:"isNiche"`
	Lang        string `json:"lang"`
}

type LuggageParams struct {
	Airline string `json:"airline" validate:"required"`
	Lang    string `json:"lang"`
}

type BudgetSplitParams struct {
	Expenses []Expense `json:"expenses" validate:"required,min=1"`
	Lang     string    `json:"lang"`
}

type ReportSummaryParams struct {
	TripDetails TripReport `json:"tripDetails"`
	Lang        string     `json:"lang"`
}

type MeetingTimesParams struct {
	ArrivalInfo string `json:"arrivalInfo" validate:"required"`
	Meetings    string `json:"meetings" validate:"required"`
	Lang        string `json:"lang"`
}

type PackingListParams struct {
	Destination string `json:"destination" validate:"required"`
	Purpose     string `json:"purpose" validate:"required"`
	Days        int    `json:"days" validate:"required,min=1"`
	Lang        string `json:"lang"`
}

type InsightParams struct {
	Lang string `json:"lang"`
}

type VideoParams struct {
	Destination string `json:"destination" validate:"required"`
}

type TranslateTextParams struct {
	Text       string `json:"text" validate:"required"`
	TargetLang string `json:"targetLang" validate:"required"`
}

type TranslateImageParams struct {
	Base64Data string `json:"base64Data" validate:"required,base64"`
	MimeType   string `json:"mimeType" validate:"required"`
	Lang       string `json:"lang"`
}

// EncodeRequest builds the flat {action, ...params} body the dispatcher reads.
func EncodeRequest(action Action, params any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("params for %s must encode as an object: %w", action, err)
		}
	}
	name, _ := json.Marshal(action)
	fields["action"] = name
	return json.Marshal(fields)
}

// handlerFunc decodes raw request JSON and runs one action.
type handlerFunc func(ctx context.Context, raw []byte) (any, error)

func bind[P any](s *Service, fn func(context.Context, P) (any, error)) handlerFunc {
	return func(ctx context.Context, raw []byte) (any, error) {
		var p P
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, badRequest("invalid params: %v", err)
		}
		if err := s.validate.Struct(p); err != nil {
			return nil, badRequest("invalid params: %v", err)
		}
		return fn(ctx, p)
	}
}

func (s *Service) buildHandlers() map[Action]handlerFunc {
	return map[Action]handlerFunc{
		ActionGenerateTravelPlans:         bind(s, s.generateTravelPlans),
		ActionGetVisaRequirements:         bind(s, s.getVisaRequirements),
		ActionGetSmartAlerts:              bind(s, s.getSmartAlerts),
		ActionGenerateTouristGuide:        bind(s, s.generateTouristGuide),
		ActionGetLuggageAdvisor:           bind(s, s.getLuggageAdvisor),
		ActionAnalyzeBudgetSplit:          bind(s, s.analyzeBudgetSplit),
		ActionGenerateTravelReportSummary: bind(s, s.generateTravelReportSummary),
		ActionSuggestMeetingTimes:         bind(s, s.suggestMeetingTimes),
		ActionGeneratePackingList:         bind(s, s.generatePackingList),
		ActionGetDailyTravelInsight:       bind(s, s.getDailyTravelInsight),
		ActionGenerateDestinationVideo:    bind(s, s.generateDestinationVideo),
		ActionTranslateText:               bind(s, s.translateText),
		ActionTranslateImage:              bind(s, s.translateImage),
	}
}

func textParts(prompt string) []Part { return []Part{{Text: prompt}} }

func (s *Service) generateTravelPlans(ctx context.Context, p TravelPlansParams) (any, error) {
	prompt := fmt.Sprintf(`Plan a travel itinerary from %s to %s on %s.
Preferences: %s, Budget: ¥%g.
CRITICAL: All generated descriptions, tips, and titles MUST be in %s.
Maintain English JSON keys. Provide 2 travel options.
Format: {
  "options": [{ "id": "s", "transportType": "s", "totalCost": 0, "totalDuration": 0, "compliance": true, "segments": [{ "id": "s", "type": "transit|security|main|arrival", "title": "s", "description": "s", "startTime": "s", "duration": 0 }] }],
  "localInfo": { "weather": "s", "tips": "s", "emergency": "s" }
}`, p.From, p.To, p.Date, p.Preferences.Transport, p.Preferences.Budget, targetLanguage(p.Lang))

	r, err := s.generate(ctx, ActionGenerateTravelPlans, genCall{
		Model:    s.cfg.Models.Grounded,
		Parts:    textParts(prompt),
		Search:   true,
		Maps:     true,
		Location: p.UserLocation,
	})
	if err != nil {
		return nil, err
	}
	var plan TripPlan
	if err := parseShaped(r.Text, planShape, &plan); err != nil {
		return nil, err
	}
	if len(r.Sources) > 0 {
		plan.GroundingSources = r.Sources
	}
	return plan, nil
}

func (s *Service) getVisaRequirements(ctx context.Context, p VisaParams) (any, error) {
	return s.prose(ctx, ActionGetVisaRequirements, true, fmt.Sprintf(
		"Provide current visa requirements from %s to %s in %s. Use Google Search.",
		p.Origin, p.Destination, targetLanguage(p.Lang)))
}

func (s *Service) getSmartAlerts(ctx context.Context, p AlertsParams) (any, error) {
	r, err := s.generate(ctx, ActionGetSmartAlerts, genCall{
		Model: s.cfg.Models.Text,
		Parts: textParts(fmt.Sprintf(
			`3 high-impact travel alerts for %s in %s. Return JSON array: [{id: 1, title: "s", desc: "s", type: "warning|event|price", color: "amber|rose|indigo"}]`,
			p.Destination, targetLanguage(p.Lang))),
		Search: true,
	})
	if err != nil {
		return nil, err
	}
	var alerts []Alert
	if err := parseShaped(r.Text, alertsShape, &alerts); err != nil {
		return nil, err
	}
	return alerts, nil
}

func (s *Service) generateTouristGuide(ctx context.Context, p TouristGuideParams) (any, error) {
	style := "classic"
	if p.IsNiche {
		style = "niche"
	}
	prompt := fmt.Sprintf(`Generate a %d-day %s guide for %s in %s.
Interests: %s. JSON array: [{ "day": 1, "activities": [{ "time": "s", "location": "s", "description": "s", "travelTip": "s", "mapUrl": "s" }] }]`,
		p.Days, style, p.Destination, targetLanguage(p.Lang), p.Preferences)

	r, err := s.generate(ctx, ActionGenerateTouristGuide, genCall{
		Model: s.cfg.Models.Grounded,
		Parts: textParts(prompt),
		Maps:  true,
	})
	if err != nil {
		return nil, err
	}
	var days []ItineraryDay
	if err := parseShaped(r.Text, guideShape, &days); err != nil {
		return nil, err
	}
	return days, nil
}

func (s *Service) getLuggageAdvisor(ctx context.Context, p LuggageParams) (any, error) {
	return s.prose(ctx, ActionGetLuggageAdvisor, true, fmt.Sprintf(
		"Luggage rules for %s in %s. Use Google Search.", p.Airline, targetLanguage(p.Lang)))
}

func (s *Service) analyzeBudgetSplit(ctx context.Context, p BudgetSplitParams) (any, error) {
	b, err := json.Marshal(p.Expenses)
	if err != nil {
		return nil, err
	}
	return s.prose(ctx, ActionAnalyzeBudgetSplit, false, fmt.Sprintf(
		"Analyze expenses and show who owes what in %s: %s.", targetLanguage(p.Lang), b))
}

func (s *Service) generateTravelReportSummary(ctx context.Context, p ReportSummaryParams) (any, error) {
	b, err := json.Marshal(p.TripDetails)
	if err != nil {
		return nil, err
	}
	return s.prose(ctx, ActionGenerateTravelReportSummary, false, fmt.Sprintf(
		"Write a summary for this expense report in %s: %s.", targetLanguage(p.Lang), b))
}

func (s *Service) suggestMeetingTimes(ctx context.Context, p MeetingTimesParams) (any, error) {
	return s.prose(ctx, ActionSuggestMeetingTimes, false, fmt.Sprintf(
		`Suggest business schedule based on arrival: %q and meetings: %q in %s.`,
		p.ArrivalInfo, p.Meetings, targetLanguage(p.Lang)))
}

func (s *Service) generatePackingList(ctx context.Context, p PackingListParams) (any, error) {
	r, err := s.generate(ctx, ActionGeneratePackingList, genCall{
		Model: s.cfg.Models.Text,
		Parts: textParts(fmt.Sprintf(
			"Packing list for %d days in %s for %s in %s. Return JSON array of strings.",
			p.Days, p.Destination, p.Purpose, targetLanguage(p.Lang))),
		StringList: true,
	})
	if err != nil {
		return nil, err
	}
	var items []string
	if err := parseShaped(r.Text, packingShape, &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (s *Service) getDailyTravelInsight(ctx context.Context, p InsightParams) (any, error) {
	r, err := s.generate(ctx, ActionGetDailyTravelInsight, genCall{
		Model: s.cfg.Models.Text,
		Parts: textParts(fmt.Sprintf(
			"Identify one major travel news or tip for today in %s using Google Search.",
			targetLanguage(p.Lang))),
		Search: true,
	})
	if err != nil {
		return nil, err
	}
	out := Insight{Text: r.Text, Sources: r.Sources}
	if out.Sources == nil {
		out.Sources = []GroundingChunk{}
	}
	return out, nil
}

func (s *Service) translateText(ctx context.Context, p TranslateTextParams) (any, error) {
	return s.prose(ctx, ActionTranslateText, false, fmt.Sprintf("Translate to %s: %q.", p.TargetLang, p.Text))
}

func (s *Service) translateImage(ctx context.Context, p TranslateImageParams) (any, error) {
	r, err := s.generate(ctx, ActionTranslateImage, genCall{
		Model: s.cfg.Models.Text,
		Parts: []Part{
			{InlineData: &InlineData{MimeType: p.MimeType, Data: p.Base64Data}},
			{Text: fmt.Sprintf("Translate all text in this image into %s.", targetLanguage(p.Lang))},
		},
	})
	if err != nil {
		return nil, err
	}
	return TextResult{Text: r.Text}, nil
}

// prose runs a single-prompt action whose answer is returned verbatim.
func (s *Service) prose(ctx context.Context, action Action, search bool, prompt string) (any, error) {
	r, err := s.generate(ctx, action, genCall{
		Model:  s.cfg.Models.Text,
		Parts:  textParts(prompt),
		Search: search,
	})
	if err != nil {
		return nil, err
	}
	return TextResult{Text: r.Text}, nil
}

// generate is one generateContent call under the retry policy.
func (s *Service) generate(ctx context.Context, action Action, call genCall) (reply, error) {
	return Retry(ctx, s.retryPolicy(action), func() (reply, error) {
		return traced(ctx, "upstream.generateContent", action, func(ctx context.Context) (reply, error) {
			r, err := s.upstream.generate(ctx, call)
			s.metrics.observeUpstream(action, err)
			return r, err
		})
	})
}
