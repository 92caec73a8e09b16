package booking

import (
	"strconv"
	"strings"
	"time"

	"intake/internal/crm"
	"intake/internal/models"
)

const timeOfDayLayout = "15:04"

func customerPayload(req models.BookingRequest, source string) crm.CustomerPayload {
	c := req.Customer
	return crm.CustomerPayload{
		FirstName:    c.FirstName,
		LastName:     c.LastName,
		Email:        c.Email,
		Phone:        c.Phone,
		AddressLine1: c.AddressLine1,
		City:         c.City,
		State:        c.State,
		PostalCode:   c.PostalCode,
		Source:       source,
		Notes:        "Lead source: " + req.Source,
	}
}

func estimatePayload(req models.BookingRequest, customerID models.ID, source string, loc *time.Location) crm.EstimatePayload {
	options := req.Service.Options
	if options == nil {
		options = map[string]any{}
	}

	p := crm.EstimatePayload{
		CustomerID:  customerID.Value(),
		Description: "Estimate for " + req.Service.Type,
		Notes: joinNonEmpty("\n",
			req.Service.Notes,
			"Source: "+req.Source,
			priceLine("Estimated price: $", req.Service.EstimatedPrice),
		),
		Source: source,
		Metadata: map[string]any{
			"options": options,
			"origin":  req.Source,
		},
	}

	if s := req.Schedule; s != nil {
		start, end := s.Start.In(loc), s.End.In(loc)
		p.StartDate = start.Format("2006-01-02")
		p.TimeFramePromisedStart = start.Format(timeOfDayLayout)
		p.TimeFramePromisedEnd = end.Format(timeOfDayLayout)
		p.DurationSeconds = int64(s.Duration() / time.Second)
	}
	return p
}

func calendarTaskPayload(req models.BookingRequest, customerID, estimateID models.ID, loc *time.Location) crm.CalendarTaskPayload {
	return crm.CalendarTaskPayload{
		StartDate:   crm.FormatDateTime(req.Schedule.Start, loc),
		EndDate:     crm.FormatDateTime(req.Schedule.End, loc),
		Description: calendarDescription(req),
		CustomerID:  customerID.Value(),
		EstimateID:  estimateID.Value(),
		JobID:       nil,
		Type:        req.Service.Type,
	}
}

func calendarDescription(req models.BookingRequest) string {
	return joinNonEmpty(" - ",
		req.Service.Type+" via "+req.Source,
		req.Service.Notes,
		priceLine("Est. price: $", req.Service.EstimatedPrice),
	)
}

func priceLine(prefix string, price *float64) string {
	if price == nil || *price <= 0 {
		return ""
	}
	return prefix + strconv.FormatFloat(*price, 'f', -1, 64)
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if strings.TrimSpace(p) != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
