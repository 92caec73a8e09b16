package notify

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"intake/internal/models"
)

// Message is a plain text email ready to send.
type Message struct {
	To      []string
	Subject string
	Text    string
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

func validEmail(v string) bool {
	return emailPattern.MatchString(strings.TrimSpace(v))
}

// dedupeEmails keeps the first spelling of each address, compared case
// insensitively.
func dedupeEmails(emails []string) []string {
	seen := make(map[string]struct{}, len(emails))
	out := make([]string, 0, len(emails))
	for _, e := range emails {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		key := strings.ToLower(e)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, e)
	}
	return out
}

// BookingEmail goes to the ops inbox and, when valid, the customer.
func BookingEmail(ops []string, labels ServiceLabels, p models.NotificationPayload) Message {
	req := p.Request
	label := labels.Label(req.Service.Type)

	recipients := append([]string(nil), ops...)
	if validEmail(req.Customer.Email) {
		recipients = append(recipients, strings.TrimSpace(req.Customer.Email))
	}

	return Message{
		To:      dedupeEmails(recipients),
		Subject: fmt.Sprintf("New %s Request - %s %s", label, req.Customer.FirstName, req.Customer.LastName),
		Text:    bookingBody(label, req, p.Result),
	}
}

func bookingBody(label string, req models.BookingRequest, result *models.PipelineResult) string {
	opts := req.Service.Options

	depositPaid := "No"
	if truthy(opts[models.OptionDepositPaid]) {
		depositPaid = "Yes"
	}
	start, end := "N/A", "N/A"
	if req.Schedule != nil {
		start = req.Schedule.Start.UTC().Format(time.RFC3339)
		end = req.Schedule.End.UTC().Format(time.RFC3339)
	}
	estimate := "N/A"
	if req.Service.EstimatedPrice != nil && *req.Service.EstimatedPrice > 0 {
		estimate = "$" + formatAmount(*req.Service.EstimatedPrice)
	}
	depositAmount := "N/A"
	if amount, ok := number(opts[models.OptionDepositAmount]); ok {
		depositAmount = "$" + formatAmount(amount)
	}

	var customerID, estimateID, taskID *models.ID
	if result != nil {
		customerID, estimateID, taskID = result.CustomerID, result.EstimateID, result.CalendarTaskID
	}

	lines := []string{
		fmt.Sprintf("New %s request", label),
		"",
		strings.TrimSpace(fmt.Sprintf("Name: %s %s", req.Customer.FirstName, req.Customer.LastName)),
		"Email: " + orNA(req.Customer.Email),
		"Phone: " + orNA(req.Customer.Phone),
		"",
		"Estimate: " + estimate,
		"Estimate status: " + stringOr(opts[models.OptionEstimateStatus], "Estimate Requested"),
		"Payment preference: " + stringOr(opts[models.OptionPaymentPreference], "N/A"),
		"Deposit paid: " + depositPaid,
		"Deposit amount: " + depositAmount,
		"Schedule start: " + start,
		"Schedule end: " + end,
		"",
		"Details:",
		orNA(req.Service.Notes),
		"",
		"CRM IDs:",
		"Customer: " + idOrUnknown(customerID),
		"Estimate: " + idOrUnknown(estimateID),
		"Calendar task: " + idOrUnknown(taskID),
	}
	return strings.Join(lines, "\n")
}

// ReminderEmail nudges a customer who stopped part way through the
// estimator. ok is false when the customer has no usable address.
func ReminderEmail(labels ServiceLabels, p models.NotificationPayload, signature string) (Message, bool) {
	req := p.Request
	email := strings.TrimSpace(req.Customer.Email)
	if !validEmail(email) {
		return Message{}, false
	}

	label := labels.Label(req.Service.Type)
	stage := p.Stage
	if stage == "" {
		stage = "Lead - Partial"
	}
	subject := fmt.Sprintf("Reminder: Complete your %s estimate request", label)
	if strings.Contains(stage, "Deposit") {
		subject = fmt.Sprintf("Reminder: Finish your %s deposit", label)
	}

	name := req.Customer.FirstName
	if name == "" {
		name = "there"
	}
	lines := []string{
		fmt.Sprintf("Hi %s,", name),
		"",
		fmt.Sprintf("We noticed you started the %s estimate and reached the %q step.", label, stage),
		"To lock in your install slot, please return to the calculator and submit the deposit or reply to this email so we can follow up.",
		"",
		"If you prefer, reply here and we will help you finish the booking.",
	}
	if signature != "" {
		lines = append(lines, "", "- "+signature)
	}

	return Message{To: []string{email}, Subject: subject, Text: strings.Join(lines, "\n")}, true
}

// PhotoEmail tells ops that site photos arrived for a booking.
func PhotoEmail(ops []string, labels ServiceLabels, bookingRef string, p models.NotificationPayload) Message {
	req := p.Request
	label := labels.Label(req.Service.Type)

	lines := []string{
		fmt.Sprintf("Site photos for %s booking %s", label, bookingRef),
		"",
		strings.TrimSpace(fmt.Sprintf("Name: %s %s", req.Customer.FirstName, req.Customer.LastName)),
		"Email: " + orNA(req.Customer.Email),
		"Phone: " + orNA(req.Customer.Phone),
		"",
		fmt.Sprintf("Photos (%d):", len(p.Photos)),
	}
	for _, photo := range p.Photos {
		lines = append(lines, fmt.Sprintf("- %s: %s", photo.Name, photo.URL))
	}
	if len(p.Photos) == 0 {
		lines = append(lines, "none stored")
	}

	return Message{
		To:      dedupeEmails(ops),
		Subject: fmt.Sprintf("%s Photos - %s %s", label, req.Customer.FirstName, req.Customer.LastName),
		Text:    strings.Join(lines, "\n"),
	}
}

func orNA(v string) string {
	if strings.TrimSpace(v) == "" {
		return "N/A"
	}
	return v
}

func idOrUnknown(id *models.ID) string {
	if id == nil || id.IsZero() {
		return "unknown"
	}
	return id.String()
}

func stringOr(v any, fallback string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return fallback
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	}
	return false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
