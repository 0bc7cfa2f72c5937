package alert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ppiankov/dispatchwatch/internal/model"
)

// FormatPayload builds the webhook body for the given format.
func FormatPayload(format string, event AlertEvent) ([]byte, error) {
	switch format {
	case "slack":
		return json.Marshal(slackMessage(event))
	case "pagerduty":
		return json.Marshal(pagerDutyEvent(event))
	case "", "generic":
		return json.Marshal(event)
	default:
		return nil, fmt.Errorf("unknown alert format %q", format)
	}
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackPayload struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

func slackMessage(event AlertEvent) slackPayload {
	field := func(label, value string) slackText {
		return slackText{Type: "mrkdwn", Text: fmt.Sprintf("*%s:* %s", label, value)}
	}
	fields := []slackText{
		field("Severity", string(event.Severity)),
		field("Reason", event.Reason),
	}
	if event.OrderID != "" {
		fields = append(fields, field("Order", event.OrderID))
	}
	if event.DriverID != "" {
		fields = append(fields, field("Driver", event.DriverID))
	}
	if event.TicketID != "" {
		fields = append(fields, field("Ticket", event.TicketID))
	}

	title := fmt.Sprintf("%s dispatchwatch: %s", severityEmoji(event.Severity), strings.ReplaceAll(event.Type, "_", " "))
	return slackPayload{
		// Notification text for clients that do not render blocks.
		Text: fmt.Sprintf("%s (%s)", title, event.Reason),
		Blocks: []slackBlock{
			{Type: "header", Text: &slackText{Type: "plain_text", Text: title}},
			{Type: "section", Fields: fields},
		},
	}
}

func severityEmoji(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return ":rotating_light:"
	case model.SeverityHigh:
		return ":warning:"
	default:
		return ":information_source:"
	}
}

type pagerDutyPayload struct {
	EventAction string         `json:"event_action"`
	DedupKey    string         `json:"dedup_key,omitempty"`
	Payload     pagerDutyInner `json:"payload"`
}

type pagerDutyInner struct {
	Summary       string            `json:"summary"`
	Severity      string            `json:"severity"`
	Source        string            `json:"source"`
	Component     string            `json:"component,omitempty"`
	Group         string            `json:"group"`
	CustomDetails map[string]string `json:"custom_details"`
}

// pagerDutyEvent keys incidents by order so repeated escalations for the
// same delivery collapse into one incident.
func pagerDutyEvent(event AlertEvent) pagerDutyPayload {
	details := map[string]string{}
	for k, v := range map[string]string{
		"order_id":  event.OrderID,
		"driver_id": event.DriverID,
		"action":    event.Action,
		"ticket_id": event.TicketID,
		"raised_at": event.Timestamp,
	} {
		if v != "" {
			details[k] = v
		}
	}

	var dedup string
	if event.OrderID != "" {
		dedup = "dispatchwatch/" + event.Type + "/" + event.OrderID
	}
	return pagerDutyPayload{
		EventAction: "trigger",
		DedupKey:    dedup,
		Payload: pagerDutyInner{
			Summary:       fmt.Sprintf("dispatchwatch %s: %s", event.Type, event.Reason),
			Severity:      pagerDutySeverity(event.Severity),
			Source:        "dispatchwatch",
			Component:     event.Action,
			Group:         event.Type,
			CustomDetails: details,
		},
	}
}

func pagerDutySeverity(s model.Severity) string {
	switch s {
	case model.SeverityCritical:
		return "critical"
	case model.SeverityHigh:
		return "error"
	case model.SeverityMedium:
		return "warning"
	default:
		return "info"
	}
}
