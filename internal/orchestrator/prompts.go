package orchestrator

import (
	"fmt"
	"strings"
	"time"

	"github.com/Fechomap/telnyx-sip-server/internal/casedir"
)

const (
	maxCaseDigits      = 12
	caseCollectTimeout = 15 * time.Second
	menuCollectTimeout = 10 * time.Second
)

func welcomePrompt() string {
	return "Welcome to roadside assistance. Please enter your case number followed by the pound key."
}

func casePrompt() string {
	return "Please enter your case number followed by the pound key."
}

func reentryPrompt() string {
	return "We could not find that case number. Please enter it again followed by the pound key."
}

func anotherCasePrompt() string {
	return "Please enter the next case number followed by the pound key."
}

func handoffNotice() string {
	return "We could not find your case. Please hold while we connect you with an agent."
}

func retryNotice(attempt int) string {
	return fmt.Sprintf("The agent line did not answer. Trying again, attempt %d.", attempt)
}

func abandonNotice() string {
	return "We are sorry, no agent is available right now. Please call again later. Goodbye."
}

func apologyNotice() string {
	return "We are sorry, we are having technical difficulties. Please call again later. Goodbye."
}

func limitNotice(max int) string {
	return fmt.Sprintf("You have reached the limit of %d cases per call. Thank you for calling. Goodbye.", max)
}

func alreadyQueriedNotice(number string) string {
	return fmt.Sprintf("Case %s has already been consulted on this call. Thank you for calling. Goodbye.", spell(number))
}

func inactivityNotice() string {
	return "We did not receive a response. Thank you for calling. Goodbye."
}

func maxDurationNotice() string {
	return "This call has reached its maximum duration. Thank you for calling. Goodbye."
}

func invalidOption() string {
	return "That is not a valid option."
}

func caseSummary(c *casedir.Case) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Case %s", spell(c.Number))
	if c.ServiceType != "" {
		fmt.Fprintf(&b, ", %s service", c.ServiceType)
	}
	if c.Vehicle != "" {
		fmt.Fprintf(&b, " for %s", c.Vehicle)
	}
	if c.Status != "" {
		fmt.Fprintf(&b, ", status %s", c.Status)
	}
	b.WriteString(".")
	return b.String()
}

// menuDigits lists the options offered for c. Location is meaningless
// once a case is concluded.
func menuDigits(c *casedir.Case) string {
	if c != nil && c.Concluded() {
		return "1245"
	}
	return "12345"
}

func menuPrompt(c *casedir.Case) string {
	opts := []string{
		"For the service cost press 1.",
		"For the assigned unit press 2.",
	}
	if c == nil || !c.Concluded() {
		opts = append(opts, "For the unit location and arrival time press 3.")
	}
	opts = append(opts,
		"For the service times press 4.",
		"To consult another case press 5.",
	)
	return strings.Join(opts, " ")
}

func costAnswer(c *casedir.Cost) string {
	if c == nil {
		return noData("cost")
	}
	currency := c.Currency
	if currency == "" {
		currency = "pesos"
	}
	s := fmt.Sprintf("The service cost is %.2f %s", c.Total, currency)
	if c.Concept != "" {
		s += " for " + c.Concept
	}
	return s + "."
}

func unitAnswer(u *casedir.Unit) string {
	if u == nil {
		return noData("unit")
	}
	parts := []string{fmt.Sprintf("The assigned unit is %s", spell(u.UnitID))}
	if u.Vehicle != "" {
		parts = append(parts, "a "+u.Vehicle)
	}
	if u.Plate != "" {
		parts = append(parts, "plates "+spell(u.Plate))
	}
	if u.Operator != "" {
		parts = append(parts, "operated by "+u.Operator)
	}
	return strings.Join(parts, ", ") + "."
}

func locationAnswer(l *casedir.Location) string {
	if l == nil {
		return noData("location")
	}
	var b strings.Builder
	b.WriteString("The unit is")
	if l.Address != "" {
		fmt.Fprintf(&b, " near %s,", l.Address)
	}
	if l.DistanceKm > 0 {
		fmt.Fprintf(&b, " %.1f kilometers away,", l.DistanceKm)
	}
	if l.ETAMinutes > 0 {
		fmt.Fprintf(&b, " arriving in about %d minutes", l.ETAMinutes)
	} else {
		b.WriteString(" with no arrival estimate yet")
	}
	b.WriteString(".")
	return b.String()
}

func timingsAnswer(t *casedir.Timings, now time.Time) string {
	if t == nil || t.RequestedAt.IsZero() {
		return noData("service times")
	}
	end := now
	if !t.FinishedAt.IsZero() {
		end = t.FinishedAt
	}
	s := fmt.Sprintf("The service was requested %s ago", minutes(end.Sub(t.RequestedAt)))
	if !t.FinishedAt.IsZero() {
		s = fmt.Sprintf("The service took %s", minutes(end.Sub(t.RequestedAt)))
	}
	if !t.ContactedAt.IsZero() {
		s += fmt.Sprintf(", and the unit made contact %s after the request", minutes(t.ContactedAt.Sub(t.RequestedAt)))
	} else if !t.AssignedAt.IsZero() {
		s += fmt.Sprintf(", and a unit was assigned %s after the request", minutes(t.AssignedAt.Sub(t.RequestedAt)))
	}
	return s + "."
}

func noData(what string) string {
	return fmt.Sprintf("There is no %s information for this case yet.", what)
}

func minutes(d time.Duration) string {
	m := int(d.Round(time.Minute) / time.Minute)
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}

// spell separates characters so the speech engine reads identifiers digit
// by digit.
func spell(s string) string {
	return strings.Join(strings.Split(s, ""), " ")
}
