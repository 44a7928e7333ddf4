package domain

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// DateLayout is the calendar date format used for item dates, last_run and partition keys.
const DateLayout = "2006-01-02"

const itemIDSeparator = "#"

var (
	ErrInvalidItemID   = errors.New("invalid item id")
	ErrInvalidLocation = errors.New("invalid location")
)

var (
	usPostalPattern = regexp.MustCompile(`^\d{5}$`)
	postalPattern   = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9 -]{1,9}$`)
	countryPattern  = regexp.MustCompile(`^[A-Z]{2}$`)
)

type Location struct {
	PostalCode  string `json:"postal_code" yaml:"postal_code"`
	CountryCode string `json:"country_code" yaml:"country_code"`
}

func (l Location) String() string {
	return l.PostalCode + "," + l.CountryCode
}

func (l Location) Validate() error {
	if !countryPattern.MatchString(l.CountryCode) {
		return fmt.Errorf("%w: country code %q must be two upper-case letters", ErrInvalidLocation, l.CountryCode)
	}
	if l.CountryCode == "US" && !usPostalPattern.MatchString(l.PostalCode) {
		return fmt.Errorf("%w: US postal code %q must be 5 digits", ErrInvalidLocation, l.PostalCode)
	}
	if !postalPattern.MatchString(l.PostalCode) {
		return fmt.Errorf("%w: postal code %q", ErrInvalidLocation, l.PostalCode)
	}
	return nil
}

// WorkItem is one (location, date) unit of collection.
type WorkItem struct {
	ItemID       string     `json:"item_id"`
	PostalCode   string     `json:"postal_code"`
	CountryCode  string     `json:"country_code"`
	Date         string     `json:"date"`
	Status       ItemStatus `json:"status"`
	RetryCount   int        `json:"retry_count"`
	LastAttempt  *time.Time `json:"last_attempt,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ObjectKey    string     `json:"object_key,omitempty"`
	AvailableAt  time.Time  `json:"available_at"`
}

func NewWorkItem(loc Location, date time.Time) WorkItem {
	d := date.Format(DateLayout)
	return WorkItem{
		ItemID:      ItemID(loc.PostalCode, loc.CountryCode, d),
		PostalCode:  loc.PostalCode,
		CountryCode: loc.CountryCode,
		Date:        d,
		Status:      StatusPending,
	}
}

func (w WorkItem) Location() Location {
	return Location{PostalCode: w.PostalCode, CountryCode: w.CountryCode}
}

// ItemID builds the composite key {postal_code}#{country_code}#{date}.
func ItemID(postalCode, countryCode, date string) string {
	return postalCode + itemIDSeparator + countryCode + itemIDSeparator + date
}

func ParseItemID(id string) (Location, string, error) {
	parts := strings.Split(id, itemIDSeparator)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return Location{}, "", fmt.Errorf("%w: %q", ErrInvalidItemID, id)
	}
	if _, err := time.Parse(DateLayout, parts[2]); err != nil {
		return Location{}, "", fmt.Errorf("%w: %q: bad date", ErrInvalidItemID, id)
	}
	return Location{PostalCode: parts[0], CountryCode: parts[1]}, parts[2], nil
}

// GenerateItems returns the cross product of locations and every date in [start, end].
func GenerateItems(locations []Location, start, end time.Time) []WorkItem {
	start = truncateDay(start)
	end = truncateDay(end)
	if end.Before(start) || len(locations) == 0 {
		return nil
	}
	days := int(end.Sub(start).Hours()/24) + 1
	items := make([]WorkItem, 0, days*len(locations))
	for _, loc := range locations {
		for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
			items = append(items, NewWorkItem(loc, d))
		}
	}
	return items
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Today returns the UTC calendar date of now.
func Today(now time.Time) string {
	return now.UTC().Format(DateLayout)
}
