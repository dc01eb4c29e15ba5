// Package entities pulls structured values out of ticket text and normalizes
// the values a model reports for them.
package entities

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"tickettriage/internal/domain"
)

// Raw is the entity block as reported by the model. Every field may be
// missing or malformed.
type Raw struct {
	LicensePlate string
	MoveOutDate  string
	Amount       string
	PropertyName string
}

type Extractor struct {
	now func() time.Time
}

func NewExtractor(now func() time.Time) *Extractor {
	if now == nil {
		now = time.Now
	}
	return &Extractor{now: now}
}

// Extract normalizes the model's entities, falling back to scanning subject
// and body for anything the model left out. Notes carries observations a
// reviewer should see, such as implausible move-out dates.
func (x *Extractor) Extract(raw Raw, subject, body string) (domain.Entities, []string) {
	text := strings.TrimSpace(subject + "\n" + body)
	var out domain.Entities
	var notes []string

	if p, ok := NormalizePlate(raw.LicensePlate); ok {
		out.LicensePlate = p
	} else if p, ok := FindPlate(text); ok {
		out.LicensePlate = p
	}

	date, ok := ParseDate(raw.MoveOutDate)
	if !ok {
		date, ok = FindDate(text)
	}
	if ok {
		out.MoveOutDate = date.Format(isoDate)
		if note := CheckMoveOutDate(date, x.now()); note != "" {
			notes = append(notes, note)
		}
	}

	if a, ok := NormalizeAmount(raw.Amount); ok {
		out.Amount = a
	} else if a, ok := FindAmount(text); ok {
		out.Amount = a
	}

	out.PropertyName = strings.TrimSpace(raw.PropertyName)
	if isNullish(out.PropertyName) {
		out.PropertyName = ""
	}
	return out, notes
}

const isoDate = "2006-01-02"

// --- License plates ---

var (
	platePrefixedRe = regexp.MustCompile(`\b([A-Z]{2,4})[ -]?(\d{2,5})\b`)
	plateDigitLedRe = regexp.MustCompile(`\b(\d[A-Z]{3}\d{3})\b`)
	plateCleanRe    = regexp.MustCompile(`[\s\-.·]`)
	plateCharsRe    = regexp.MustCompile(`^[A-Z0-9]{2,8}$`)
)

// notPlatePrefixes are uppercase tokens that precede a number in ordinary
// ticket text: unit and address words, currencies, ids and calendar words.
var notPlatePrefixes = map[string]bool{
	"APT": true, "UNIT": true, "STE": true, "BLDG": true, "RM": true, "FL": true, "LOT": true,
	"ZIP": true, "PO": true, "BOX": true, "HWY": true, "RTE": true, "AVE": true, "ST": true,
	"USD": true, "EUR": true, "CAD": true, "GBP": true, "MXN": true,
	"ID": true, "NO": true, "NUM": true, "REF": true, "INV": true, "ACCT": true, "ORD": true,
	"TKT": true, "CASE": true, "PIN": true, "CVV": true, "SSN": true, "EIN": true,
	"AM": true, "PM": true, "EST": true, "PST": true, "CST": true, "MST": true, "UTC": true,
	"JAN": true, "FEB": true, "MAR": true, "APR": true, "MAY": true, "JUN": true, "JUNE": true,
	"JUL": true, "JULY": true, "AUG": true, "SEP": true, "SEPT": true, "OCT": true, "NOV": true, "DEC": true,
	"MON": true, "TUE": true, "TUES": true, "WED": true, "THU": true, "THUR": true, "FRI": true, "SAT": true, "SUN": true,
}

// usStates flags "CA 90210" style state + ZIP pairs.
var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true, "CT": true, "DE": true,
	"DC": true, "FL": true, "GA": true, "HI": true, "ID": true, "IL": true, "IN": true, "IA": true,
	"KS": true, "KY": true, "LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true,
	"MS": true, "MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true, "NM": true,
	"NY": true, "NC": true, "ND": true, "OH": true, "OK": true, "OR": true, "PA": true, "RI": true,
	"SC": true, "SD": true, "TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true,
	"WV": true, "WI": true, "WY": true,
}

func platePrefixAllowed(letters, digits string) bool {
	if notPlatePrefixes[letters] {
		return false
	}
	return !(usStates[letters] && len(digits) == 5)
}

// NormalizePlate canonicalizes "ABC 1234", "abc-1234" and "ABC1234" to
// "ABC1234". A plate needs at least one digit and one letter.
func NormalizePlate(s string) (string, bool) {
	if isNullish(s) {
		return "", false
	}
	p := strings.ToUpper(plateCleanRe.ReplaceAllString(strings.TrimSpace(s), ""))
	if !plateCharsRe.MatchString(p) {
		return "", false
	}
	if !strings.ContainsAny(p, "0123456789") || !strings.ContainsAny(p, "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
		return "", false
	}
	return p, true
}

// FindPlate scans free text for a plate-shaped token. Only uppercase
// letter groups qualify so ordinary words followed by numbers ("Jan 15")
// are not mistaken for plates, and address, currency, id and calendar
// prefixes ("APT 204", "USD 45", "CA 90210") are skipped.
func FindPlate(text string) (string, bool) {
	for _, m := range platePrefixedRe.FindAllStringSubmatch(text, -1) {
		if platePrefixAllowed(m[1], m[2]) {
			return NormalizePlate(m[1] + m[2])
		}
	}
	if m := plateDigitLedRe.FindStringSubmatch(text); m != nil {
		return NormalizePlate(m[1])
	}
	return "", false
}

// --- Dates ---

var (
	ordinalRe   = regexp.MustCompile(`(?i)(\d{1,2})(st|nd|rd|th)\b`)
	dateTokenRe = regexp.MustCompile(
		`(?i)\b\d{4}-\d{2}-\d{2}\b` +
			`|\b\d{1,2}/\d{1,2}/\d{2,4}\b` +
			`|\b\d{1,2}-\d{1,2}-\d{4}\b` +
			`|\b(?:jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+\d{1,2}(?:st|nd|rd|th)?,?\s+\d{4}\b`)
)

var dateLayouts = []string{
	"2006-01-02",
	"1/2/2006",
	"1/2/06",
	"2-1-2006",
	"January 2, 2006",
	"January 2 2006",
	"Jan 2, 2006",
	"Jan 2 2006",
}

// ParseDate reads the date formats customers actually write. Slash dates are
// month-first; dash dates other than ISO are day-first.
func ParseDate(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if isNullish(s) {
		return time.Time{}, false
	}
	s = ordinalRe.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, ".", "")
	s = strings.Join(strings.Fields(s), " ")
	if strings.HasPrefix(strings.ToLower(s), "sept ") {
		s = "Sep " + s[5:]
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, titleMonth(s)); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// FindDate returns the first parseable date token in text.
func FindDate(text string) (time.Time, bool) {
	for _, tok := range dateTokenRe.FindAllString(text, -1) {
		if t, ok := ParseDate(tok); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

// CheckMoveOutDate returns a reviewer note when the date is in the future or
// more than a year old, and "" otherwise.
func CheckMoveOutDate(d, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	day := time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	switch {
	case day.After(today):
		return fmt.Sprintf("move-out date %s is in the future; confirm with the customer", day.Format(isoDate))
	case day.Before(today.AddDate(-1, 0, 0)):
		return fmt.Sprintf("move-out date %s is more than a year in the past; verify before processing", day.Format(isoDate))
	}
	return ""
}

func titleMonth(s string) string {
	if s == "" || s[0] < 'a' || s[0] > 'z' {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// --- Amounts ---

var (
	amountDollarRe = regexp.MustCompile(`\$\s?(\d{1,3}(?:,\d{3})+(?:\.\d{1,2})?|\d+(?:\.\d{1,2})?)`)
	amountWordRe   = regexp.MustCompile(`(?i)\b(\d+(?:\.\d{1,2})?)\s?(?:dollars|usd)\b`)
)

// NormalizeAmount renders a currency value with two decimals, e.g. "$1,250"
// becomes "1250.00".
func NormalizeAmount(s string) (string, bool) {
	s = strings.TrimSpace(s)
	if isNullish(s) {
		return "", false
	}
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimSuffix(strings.ToUpper(s), " USD")
	s = strings.ReplaceAll(s, ",", "")
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || v <= 0 {
		return "", false
	}
	return strconv.FormatFloat(v, 'f', 2, 64), true
}

func FindAmount(text string) (string, bool) {
	if m := amountDollarRe.FindStringSubmatch(text); m != nil {
		return NormalizeAmount(m[1])
	}
	if m := amountWordRe.FindStringSubmatch(text); m != nil {
		return NormalizeAmount(m[1])
	}
	return "", false
}

func isNullish(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "null", "none", "n/a", "na", "unknown":
		return true
	}
	return false
}
