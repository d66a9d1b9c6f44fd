// Package validation checks and normalizes request input before it reaches the service.
package validation

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/go-playground/validator/v10"

	"github.com/kjstillabower/weather-history-service/internal/models"
)

// ErrLocationEmpty is returned when location is empty or whitespace-only after trim.
var ErrLocationEmpty = errors.New("location is required")

// ErrLocationTooShort is returned when location length is below the minimum.
var ErrLocationTooShort = errors.New("location too short")

// ErrLocationTooLong is returned when location length exceeds the maximum.
var ErrLocationTooLong = errors.New("location too long")

// ErrLocationInvalidChars is returned when location contains disallowed characters.
var ErrLocationInvalidChars = errors.New("location contains invalid characters")

var (
	ErrLocationMissing    = errors.New("one of q, zip, or lat and lon is required")
	ErrLocationAmbiguous  = errors.New("only one of q, zip, or lat and lon may be given")
	ErrInvalidCoordinates = errors.New("invalid coordinates")
	ErrInvalidDate        = errors.New("invalid date")
	ErrInvalidDateRange   = errors.New("invalid date range")
)

var validate = validator.New()

// ValidateLocation trims the input, enforces length bounds (minLen, maxLen in runes),
// and restricts to allowed characters: letters (Unicode), digits, space, comma, hyphen,
// period, apostrophe. Returns the trimmed string.
func ValidateLocation(input string, minLen, maxLen int) (string, error) {
	s := strings.TrimSpace(input)
	r := []rune(s)
	n := len(r)
	if n == 0 {
		return "", ErrLocationEmpty
	}
	if minLen > 0 && n < minLen {
		return "", ErrLocationTooShort
	}
	if maxLen > 0 && n > maxLen {
		return "", ErrLocationTooLong
	}
	for _, c := range r {
		if !isAllowedLocationRune(c) {
			return "", ErrLocationInvalidChars
		}
	}
	return s, nil
}

func isAllowedLocationRune(r rune) bool {
	if unicode.IsLetter(r) || unicode.IsNumber(r) {
		return true
	}
	switch r {
	case ' ', ',', '-', '.', '\'':
		return true
	}
	return false
}

// LocationParams are the raw location inputs of a request.
type LocationParams struct {
	City string
	Zip  string
	Lat  string
	Lon  string
}

// Location is a validated location input. Kind is "city", "zip" or "coords".
type Location struct {
	Kind  string
	Value string
	Lat   float64
	Lon   float64
}

type coordinates struct {
	Lat float64 `validate:"latitude"`
	Lon float64 `validate:"longitude"`
}

// ParseLocation validates that exactly one location form is present and well formed.
func ParseLocation(p LocationParams, minLen, maxLen int) (Location, error) {
	hasCity := strings.TrimSpace(p.City) != ""
	hasZip := strings.TrimSpace(p.Zip) != ""
	hasCoords := strings.TrimSpace(p.Lat) != "" || strings.TrimSpace(p.Lon) != ""

	forms := 0
	for _, has := range []bool{hasCity, hasZip, hasCoords} {
		if has {
			forms++
		}
	}
	switch {
	case forms == 0:
		return Location{}, ErrLocationMissing
	case forms > 1:
		return Location{}, ErrLocationAmbiguous
	}

	switch {
	case hasCity:
		v, err := ValidateLocation(p.City, minLen, maxLen)
		if err != nil {
			return Location{}, err
		}
		return Location{Kind: "city", Value: v}, nil
	case hasZip:
		v, err := ValidateLocation(p.Zip, minLen, maxLen)
		if err != nil {
			return Location{}, err
		}
		return Location{Kind: "zip", Value: v}, nil
	}

	lat, err := strconv.ParseFloat(strings.TrimSpace(p.Lat), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lat %q", ErrInvalidCoordinates, p.Lat)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(p.Lon), 64)
	if err != nil {
		return Location{}, fmt.Errorf("%w: lon %q", ErrInvalidCoordinates, p.Lon)
	}
	if err := validate.Struct(coordinates{Lat: lat, Lon: lon}); err != nil {
		return Location{}, fmt.Errorf("%w: %s", ErrInvalidCoordinates, describe(err))
	}
	return Location{Kind: "coords", Lat: lat, Lon: lon}, nil
}

type dateRange struct {
	Start time.Time `validate:"required"`
	End   time.Time `validate:"required,gtefield=Start"`
}

// ParseDateRange parses YYYY-MM-DD start and end dates as UTC days and checks that
// start is not after end.
func ParseDateRange(start, end string) (time.Time, time.Time, error) {
	s, err := models.ParseDate(strings.TrimSpace(start))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: start %q, want YYYY-MM-DD", ErrInvalidDate, start)
	}
	e, err := models.ParseDate(strings.TrimSpace(end))
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: end %q, want YYYY-MM-DD", ErrInvalidDate, end)
	}
	if err := validate.Struct(dateRange{Start: s, End: e}); err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %s", ErrInvalidDateRange, describe(err))
	}
	return s, e, nil
}

// describe turns validator errors into a short field list for error messages.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "gtefield":
			parts = append(parts, strings.ToLower(fe.Field())+" is before "+strings.ToLower(fe.Param()))
		default:
			parts = append(parts, strings.ToLower(fe.Field())+" failed "+fe.Tag())
		}
	}
	return strings.Join(parts, "; ")
}
