package tacobot

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// convertUnits performs a conversion through the unit table the same
// way the convert command does.
func convertUnits(t *testing.T, amount float64, fromName, toName string) float64 {
	t.Helper()
	from, ok := lookupUnit(fromName)
	require.True(t, ok, "unknown unit %q", fromName)
	to, ok := lookupUnit(toName)
	require.True(t, ok, "unknown unit %q", toName)
	require.Equal(t, from.dimension, to.dimension)
	return to.fromBase(from.toBase(amount))
}

func TestUnitConversions(t *testing.T) {
	tests := []struct {
		name   string
		amount float64
		from   string
		to     string
		want   float64
	}{
		{"miles to kilometers", 1, "mi", "km", 1.609344},
		{"feet to meters", 10, "ft", "m", 3.048},
		{"celsius to fahrenheit", 100, "c", "f", 212},
		{"fahrenheit to celsius", 32, "f", "c", 0},
		{"celsius to kelvin", 0, "c", "k", 273.15},
		{"pounds to kilograms", 5, "lbs", "kg", 2.26796185},
		{"gallons to liters", 1, "gal", "l", 3.785411784},
		{"kph to mph", 100, "kph", "mph", 62.1371},
		{"gibibytes to megabytes", 1, "gib", "mb", 1073.741824},
		{"weeks to days", 2, "weeks", "days", 14},
		{"case-insensitive lookup", 1, "KM", "Meters", 1000},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				got := convertUnits(t, tt.amount, tt.from, tt.to)
				assert.InDelta(t, tt.want, got, 0.001)
			},
		)
	}
}

func TestLookupUnit(t *testing.T) {
	u, ok := lookupUnit("pounds")
	require.True(t, ok)
	assert.Equal(t, "lb", u.name)
	assert.Equal(t, "mass", u.dimension)

	mi, ok := lookupUnit("mi")
	require.True(t, ok)
	assert.NotEqual(t, u.dimension, mi.dimension)

	_, ok = lookupUnit("parsec")
	assert.False(t, ok)
}

func TestFormatMeasure(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{1.609344, "1.609"},
		{212, "212"},
		{96.56064, "96.56"},
		{1073.741824, "1074"},
		{1e12, "1e+12"},
		{0.125, "0.125"},
	}
	for _, tt := range tests {
		t.Run(
			tt.want, func(t *testing.T) {
				assert.Equal(t, tt.want, formatMeasure(tt.in))
			},
		)
	}
}

func TestParseBoolArg(t *testing.T) {
	trueArgs := []string{"true", "T", "YES", "y", "on", "Enable", "1"}
	for _, arg := range trueArgs {
		got, err := parseBoolArg(arg)
		require.NoError(t, err, arg)
		assert.True(t, got, arg)
	}

	falseArgs := []string{"false", "F", "NO", "n", "off", "Disable", "0"}
	for _, arg := range falseArgs {
		got, err := parseBoolArg(arg)
		require.NoError(t, err, arg)
		assert.False(t, got, arg)
	}

	_, err := parseBoolArg("maybe")
	assert.ErrorContains(t, err, "cannot interpret 'maybe'")
}

func TestUnknownCurrencyError(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &unknownCurrencyError{Abbrev: "XYZ"})
	var unknown *unknownCurrencyError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "XYZ", unknown.Abbrev)
	assert.Contains(t, err.Error(), "unrecognized currency abbreviation 'XYZ'")
}

func TestExchangerConvert(t *testing.T) {
	ctx := context.Background()
	ratesBody := `{
		"response": {
			"rates": {"USD": 1.0, "EUR": 0.9, "JPY": 150.0}
		}
	}`

	newStubExchanger := func(calls *int) *exchanger {
		client := &http.Client{
			Transport: roundTripperFunc(
				func(req *http.Request) (*http.Response, error) {
					*calls++
					assert.Equal(t, "api.currencyscoop.com", req.URL.Host)
					assert.Equal(t, "/v1/latest", req.URL.Path)
					assert.Equal(t, "test-key", req.URL.Query().Get("api_key"))
					return jsonResponse(http.StatusOK, ratesBody), nil
				},
			),
		}
		return newExchanger(
			&CurrencyConfig{APIKey: "test-key"},
			client,
			newMemoryCache(16),
			nil,
		)
	}

	t.Run("converts and caches", func(t *testing.T) {
		var calls int
		e := newStubExchanger(&calls)
		assert.Equal(t, defaultRatesTTL, e.ratesTTL)

		converted, fetched, err := e.Convert(ctx, 10, "USD", "EUR", false)
		require.NoError(t, err)
		assert.InDelta(t, 9.0, converted, 1e-9)
		assert.WithinDuration(t, time.Now(), fetched, time.Minute)
		assert.Equal(t, 1, calls)

		// Cached rates serve the second conversion
		converted, _, err = e.Convert(ctx, 9, "EUR", "JPY", false)
		require.NoError(t, err)
		assert.InDelta(t, 1500.0, converted, 1e-9)
		assert.Equal(t, 1, calls)

		// Forcing an update goes back out
		_, _, err = e.Convert(ctx, 1, "USD", "JPY", true)
		require.NoError(t, err)
		assert.Equal(t, 2, calls)
	})

	t.Run("warm start from cache", func(t *testing.T) {
		var calls int
		first := newStubExchanger(&calls)
		_, _, err := first.Convert(ctx, 1, "USD", "EUR", false)
		require.NoError(t, err)
		require.Equal(t, 1, calls)

		second := newExchanger(
			&CurrencyConfig{APIKey: "test-key"},
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						t.Fatal("unexpected rates request")
						return nil, nil
					},
				),
			},
			first.cache,
			nil,
		)
		converted, _, err := second.Convert(ctx, 10, "USD", "EUR", false)
		require.NoError(t, err)
		assert.InDelta(t, 9.0, converted, 1e-9)
	})

	t.Run("unknown currency", func(t *testing.T) {
		var calls int
		e := newStubExchanger(&calls)
		_, _, err := e.Convert(ctx, 1, "USD", "XYZ", false)
		var unknown *unknownCurrencyError
		require.ErrorAs(t, err, &unknown)
		assert.Equal(t, "XYZ", unknown.Abbrev)
	})

	t.Run("bad status", func(t *testing.T) {
		e := newExchanger(
			&CurrencyConfig{APIKey: "test-key"},
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return jsonResponse(http.StatusInternalServerError, `{}`), nil
					},
				),
			},
			newMemoryCache(16),
			nil,
		)
		_, _, err := e.Convert(ctx, 1, "USD", "EUR", false)
		assert.ErrorContains(t, err, "rates request returned status 500")
	})

	t.Run("transport error", func(t *testing.T) {
		e := newExchanger(
			&CurrencyConfig{APIKey: "test-key"},
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return nil, errors.New("no route to host")
					},
				),
			},
			newMemoryCache(16),
			nil,
		)
		_, _, err := e.Convert(ctx, 1, "USD", "EUR", false)
		assert.ErrorContains(t, err, "error requesting rates")
	})

	t.Run("empty rates", func(t *testing.T) {
		e := newExchanger(
			&CurrencyConfig{APIKey: "test-key"},
			&http.Client{
				Transport: roundTripperFunc(
					func(*http.Request) (*http.Response, error) {
						return jsonResponse(http.StatusOK, `{"response":{"rates":{}}}`), nil
					},
				),
			},
			newMemoryCache(16),
			nil,
		)
		_, _, err := e.Convert(ctx, 1, "USD", "EUR", false)
		assert.ErrorContains(t, err, "rates response contained no rates")
	})
}
