package tacobot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"
)

const (
	currencyScoopURL = "https://api.currencyscoop.com/v1/latest"

	ratesCacheKey = "currency:rates"

	// defaultRatesTTL is how long fetched rates are trusted before a
	// conversion triggers a refresh
	defaultRatesTTL = 24 * time.Hour
)

// unknownCurrencyError indicates a currency abbreviation CurrencyScoop
// does not list.
type unknownCurrencyError struct {
	Abbrev string
}

func (e *unknownCurrencyError) Error() string {
	return fmt.Sprintf("unrecognized currency abbreviation '%s'", e.Abbrev)
}

// cachedRates is the cached exchange-rate table plus when it was
// fetched.
type cachedRates struct {
	Rates     map[string]float64 `json:"rates"`
	FetchedAt time.Time          `json:"fetched_at"`
}

// ratesResponse is the CurrencyScoop payload envelope.
type ratesResponse struct {
	Response struct {
		Rates map[string]float64 `json:"rates"`
	} `json:"response"`
}

// exchanger converts between currencies using CurrencyScoop rate
// tables, cached so repeat conversions don't burn through the request
// quota.
type exchanger struct {
	apiKey     string
	ratesTTL   time.Duration
	httpClient *http.Client
	cache      Cache
	logger     *slog.Logger

	mu      sync.Mutex
	rates   map[string]float64
	fetched time.Time
}

func newExchanger(
	cfg *CurrencyConfig,
	httpClient *http.Client,
	cache Cache,
	logger *slog.Logger,
) *exchanger {
	if logger == nil {
		logger = slog.Default()
	}
	ttl := defaultRatesTTL
	apiKey := ""
	if cfg != nil {
		apiKey = cfg.APIKey
		if cfg.RatesTTL > 0 {
			ttl = cfg.RatesTTL
		}
	}
	return &exchanger{
		apiKey:     apiKey,
		ratesTTL:   ttl,
		httpClient: httpClient,
		cache:      cache,
		logger:     logger.With(loggerNameKey, "exchanger"),
	}
}

// currentRates returns a usable rate table, fetching a fresh one when
// forced or when the cached table is older than ratesTTL.
func (e *exchanger) currentRates(
	ctx context.Context,
	forceUpdate bool,
) (map[string]float64, time.Time, error) {
	if !forceUpdate {
		e.mu.Lock()
		if e.rates != nil && time.Since(e.fetched) <= e.ratesTTL {
			rates, fetched := e.rates, e.fetched
			e.mu.Unlock()
			return rates, fetched, nil
		}
		e.mu.Unlock()

		if raw, err := e.cache.Get(ctx, ratesCacheKey); err == nil {
			var cached cachedRates
			if jsonErr := json.Unmarshal([]byte(raw), &cached); jsonErr == nil &&
				len(cached.Rates) > 0 &&
				time.Since(cached.FetchedAt) <= e.ratesTTL {
				e.mu.Lock()
				e.rates, e.fetched = cached.Rates, cached.FetchedAt
				e.mu.Unlock()
				return cached.Rates, cached.FetchedAt, nil
			}
		}
	}

	rates, err := e.fetchRates(ctx)
	if err != nil {
		return nil, time.Time{}, err
	}
	fetched := time.Now().UTC()

	e.mu.Lock()
	e.rates, e.fetched = rates, fetched
	e.mu.Unlock()

	if data, jsonErr := json.Marshal(cachedRates{
		Rates:     rates,
		FetchedAt: fetched,
	}); jsonErr == nil {
		_ = e.cache.Set(ctx, ratesCacheKey, string(data), e.ratesTTL)
	}
	return rates, fetched, nil
}

// fetchRates pulls the latest rate table from CurrencyScoop. The free
// plan allows 5000 requests a month, so every call is logged.
func (e *exchanger) fetchRates(ctx context.Context) (map[string]float64, error) {
	endpoint := fmt.Sprintf(
		"%s?api_key=%s&format=json", currencyScoopURL, e.apiKey,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating rates request: %w", err)
	}

	e.logger.WarnContext(
		ctx,
		"Request to currencyscoop.com was attempted. Usage is limited to 5000 requests/mo",
	)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("error requesting rates: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("rates request returned status %d", resp.StatusCode)
	}

	var payload ratesResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&payload); decodeErr != nil {
		return nil, fmt.Errorf("error decoding rates response: %w", decodeErr)
	}
	if len(payload.Response.Rates) == 0 {
		return nil, errors.New("rates response contained no rates")
	}

	e.logger.InfoContext(ctx, "Updated exchange rates from currencyscoop.com")
	return payload.Response.Rates, nil
}

// Convert returns amount in fromCurrency expressed in toCurrency,
// along with when the rate table was fetched.
func (e *exchanger) Convert(
	ctx context.Context,
	amount float64,
	fromCurrency string,
	toCurrency string,
	forceUpdate bool,
) (float64, time.Time, error) {
	rates, fetched, err := e.currentRates(ctx, forceUpdate)
	if err != nil {
		return 0, time.Time{}, err
	}

	fromRate, ok := rates[fromCurrency]
	if !ok {
		return 0, time.Time{}, &unknownCurrencyError{Abbrev: fromCurrency}
	}
	toRate, ok := rates[toCurrency]
	if !ok {
		return 0, time.Time{}, &unknownCurrencyError{Abbrev: toCurrency}
	}

	return amount * toRate / fromRate, fetched, nil
}

// unit is a measurement unit, convertible to its dimension's base unit
// by v*factor + offset.
type unit struct {
	dimension string
	name      string
	factor    float64
	offset    float64
}

func (u unit) toBase(v float64) float64   { return v*u.factor + u.offset }
func (u unit) fromBase(v float64) float64 { return (v - u.offset) / u.factor }

// unitTable maps unit abbreviations and spellings to definitions.
var unitTable = buildUnitTable()

//nolint:funlen // one entry per unit
func buildUnitTable() map[string]unit {
	table := map[string]unit{}
	add := func(
		dimension string,
		name string,
		factor float64,
		offset float64,
		names ...string,
	) {
		u := unit{dimension: dimension, name: name, factor: factor, offset: offset}
		for _, n := range names {
			key := strings.ToLower(n)
			if _, exists := table[key]; exists {
				panic(fmt.Sprintf("duplicate unit name: %s", key))
			}
			table[key] = u
		}
	}

	// length, base meter
	add("length", "mm", 0.001, 0, "mm", "millimeter", "millimeters")
	add("length", "cm", 0.01, 0, "cm", "centimeter", "centimeters")
	add("length", "m", 1, 0, "m", "meter", "meters")
	add("length", "km", 1000, 0, "km", "kilometer", "kilometers")
	add("length", "in", 0.0254, 0, "in", "inch", "inches")
	add("length", "ft", 0.3048, 0, "ft", "foot", "feet")
	add("length", "yd", 0.9144, 0, "yd", "yard", "yards")
	add("length", "mi", 1609.344, 0, "mi", "mile", "miles")

	// mass, base kilogram
	add("mass", "mg", 1e-6, 0, "mg", "milligram", "milligrams")
	add("mass", "g", 0.001, 0, "g", "gram", "grams")
	add("mass", "kg", 1, 0, "kg", "kilogram", "kilograms")
	add("mass", "t", 1000, 0, "t", "tonne", "tonnes", "ton", "tons")
	add("mass", "oz", 0.028349523125, 0, "oz", "ounce", "ounces")
	add("mass", "lb", 0.45359237, 0, "lb", "lbs", "pound", "pounds")
	add("mass", "st", 6.35029318, 0, "st", "stone")

	// volume, base liter
	add("volume", "ml", 0.001, 0, "ml", "milliliter", "milliliters")
	add("volume", "l", 1, 0, "l", "liter", "liters", "litre", "litres")
	add("volume", "gal", 3.785411784, 0, "gal", "gallon", "gallons")
	add("volume", "qt", 0.946352946, 0, "qt", "quart", "quarts")
	add("volume", "pt", 0.473176473, 0, "pt", "pint", "pints")
	add("volume", "cup", 0.2365882365, 0, "cup", "cups")
	add("volume", "floz", 0.0295735295625, 0, "floz")
	add("volume", "tbsp", 0.01478676478125, 0, "tbsp", "tablespoon", "tablespoons")
	add("volume", "tsp", 0.00492892159375, 0, "tsp", "teaspoon", "teaspoons")

	// temperature, base kelvin
	add("temperature", "K", 1, 0, "k", "kelvin")
	add("temperature", "°C", 1, 273.15, "c", "celsius")
	add("temperature", "°F", 5.0/9.0, 459.67*5.0/9.0, "f", "fahrenheit")

	// speed, base m/s
	add("speed", "m/s", 1, 0, "m/s", "mps")
	add("speed", "km/h", 1000.0/3600.0, 0, "km/h", "kmh", "kph")
	add("speed", "mph", 0.44704, 0, "mph")
	add("speed", "kn", 1852.0/3600.0, 0, "kn", "knot", "knots")
	add("speed", "ft/s", 0.3048, 0, "ft/s", "fps")

	// data, base byte
	add("data", "bit", 0.125, 0, "bit", "bits")
	add("data", "B", 1, 0, "b", "byte", "bytes")
	add("data", "kB", 1e3, 0, "kb", "kilobyte", "kilobytes")
	add("data", "MB", 1e6, 0, "mb", "megabyte", "megabytes")
	add("data", "GB", 1e9, 0, "gb", "gigabyte", "gigabytes")
	add("data", "TB", 1e12, 0, "tb", "terabyte", "terabytes")
	add("data", "KiB", 1024, 0, "kib")
	add("data", "MiB", 1024*1024, 0, "mib")
	add("data", "GiB", 1024*1024*1024, 0, "gib")
	add("data", "TiB", 1024*1024*1024*1024, 0, "tib")

	// time, base second
	add("time", "ms", 0.001, 0, "ms", "millisecond", "milliseconds")
	add("time", "s", 1, 0, "s", "sec", "second", "seconds")
	add("time", "min", 60, 0, "min", "minute", "minutes")
	add("time", "h", 3600, 0, "h", "hr", "hour", "hours")
	add("time", "d", 86400, 0, "d", "day", "days")
	add("time", "wk", 604800, 0, "wk", "week", "weeks")
	add("time", "yr", 31557600, 0, "yr", "year", "years")

	return table
}

func lookupUnit(name string) (unit, bool) {
	u, ok := unitTable[strings.ToLower(name)]
	return u, ok
}

// formatMeasure renders a value to 4 significant figures without
// trailing zeros.
func formatMeasure(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

// convertCommand converts an amount between measurement units.
func convertCommand() *Command {
	return &Command{
		Name:     "convert",
		Aliases:  []string{"conv", "unit"},
		Category: categoryUtility,
		Help:     "Converts an amount of one unit to another unit",
		Usage:    "<amount> <unit> [to] <unit>",
		MinArgs:  3,
		Handler: func(_ context.Context, cc *CommandContext) error {
			usageErr := newUserError(
				"Usage: `%sconvert <amount> <unit> [to] <unit>`", cc.prefix,
			)
			amount, err := strconv.ParseFloat(cc.Arg(0), 64)
			if err != nil {
				return usageErr
			}
			fromName := cc.Arg(1)
			toName := cc.Arg(2)
			if strings.EqualFold(toName, "to") {
				toName = cc.Arg(3)
				if toName == "" {
					return usageErr
				}
			}

			from, ok := lookupUnit(fromName)
			if !ok {
				return unknownUnitReply(cc, fromName)
			}
			to, ok := lookupUnit(toName)
			if !ok {
				return unknownUnitReply(cc, toName)
			}
			if from.dimension != to.dimension {
				_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, I can't convert %s (%s) into %s (%s)!",
					cc.AuthorName(),
					from.name, from.dimension, to.name, to.dimension,
				)))
				return sendErr
			}

			converted := to.fromBase(from.toBase(amount))
			title := fmt.Sprintf(
				"%s %s = %s %s",
				formatMeasure(amount), from.name,
				formatMeasure(converted), to.name,
			)
			desc := fmt.Sprintf("Unit type: **%s**", from.dimension)
			_, err = cc.ReplyEmbed(makeEmbed(desc, title, "teal"))
			return err
		},
	}
}

func unknownUnitReply(cc *CommandContext, name string) error {
	_, err := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
		"⚠ **%s**, I don't recognize the unit `%s`", cc.AuthorName(), name,
	)))
	return err
}

// parseBoolArg accepts the usual command spellings of a boolean.
func parseBoolArg(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "t", "yes", "y", "on", "enable", "1":
		return true, nil
	case "false", "f", "no", "n", "off", "disable", "0":
		return false, nil
	}
	return false, fmt.Errorf("cannot interpret '%s' as true or false", s)
}

// currencyCommand converts an amount between currencies.
func currencyCommand() *Command {
	return &Command{
		Name:     "currency",
		Category: categoryUtility,
		Help:     "Calculates amount of a currency in terms of another currency.",
		Usage:    "<amount> <from> [to] [latest]",
		MinArgs:  2,
		Timeout:  30 * time.Second,
		Handler: func(ctx context.Context, cc *CommandContext) error {
			amount, err := strconv.ParseFloat(cc.Arg(0), 64)
			if err != nil {
				return newUserError(fmt.Sprintf(
					"Usage: `%scurrency <amount> <from> [to] [latest]`", cc.prefix,
				))
			}
			fromCurrency := strings.ToUpper(cc.Arg(1))
			toCurrency := "USD"
			if cc.Arg(2) != "" {
				toCurrency = strings.ToUpper(cc.Arg(2))
			}
			forceUpdate := false
			if cc.Arg(3) != "" {
				if forceUpdate, err = parseBoolArg(cc.Arg(3)); err != nil {
					return newUserError(fmt.Sprintf(
						"Usage: `%scurrency <amount> <from> [to] [latest]`", cc.prefix,
					))
				}
			}

			converted, fetched, err := cc.tb.exchanger.Convert(
				ctx, amount, fromCurrency, toCurrency, forceUpdate,
			)
			if err != nil {
				var unknown *unknownCurrencyError
				if errors.As(err, &unknown) {
					desc := fmt.Sprintf(
						"⚠ **%s**, %s\nView list of supported currencies [here](https://currencyscoop.com/supported-currencies).",
						cc.AuthorName(), unknown.Error(),
					)
					_, sendErr := cc.ReplyEmbed(errorEmbed(desc))
					return sendErr
				}
				cc.logger.WarnContext(ctx, "currency conversion failed", tint.Err(err))
				_, sendErr := cc.ReplyEmbed(errorEmbed(fmt.Sprintf(
					"⚠ **%s**, I failed to extract the latest data from [CurrencyScoop](https://currencyscoop.com/)!",
					cc.AuthorName(),
				)))
				return sendErr
			}

			title := fmt.Sprintf(
				"%.2f %s = %.4f %s", amount, fromCurrency, converted, toCurrency,
			)
			desc := fmt.Sprintf(
				"Using data from **%s** UTC, from [CurrencyScoop](https://currencyscoop.com/)",
				fetched.UTC().Format("Jan 02, 2006 15:04:05"),
			)
			_, err = cc.ReplyEmbed(makeEmbed(desc, title, "teal"))
			return err
		},
	}
}
