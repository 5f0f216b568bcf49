// Package kraken is the account data source: a client for the water
// utility's Kraken GraphQL API. All responses are decoded into typed
// records at this boundary; the aggregation core never sees raw maps.
package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"waterflux/internal/reading"
)

// DefaultAPIURL is the production GraphQL endpoint.
const DefaultAPIURL = "https://api.st.kraken.tech/v1/graphql/"

// Issued tokens carry their expiry in the JWT; this fallback applies
// when the claim cannot be read, and this margin is shaved off either
// way so a token is refreshed before the server rejects it.
const (
	fallbackTokenTTL = 10 * time.Minute
	tokenExpirySlack = time.Minute
)

// Config carries the client's account parameters. Meter identifiers may
// be left empty and discovered via FetchMeterIdentifiers.
type Config struct {
	APIURL              string
	APIKey              string
	AccountNumber       string
	MarketSupplyPointID string
	DeviceID            string
	CapabilityType      string
}

// Client talks to the Kraken water API for a single account.
type Client struct {
	apiURL        string
	apiKey        string
	accountNumber string

	marketSupplyPointID string
	deviceID            string
	capabilityType      string
	identifiersFetched  bool

	token          string
	refreshToken   string
	tokenExpiresAt time.Time

	client *http.Client
	logger *log.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *log.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if cfg.AccountNumber == "" {
		return nil, errors.New("kraken: empty account number")
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Client{
		apiURL:              apiURL,
		apiKey:              cfg.APIKey,
		accountNumber:       cfg.AccountNumber,
		marketSupplyPointID: cfg.MarketSupplyPointID,
		deviceID:            cfg.DeviceID,
		capabilityType:      cfg.CapabilityType,
		client:              &http.Client{Timeout: 30 * time.Second},
		logger:              logger,
	}, nil
}

// MeterID is the stable meter identity used in published payloads.
func (c *Client) MeterID() string {
	if c.marketSupplyPointID == "" || c.deviceID == "" {
		return ""
	}
	return c.marketSupplyPointID + "_" + c.deviceID
}

// GenerateAPIKey exchanges a temporary browser token for a long-lived
// API key. Used once during setup.
func GenerateAPIKey(ctx context.Context, apiURL, browserToken string) (string, error) {
	token := strings.TrimSpace(browserToken)
	if lower := strings.ToLower(token); strings.HasPrefix(lower, "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if token == "" {
		return "", errors.New("kraken: empty browser token")
	}
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}

	client := &http.Client{Timeout: 30 * time.Second}
	var data regenerateKeyData
	if err := doGraphQL(ctx, client, apiURL, token, graphQLRequest{Query: apiKeyMutation}, &data); err != nil {
		return "", err
	}
	if data.RegenerateSecretKey == nil || data.RegenerateSecretKey.Key == "" {
		return "", errors.New("kraken: api key missing in response")
	}
	return data.RegenerateSecretKey.Key, nil
}

// Authenticate obtains a fresh JWT for the configured API key. The
// token's expiry is read from its exp claim.
func (c *Client) Authenticate(ctx context.Context) error {
	if c.apiKey == "" {
		return ErrMissingAPIKey
	}

	req := graphQLRequest{
		Query: authMutation,
		Variables: map[string]any{
			"input": map[string]any{"APIKey": c.apiKey},
		},
		OperationName: "ObtainKrakenToken",
	}

	var data obtainTokenData
	if err := doGraphQL(ctx, c.client, c.apiURL, "", req, &data); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if data.ObtainKrakenToken == nil || data.ObtainKrakenToken.Token == "" {
		return ErrAuthFailed
	}

	c.token = data.ObtainKrakenToken.Token
	c.refreshToken = data.ObtainKrakenToken.RefreshToken
	c.tokenExpiresAt = tokenExpiry(c.token, time.Now())
	if c.logger != nil {
		c.logger.Printf("kraken: authenticated, token valid until %s", c.tokenExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// tokenExpiry reads the exp claim without verifying the signature; the
// token is an opaque credential here, not something we trust claims of.
func tokenExpiry(tokenString string, now time.Time) time.Time {
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(tokenString, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.Add(-tokenExpirySlack)
		}
	}
	return now.Add(fallbackTokenTTL - tokenExpirySlack)
}

func (c *Client) ensureToken(ctx context.Context) error {
	if c.token != "" && time.Now().Before(c.tokenExpiresAt) {
		return nil
	}
	return c.Authenticate(ctx)
}

// FetchAccountNumbers lists the account numbers visible to the API key.
func (c *Client) FetchAccountNumbers(ctx context.Context) ([]string, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	var data accountListData
	req := graphQLRequest{Query: accountListQuery, OperationName: "AccountNumberList"}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return nil, err
	}
	if data.Viewer == nil {
		return nil, errors.New("kraken: unexpected account list response")
	}

	numbers := make([]string, 0, len(data.Viewer.Accounts))
	for _, acc := range data.Viewer.Accounts {
		numbers = append(numbers, acc.Number)
	}
	return numbers, nil
}

// FetchMeterIdentifiers discovers the market supply point id, device id
// and capability type for the account's first active water meter. The
// identifiers are cached on the client as a side effect.
func (c *Client) FetchMeterIdentifiers(ctx context.Context) error {
	if c.identifiersFetched {
		return nil
	}
	// Stored identifiers count only when the capability is known too;
	// older installs may carry the ids without it.
	if c.marketSupplyPointID != "" && c.deviceID != "" && c.capabilityType != "" {
		c.identifiersFetched = true
		return nil
	}
	if err := c.ensureToken(ctx); err != nil {
		return err
	}

	var data meterIdentifiersData
	req := graphQLRequest{
		Query:         meterIdentifiersQuery,
		Variables:     map[string]any{"accountNumber": c.accountNumber},
		OperationName: "GetMeterIdentifiers",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return err
	}
	if data.Account == nil {
		return ErrAccountNotFound
	}
	if len(data.Account.Properties) == 0 || len(data.Account.Properties[0].ActiveWaterMeters) == 0 {
		return ErrNoActiveMeter
	}

	meter := data.Account.Properties[0].ActiveWaterMeters[0]
	if meter.MeterPointReference == "" || meter.SerialNumber == "" {
		return ErrMissingIdentifiers
	}
	c.marketSupplyPointID = meter.MeterPointReference
	c.deviceID = meter.SerialNumber
	c.capabilityType = meter.CapabilityType
	c.identifiersFetched = true
	if c.logger != nil {
		c.logger.Printf("kraken: discovered meter identifiers mspid=%s device=%s", c.marketSupplyPointID, c.deviceID)
	}
	return nil
}

// Identifiers returns the cached meter identifiers.
func (c *Client) Identifiers() MeterIdentifiers {
	return MeterIdentifiers{
		MarketSupplyPointID: c.marketSupplyPointID,
		SerialNumber:        c.deviceID,
		CapabilityType:      c.capabilityType,
	}
}

func frequencyType(g reading.Granularity) string {
	switch g {
	case reading.GranularityHour:
		return "HOUR_INTERVAL"
	case reading.GranularityDay:
		return "DAY_INTERVAL"
	case reading.GranularityWeek:
		return "WEEK_INTERVAL"
	case reading.GranularityMonth:
		return "MONTH_INTERVAL"
	default:
		return string(g)
	}
}

// FetchIntervalReadings fetches smart-meter measurements between start
// and end at the given granularity. Some meters return no edges for
// DAY_INTERVAL; in that case a single retry with the alternate DAY
// frequency is attempted, and an empty result after that is accepted.
func (c *Client) FetchIntervalReadings(ctx context.Context, start, end time.Time, granularity reading.Granularity) ([]reading.RawMeasurement, error) {
	if !granularity.IsValid() {
		return nil, fmt.Errorf("kraken: invalid granularity %q", granularity)
	}
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}
	if err := c.FetchMeterIdentifiers(ctx); err != nil {
		return nil, err
	}

	raw, err := c.fetchMeasurements(ctx, start, end, frequencyType(granularity))
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 && granularity == reading.GranularityDay {
		if c.logger != nil {
			c.logger.Printf("kraken: no measurements for DAY_INTERVAL, retrying with DAY")
		}
		retry, err := c.fetchMeasurements(ctx, start, end, "DAY")
		if err != nil {
			return nil, err
		}
		raw = retry
	}
	return raw, nil
}

func (c *Client) fetchMeasurements(ctx context.Context, start, end time.Time, frequency string) ([]reading.RawMeasurement, error) {
	req := graphQLRequest{
		Query: smartMeterReadingsQuery,
		Variables: map[string]any{
			"accountNumber": c.accountNumber,
			"startAt":       start.UTC().Format(time.RFC3339),
			"endAt":         end.UTC().Format(time.RFC3339),
			"utilityFilters": []map[string]any{{
				"waterFilters": map[string]any{
					"readingFrequencyType": frequency,
					"marketSupplyPointId":  c.marketSupplyPointID,
					"deviceId":             c.deviceID,
				},
			}},
		},
		OperationName: "SmartMeterReadings",
	}

	var data measurementsData
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return nil, err
	}
	if data.Account == nil {
		return nil, ErrAccountNotFound
	}
	if len(data.Account.Properties) == 0 {
		return nil, nil
	}

	edges := data.Account.Properties[0].Measurements.Edges
	raw := make([]reading.RawMeasurement, 0, len(edges))
	for _, edge := range edges {
		raw = append(raw, reading.RawMeasurement{
			StartAt: edge.Node.StartAt,
			Value:   edge.Node.Value.String(),
			Unit:    edge.Node.Unit,
		})
	}
	return raw, nil
}

// FetchManualReadings returns the account's manual meter readings,
// most recent first, over the trailing year.
func (c *Client) FetchManualReadings(ctx context.Context) ([]reading.ManualReading, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	activeFrom := time.Now().AddDate(-1, 0, 0).UTC().Format(time.RFC3339)
	req := graphQLRequest{
		Query: meterReadingsQuery,
		Variables: map[string]any{
			"accountNumber": c.accountNumber,
			"activeFrom":    activeFrom,
		},
		OperationName: "MeterReadings",
	}

	var data manualReadingsData
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return nil, err
	}
	if data.Account == nil {
		return nil, ErrAccountNotFound
	}
	if len(data.Account.Properties) == 0 || len(data.Account.Properties[0].ActiveWaterMeters) == 0 {
		return nil, nil
	}

	meter := data.Account.Properties[0].ActiveWaterMeters[0]
	readings := make([]reading.ManualReading, 0, len(meter.Readings.Edges))
	for _, edge := range meter.Readings.Edges {
		value, err := edge.Node.ValueCubicMetres.Float64()
		if err != nil {
			if c.logger != nil {
				c.logger.Printf("kraken: skipping manual reading with bad value %q: %v", edge.Node.ValueCubicMetres, err)
			}
			continue
		}
		date, ok := parseReadingDate(edge.Node.ReadingDate)
		if !ok {
			if c.logger != nil {
				c.logger.Printf("kraken: skipping manual reading with bad date %q", edge.Node.ReadingDate)
			}
			continue
		}
		readings = append(readings, reading.ManualReading{
			MeterID: meter.ID,
			Value:   value,
			Date:    date,
			Source:  edge.Node.Source,
		})
	}
	return readings, nil
}

func parseReadingDate(value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	if idx := strings.IndexByte(value, 'T'); idx > 0 {
		value = value[:idx]
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// FetchBalance returns the account balance.
func (c *Client) FetchBalance(ctx context.Context) (Balance, error) {
	if err := c.ensureToken(ctx); err != nil {
		return Balance{}, err
	}

	var data balanceData
	req := graphQLRequest{
		Query:         balanceQuery,
		Variables:     map[string]any{"accountNumber": c.accountNumber},
		OperationName: "GetBalance",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return Balance{}, err
	}
	if data.Account == nil {
		return Balance{}, ErrAccountNotFound
	}
	pence, err := data.Account.Balance.Int64()
	if err != nil {
		return Balance{}, fmt.Errorf("kraken: balance not an integer: %w", err)
	}
	return Balance{Pence: pence, GBP: float64(pence) / 100.0}, nil
}

// FetchRateLimitInfo reports the API's points allowance. Useful as a
// diagnostic to confirm whether the API is throttling requests.
func (c *Client) FetchRateLimitInfo(ctx context.Context) (RateLimitInfo, error) {
	if err := c.ensureToken(ctx); err != nil {
		return RateLimitInfo{}, err
	}

	var data rateLimitData
	req := graphQLRequest{Query: rateLimitQuery, OperationName: "apiRateLimitInfo"}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return RateLimitInfo{}, err
	}
	if data.RateLimitInfo == nil || data.RateLimitInfo.PointsAllowanceRateLimit == nil {
		return RateLimitInfo{}, errors.New("kraken: rate limit info missing in response")
	}

	info := data.RateLimitInfo.PointsAllowanceRateLimit
	limit, _ := info.Limit.Int64()
	remaining, _ := info.RemainingPoints.Int64()
	ttl, _ := info.TTL.Int64()
	used, _ := info.UsedPoints.Int64()
	return RateLimitInfo{
		IsBlocked:       info.IsBlocked,
		Limit:           limit,
		RemainingPoints: remaining,
		TTL:             ttl,
		UsedPoints:      used,
	}, nil
}

// FetchPaymentSchedule returns the current active payment schedule.
func (c *Client) FetchPaymentSchedule(ctx context.Context) (PaymentSchedule, error) {
	if err := c.ensureToken(ctx); err != nil {
		return PaymentSchedule{}, err
	}

	var data paymentScheduleData
	req := graphQLRequest{
		Query:         paymentScheduleQuery,
		Variables:     map[string]any{"accountNumber": c.accountNumber},
		OperationName: "CurrentActivePaymentSchedule",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return PaymentSchedule{}, err
	}
	if data.Account == nil || len(data.Account.PaymentSchedules.Edges) == 0 {
		return PaymentSchedule{}, nil
	}

	node := data.Account.PaymentSchedules.Edges[0].Node
	pence, _ := node.PaymentAmount.Int64()
	day, _ := node.PaymentDay.Int64()
	multiplier, _ := node.PaymentFrequencyMultiplier.Int64()
	return PaymentSchedule{
		ID:                      node.ID,
		PaymentDay:              day,
		AmountPence:             pence,
		AmountGBP:               float64(pence) / 100.0,
		Frequency:               node.PaymentFrequency,
		FrequencyMultiplier:     multiplier,
		IsVariablePaymentAmount: node.IsVariablePaymentAmount,
		ValidTo:                 node.ValidTo,
		ScheduleType:            node.ScheduleType,
		PaymentPlan:             node.PaymentPlan,
	}, nil
}

// FetchOutstandingPayment returns the outstanding payment on the first
// ledger, pence-like as the API reports it.
func (c *Client) FetchOutstandingPayment(ctx context.Context) (Balance, error) {
	if err := c.ensureToken(ctx); err != nil {
		return Balance{}, err
	}

	var data ledgersData
	req := graphQLRequest{
		Query:         outstandingPaymentQuery,
		Variables:     map[string]any{"accountNumber": c.accountNumber},
		OperationName: "OutstandingPayment",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return Balance{}, err
	}
	if data.Account == nil || len(data.Account.Ledgers) == 0 {
		return Balance{}, nil
	}
	pence, err := data.Account.Ledgers[0].PaymentsOutstanding.Int64()
	if err != nil {
		return Balance{}, fmt.Errorf("kraken: outstanding payment not an integer: %w", err)
	}
	return Balance{Pence: pence, GBP: float64(pence) / 100.0}, nil
}

// FetchLedgers lists the account's ledgers.
func (c *Client) FetchLedgers(ctx context.Context) ([]Ledger, error) {
	if err := c.ensureToken(ctx); err != nil {
		return nil, err
	}

	var data ledgersData
	req := graphQLRequest{
		Query:         ledgersQuery,
		Variables:     map[string]any{"accountNumber": c.accountNumber},
		OperationName: "Ledgers",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return nil, err
	}
	if data.Account == nil {
		return nil, ErrAccountNotFound
	}

	ledgers := make([]Ledger, 0, len(data.Account.Ledgers))
	for _, ledger := range data.Account.Ledgers {
		ledgers = append(ledgers, Ledger{Type: ledger.LedgerType, Number: ledger.Number})
	}
	return ledgers, nil
}

// waterLedgerType marks the ledger the payment forecast is read from.
const waterLedgerType = "SEVERN_TRENT_WATER"

// FetchNextPaymentForecast returns the next upcoming payment for the
// account's water ledger, falling back to the first ledger.
func (c *Client) FetchNextPaymentForecast(ctx context.Context) (PaymentForecast, error) {
	ledgers, err := c.FetchLedgers(ctx)
	if err != nil {
		return PaymentForecast{}, err
	}
	if len(ledgers) == 0 {
		return PaymentForecast{}, nil
	}

	ledgerNumber := ledgers[0].Number
	for _, ledger := range ledgers {
		if ledger.Type == waterLedgerType {
			ledgerNumber = ledger.Number
			break
		}
	}
	if ledgerNumber == "" {
		return PaymentForecast{}, nil
	}

	var data paymentForecastData
	req := graphQLRequest{
		Query: paymentForecastQuery,
		Variables: map[string]any{
			"accountNumber": c.accountNumber,
			"ledgerNumber":  ledgerNumber,
			"first":         1,
		},
		OperationName: "PaymentForecast",
	}
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return PaymentForecast{}, err
	}
	if data.Account == nil || len(data.Account.PaginatedPaymentForecast.Edges) == 0 {
		return PaymentForecast{LedgerNumber: ledgerNumber}, nil
	}

	node := data.Account.PaginatedPaymentForecast.Edges[0].Node
	pence, _ := node.Amount.Int64()
	return PaymentForecast{
		LedgerNumber: ledgerNumber,
		Date:         node.Date,
		AmountPence:  pence,
		AmountGBP:    float64(pence) / 100.0,
	}, nil
}

// FetchMeterDetails returns meter metadata including the register digit
// count and the latest reading.
func (c *Client) FetchMeterDetails(ctx context.Context) (MeterDetails, error) {
	if err := c.ensureToken(ctx); err != nil {
		return MeterDetails{}, err
	}

	req := graphQLRequest{
		Query: meterDetailsQuery,
		Variables: map[string]any{
			"accountNumber": c.accountNumber,
			"excludeHeld":   true,
			"first":         1,
			"activeFrom":    time.Now().UTC().Format(time.RFC3339),
		},
		OperationName: "MeterDetails",
	}

	var data meterDetailsData
	if err := doGraphQL(ctx, c.client, c.apiURL, c.token, req, &data); err != nil {
		return MeterDetails{}, err
	}
	if data.Account == nil || len(data.Account.Properties) == 0 {
		return MeterDetails{}, nil
	}
	meters := data.Account.Properties[0].ActiveWaterMeters
	if len(meters) == 0 {
		return MeterDetails{}, nil
	}

	meter := meters[0]
	digits, _ := meter.NumberOfDigits.Int64()
	details := MeterDetails{
		InternalID:     meter.ID,
		SerialNumber:   meter.SerialNumber,
		NumberOfDigits: digits,
	}
	if len(meter.Readings.Edges) > 0 {
		latest := meter.Readings.Edges[0].Node
		if value, err := latest.ValueCubicMetres.Float64(); err == nil {
			details.LatestReading = value
			details.HasLatestReading = true
		}
		details.LatestReadingDate = latest.ReadingDate
		details.LatestReadingSource = latest.Source
		details.LatestReadingID = latest.ID
		details.LatestReadingIsHeld = latest.IsHeld
	}
	return details, nil
}

// doGraphQL posts one GraphQL request and decodes the data payload into
// out. GraphQL-level errors are returned as a single error.
func doGraphQL(ctx context.Context, client *http.Client, apiURL, token string, request graphQLRequest, out any) error {
	body, err := json.Marshal(request)
	if err != nil {
		return fmt.Errorf("kraken: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("kraken: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("kraken: %s: %w", request.OperationName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("kraken: %s: http %d: %s", request.OperationName, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var envelope graphQLEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return fmt.Errorf("kraken: decode %s response: %w", request.OperationName, err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			messages = append(messages, e.Message)
		}
		return fmt.Errorf("kraken: %s: graphql errors: %s", request.OperationName, strings.Join(messages, "; "))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Data, out); err != nil {
		return fmt.Errorf("kraken: decode %s data: %w", request.OperationName, err)
	}
	return nil
}
