package kraken

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// fakeKraken is a minimal GraphQL endpoint dispatching on operation name.
type fakeKraken struct {
	t *testing.T

	authCalls        int
	measurementCalls []string // frequency per call
	lastAuthHeader   string

	emptyDayInterval bool
}

func (f *fakeKraken) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req graphQLRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			f.t.Fatalf("decode request: %v", err)
		}
		f.lastAuthHeader = r.Header.Get("Authorization")

		switch req.OperationName {
		case "ObtainKrakenToken":
			f.authCalls++
			input, _ := req.Variables["input"].(map[string]any)
			if input["APIKey"] != "key-123" {
				writeGraphQLError(w, "invalid api key")
				return
			}
			writeData(w, map[string]any{
				"obtainKrakenToken": map[string]any{
					"token":        testJWT(time.Now().Add(time.Hour)),
					"refreshToken": "refresh-1",
				},
			})
		case "GetMeterIdentifiers":
			writeData(w, map[string]any{
				"account": map[string]any{
					"properties": []any{map[string]any{
						"activeWaterMeters": []any{map[string]any{
							"meterPointReference": "msp-1",
							"serialNumber":        "dev-1",
							"capabilityType":      "SMART",
						}},
					}},
				},
			})
		case "SmartMeterReadings":
			filters := req.Variables["utilityFilters"].([]any)
			water := filters[0].(map[string]any)["waterFilters"].(map[string]any)
			frequency := water["readingFrequencyType"].(string)
			f.measurementCalls = append(f.measurementCalls, frequency)

			edges := []any{}
			if !(frequency == "DAY_INTERVAL" && f.emptyDayInterval) {
				edges = []any{
					map[string]any{"node": map[string]any{
						"startAt": "2024-03-10T00:00:00Z",
						"value":   0.8,
						"unit":    "m3",
					}},
					map[string]any{"node": map[string]any{
						"startAt": "2024-03-11T00:00:00Z",
						"value":   1.2,
						"unit":    "m3",
					}},
				}
			}
			writeData(w, map[string]any{
				"account": map[string]any{
					"properties": []any{map[string]any{
						"measurements": map[string]any{"edges": edges},
					}},
				},
			})
		case "MeterReadings":
			writeData(w, map[string]any{
				"account": map[string]any{
					"properties": []any{map[string]any{
						"activeWaterMeters": []any{map[string]any{
							"id": "meter-1",
							"readings": map[string]any{"edges": []any{
								map[string]any{"node": map[string]any{
									"valueCubicMetres": 1000.0,
									"readingDate":      "2024-02-01",
									"source":           "CUSTOMER",
								}},
								map[string]any{"node": map[string]any{
									"valueCubicMetres": "bogus",
									"readingDate":      "2024-01-15",
									"source":           "ESTIMATE",
								}},
								map[string]any{"node": map[string]any{
									"valueCubicMetres": 950.5,
									"readingDate":      "2024-01-01T00:00:00+00:00",
									"source":           "AGENT",
								}},
							}},
						}},
					}},
				},
			})
		case "GetBalance":
			writeData(w, map[string]any{
				"account": map[string]any{"balance": 12345},
			})
		case "Ledgers", "OutstandingPayment":
			writeData(w, map[string]any{
				"account": map[string]any{"ledgers": []any{
					map[string]any{"ledgerType": "OTHER", "number": "L-1", "paymentsOutstanding": 4200},
					map[string]any{"ledgerType": "SEVERN_TRENT_WATER", "number": "L-2", "paymentsOutstanding": 0},
				}},
			})
		case "PaymentForecast":
			writeData(w, map[string]any{
				"account": map[string]any{
					"paginatedPaymentForecast": map[string]any{"edges": []any{
						map[string]any{"node": map[string]any{"date": "2024-04-01", "amount": 3150}},
					}},
				},
			})
		default:
			f.t.Fatalf("unexpected operation %q", req.OperationName)
		}
	}
}

func writeData(w http.ResponseWriter, data map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeGraphQLError(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"errors": []any{map[string]any{"message": message}},
	})
}

// testJWT builds an unsigned JWT carrying only an exp claim.
func testJWT(exp time.Time) string {
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))
	payload := base64.RawURLEncoding.EncodeToString([]byte(fmt.Sprintf(`{"exp":%d}`, exp.Unix())))
	return header + "." + payload + "."
}

func newTestClient(t *testing.T, fake *fakeKraken) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIURL:        server.URL,
		APIKey:        "key-123",
		AccountNumber: "A-0001",
	}, log.New(testWriter{t}, "", 0))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, server
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSpace(string(p)))
	return len(p), nil
}

func TestAuthenticateReadsTokenExpiry(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	if err := client.Authenticate(context.Background()); err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if fake.authCalls != 1 {
		t.Fatalf("auth calls = %d, want 1", fake.authCalls)
	}
	remaining := time.Until(client.tokenExpiresAt)
	if remaining < 50*time.Minute || remaining > time.Hour {
		t.Fatalf("token expiry %v away, want just under an hour", remaining)
	}
}

func TestAuthenticateRejectsBadKey(t *testing.T) {
	fake := &fakeKraken{t: t}
	server := httptest.NewServer(fake.handler())
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		APIURL:        server.URL,
		APIKey:        "wrong-key",
		AccountNumber: "A-0001",
	}, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if err := client.Authenticate(context.Background()); err == nil {
		t.Fatal("expected auth error")
	}
}

func TestNewClientRequiresAPIKey(t *testing.T) {
	if _, err := NewClient(Config{AccountNumber: "A-0001"}, nil); err != ErrMissingAPIKey {
		t.Fatalf("err = %v, want ErrMissingAPIKey", err)
	}
}

func TestEnsureTokenReusesValidToken(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	ctx := context.Background()
	if _, err := client.FetchBalance(ctx); err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if _, err := client.FetchBalance(ctx); err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if fake.authCalls != 1 {
		t.Fatalf("auth calls = %d, want 1 (token should be reused)", fake.authCalls)
	}
}

func TestFetchIntervalReadingsDiscoverIdentifiers(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 2)
	raw, err := client.FetchIntervalReadings(context.Background(), start, end, "DAY")
	if err != nil {
		t.Fatalf("FetchIntervalReadings: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("measurements = %d, want 2", len(raw))
	}
	if raw[0].Value != "0.8" || raw[1].Value != "1.2" {
		t.Fatalf("unexpected values %q, %q", raw[0].Value, raw[1].Value)
	}
	if got := client.MeterID(); got != "msp-1_dev-1" {
		t.Fatalf("MeterID = %q", got)
	}
	if want := []string{"DAY_INTERVAL"}; len(fake.measurementCalls) != 1 || fake.measurementCalls[0] != want[0] {
		t.Fatalf("measurement calls = %v, want %v", fake.measurementCalls, want)
	}
}

func TestFetchIntervalReadingsDayFallback(t *testing.T) {
	fake := &fakeKraken{t: t, emptyDayInterval: true}
	client, _ := newTestClient(t, fake)

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	raw, err := client.FetchIntervalReadings(context.Background(), start, start.AddDate(0, 0, 2), "DAY")
	if err != nil {
		t.Fatalf("FetchIntervalReadings: %v", err)
	}
	if len(raw) != 2 {
		t.Fatalf("measurements after fallback = %d, want 2", len(raw))
	}
	want := []string{"DAY_INTERVAL", "DAY"}
	if len(fake.measurementCalls) != 2 || fake.measurementCalls[0] != want[0] || fake.measurementCalls[1] != want[1] {
		t.Fatalf("measurement calls = %v, want %v", fake.measurementCalls, want)
	}
}

func TestFetchIntervalReadingsNoFallbackForHourly(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	start := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	if _, err := client.FetchIntervalReadings(context.Background(), start, start.Add(24*time.Hour), "HOUR"); err != nil {
		t.Fatalf("FetchIntervalReadings: %v", err)
	}
	if len(fake.measurementCalls) != 1 || fake.measurementCalls[0] != "HOUR_INTERVAL" {
		t.Fatalf("measurement calls = %v, want [HOUR_INTERVAL]", fake.measurementCalls)
	}
}

func TestFetchManualReadingsSkipsBadRows(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	readings, err := client.FetchManualReadings(context.Background())
	if err != nil {
		t.Fatalf("FetchManualReadings: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("readings = %d, want 2 (bad value row dropped)", len(readings))
	}
	if readings[0].Value != 1000.0 || readings[0].Source != "CUSTOMER" {
		t.Fatalf("unexpected first reading %+v", readings[0])
	}
	if got := readings[0].Date.Format("2006-01-02"); got != "2024-02-01" {
		t.Fatalf("first reading date = %s", got)
	}
	// Timestamped readingDate variant is parsed to midnight.
	if got := readings[1].Date.Format("2006-01-02"); got != "2024-01-01" {
		t.Fatalf("second reading date = %s", got)
	}
}

func TestFetchBalanceConvertsPence(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	balance, err := client.FetchBalance(context.Background())
	if err != nil {
		t.Fatalf("FetchBalance: %v", err)
	}
	if balance.Pence != 12345 || balance.GBP != 123.45 {
		t.Fatalf("balance = %+v", balance)
	}
}

func TestFetchNextPaymentForecastPrefersWaterLedger(t *testing.T) {
	fake := &fakeKraken{t: t}
	client, _ := newTestClient(t, fake)

	forecast, err := client.FetchNextPaymentForecast(context.Background())
	if err != nil {
		t.Fatalf("FetchNextPaymentForecast: %v", err)
	}
	if forecast.LedgerNumber != "L-2" {
		t.Fatalf("ledger = %q, want the water ledger L-2", forecast.LedgerNumber)
	}
	if forecast.AmountGBP != 31.50 || forecast.Date != "2024-04-01" {
		t.Fatalf("forecast = %+v", forecast)
	}
}

func TestGenerateAPIKeyStripsBearerPrefix(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		writeData(w, map[string]any{
			"regenerateSecretKey": map[string]any{"key": "new-key"},
		})
	}))
	t.Cleanup(server.Close)

	key, err := GenerateAPIKey(context.Background(), server.URL, "Bearer browser-token")
	if err != nil {
		t.Fatalf("GenerateAPIKey: %v", err)
	}
	if key != "new-key" {
		t.Fatalf("key = %q", key)
	}
	if gotAuth != "browser-token" {
		t.Fatalf("authorization header = %q, want bare token", gotAuth)
	}
}
