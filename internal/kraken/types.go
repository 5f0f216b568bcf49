package kraken

import "encoding/json"

type graphQLRequest struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type graphQLEnvelope struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphQLError  `json:"errors"`
}

// Raw response shapes, decoded at the boundary only. The rest of the
// module sees the typed records below.

type obtainTokenData struct {
	ObtainKrakenToken *struct {
		Token        string `json:"token"`
		RefreshToken string `json:"refreshToken"`
	} `json:"obtainKrakenToken"`
}

type regenerateKeyData struct {
	RegenerateSecretKey *struct {
		Key string `json:"key"`
	} `json:"regenerateSecretKey"`
}

type accountListData struct {
	Viewer *struct {
		Accounts []struct {
			Number string `json:"number"`
		} `json:"accounts"`
	} `json:"viewer"`
}

type meterIdentifiersData struct {
	Account *struct {
		Properties []struct {
			ActiveWaterMeters []struct {
				MeterPointReference string `json:"meterPointReference"`
				SerialNumber        string `json:"serialNumber"`
				CapabilityType      string `json:"capabilityType"`
			} `json:"activeWaterMeters"`
		} `json:"properties"`
	} `json:"account"`
}

type measurementsData struct {
	Account *struct {
		Properties []struct {
			Measurements struct {
				Edges []struct {
					Node struct {
						StartAt string      `json:"startAt"`
						EndAt   string      `json:"endAt"`
						Value   json.Number `json:"value"`
						Unit    string      `json:"unit"`
						ReadAt  string      `json:"readAt"`
					} `json:"node"`
				} `json:"edges"`
			} `json:"measurements"`
		} `json:"properties"`
	} `json:"account"`
}

type manualReadingsData struct {
	Account *struct {
		Properties []struct {
			ActiveWaterMeters []struct {
				ID       string `json:"id"`
				Readings struct {
					Edges []struct {
						Node struct {
							ValueCubicMetres json.Number `json:"valueCubicMetres"`
							ReadingDate      string      `json:"readingDate"`
							Source           string      `json:"source"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"readings"`
			} `json:"activeWaterMeters"`
		} `json:"properties"`
	} `json:"account"`
}

type meterDetailsData struct {
	Account *struct {
		Properties []struct {
			ActiveWaterMeters []struct {
				ID             string      `json:"id"`
				SerialNumber   string      `json:"serialNumber"`
				NumberOfDigits json.Number `json:"numberOfDigits"`
				Readings       struct {
					Edges []struct {
						Node struct {
							ID               string      `json:"id"`
							ValueCubicMetres json.Number `json:"valueCubicMetres"`
							ReadingDate      string      `json:"readingDate"`
							Source           string      `json:"source"`
							IsHeld           bool        `json:"isHeld"`
						} `json:"node"`
					} `json:"edges"`
				} `json:"readings"`
			} `json:"activeWaterMeters"`
		} `json:"properties"`
	} `json:"account"`
}

type balanceData struct {
	Account *struct {
		Balance json.Number `json:"balance"`
	} `json:"account"`
}

type rateLimitData struct {
	RateLimitInfo *struct {
		PointsAllowanceRateLimit *struct {
			IsBlocked       bool        `json:"isBlocked"`
			Limit           json.Number `json:"limit"`
			RemainingPoints json.Number `json:"remainingPoints"`
			TTL             json.Number `json:"ttl"`
			UsedPoints      json.Number `json:"usedPoints"`
		} `json:"pointsAllowanceRateLimit"`
	} `json:"rateLimitInfo"`
}

type paymentScheduleData struct {
	Account *struct {
		PaymentSchedules struct {
			Edges []struct {
				Node struct {
					ID                         string      `json:"id"`
					PaymentDay                 json.Number `json:"paymentDay"`
					PaymentAmount              json.Number `json:"paymentAmount"`
					PaymentFrequency           string      `json:"paymentFrequency"`
					PaymentFrequencyMultiplier json.Number `json:"paymentFrequencyMultiplier"`
					IsVariablePaymentAmount    bool        `json:"isVariablePaymentAmount"`
					ValidTo                    string      `json:"validTo"`
					ScheduleType               string      `json:"scheduleType"`
					PaymentPlan                string      `json:"paymentPlan"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"paymentSchedules"`
	} `json:"account"`
}

type ledgersData struct {
	Account *struct {
		Ledgers []struct {
			LedgerType          string      `json:"ledgerType"`
			Number              string      `json:"number"`
			PaymentsOutstanding json.Number `json:"paymentsOutstanding"`
		} `json:"ledgers"`
	} `json:"account"`
}

type paymentForecastData struct {
	Account *struct {
		PaginatedPaymentForecast struct {
			Edges []struct {
				Node struct {
					Date   string      `json:"date"`
					Amount json.Number `json:"amount"`
				} `json:"node"`
			} `json:"edges"`
		} `json:"paginatedPaymentForecast"`
	} `json:"account"`
}

// MeterIdentifiers are the smart-meter identifiers discovered for an
// account.
type MeterIdentifiers struct {
	MarketSupplyPointID string
	SerialNumber        string
	CapabilityType      string
}

// Balance is the account balance. The API returns it pence-like, without
// a decimal point.
type Balance struct {
	Pence int64
	GBP   float64
}

// RateLimitInfo reports the API's point allowance.
type RateLimitInfo struct {
	IsBlocked       bool
	Limit           int64
	RemainingPoints int64
	TTL             int64
	UsedPoints      int64
}

// PaymentSchedule is the current active payment schedule.
type PaymentSchedule struct {
	ID                      string
	PaymentDay              int64
	AmountPence             int64
	AmountGBP               float64
	Frequency               string
	FrequencyMultiplier     int64
	IsVariablePaymentAmount bool
	ValidTo                 string
	ScheduleType            string
	PaymentPlan             string
}

// Ledger is one account ledger.
type Ledger struct {
	Type   string
	Number string
}

// PaymentForecast is the next upcoming payment.
type PaymentForecast struct {
	LedgerNumber string
	Date         string
	AmountPence  int64
	AmountGBP    float64
}

// MeterDetails carries meter metadata and the latest reading.
type MeterDetails struct {
	InternalID          string
	SerialNumber        string
	NumberOfDigits      int64
	LatestReading       float64
	LatestReadingDate   string
	LatestReadingSource string
	LatestReadingID     string
	LatestReadingIsHeld bool
	HasLatestReading    bool
}
