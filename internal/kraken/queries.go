package kraken

// GraphQL documents for the Kraken water API.

const authMutation = `
mutation ObtainKrakenToken($input: ObtainJSONWebTokenInput!) {
  obtainKrakenToken(input: $input) {
    token
    payload
    refreshToken
    refreshExpiresIn
  }
}
`

const apiKeyMutation = `
mutation {
  regenerateSecretKey {
    key
  }
}
`

const accountListQuery = `
query AccountNumberList {
  viewer {
    accounts {
      number
    }
  }
}
`

const meterIdentifiersQuery = `
query GetMeterIdentifiers($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    properties {
      activeWaterMeters {
        meterPointReference
        serialNumber
        capabilityType
      }
    }
  }
}
`

const meterReadingsQuery = `
query MeterReadings($accountNumber: String!, $activeFrom: DateTime) {
  account(accountNumber: $accountNumber) {
    properties(activeFrom: $activeFrom) {
      activeWaterMeters {
        id
        numberOfDigits
        readings(first: 10, excludeHeld: true, excludeQuarantined: true) {
          edges {
            node {
              valueCubicMetres
              readingDate
              source
            }
          }
        }
      }
    }
  }
}
`

const smartMeterReadingsQuery = `
query SmartMeterReadings($accountNumber: String!, $startAt: DateTime, $endAt: DateTime, $utilityFilters: [UtilityFiltersInput]!) {
  account(accountNumber: $accountNumber) {
    properties {
      measurements(
        first: 1000
        startAt: $startAt
        endAt: $endAt
        utilityFilters: $utilityFilters
      ) {
        edges {
          node {
            ... on IntervalMeasurementType {
              startAt
              endAt
            }
            value
            unit
            readAt
          }
        }
      }
    }
  }
}
`

const meterDetailsQuery = `
query MeterDetails($accountNumber: String!, $excludeHeld: Boolean, $first: Int, $activeFrom: DateTime) {
  account(accountNumber: $accountNumber) {
    properties(activeFrom: $activeFrom) {
      activeWaterMeters {
        id
        serialNumber
        numberOfDigits
        readings(first: $first, excludeHeld: $excludeHeld) {
          edges {
            node {
              id
              valueCubicMetres
              readingDate
              source
              isHeld
            }
          }
        }
      }
    }
  }
}
`

const balanceQuery = `
query GetBalance($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    balance
  }
}
`

const rateLimitQuery = `
query apiRateLimitInfo {
  rateLimitInfo {
    pointsAllowanceRateLimit {
      isBlocked
      limit
      remainingPoints
      ttl
      usedPoints
    }
  }
}
`

const paymentScheduleQuery = `
query CurrentActivePaymentSchedule($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    paymentSchedules(first: 1, activeOnDate: null) {
      edges {
        node {
          id
          paymentDay
          paymentAmount
          paymentFrequency
          paymentFrequencyMultiplier
          isVariablePaymentAmount
          validTo
          scheduleType
          paymentPlan
        }
      }
    }
  }
}
`

const outstandingPaymentQuery = `
query OutstandingPayment($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    ledgers {
      paymentsOutstanding
    }
  }
}
`

const ledgersQuery = `
query Ledgers($accountNumber: String!) {
  account(accountNumber: $accountNumber) {
    ledgers {
      ledgerType
      number
    }
  }
}
`

const paymentForecastQuery = `
query PaymentForecast($accountNumber: String!, $ledgerNumber: String!, $first: Int) {
  account(accountNumber: $accountNumber) {
    paginatedPaymentForecast(ledgerNumber: $ledgerNumber, first: $first) {
      edges {
        node {
          date
          amount
        }
      }
    }
  }
}
`
