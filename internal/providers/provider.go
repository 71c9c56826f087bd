// Package providers defines the data-provider boundary the enrichment
// stage consumes. Providers are interchangeable behind the fetch shape;
// retry and circuit-breaking for a specific vendor belong to its adapter,
// not to the engine.
package providers

import (
	"context"
	"encoding/json"
)

// DataKind names one category of auxiliary data.
type DataKind string

const (
	DataQuote        DataKind = "quote"
	DataChain        DataKind = "chain"
	DataHistory      DataKind = "history"
	DataFundamentals DataKind = "fundamentals"
	DataCalendar     DataKind = "calendar"
	DataSentiment    DataKind = "sentiment"
)

// Provider fetches one kind of data for a symbol. The payload is the raw
// JSON document for the corresponding domain type.
type Provider interface {
	Name() string
	Fetch(ctx context.Context, symbol string, kind DataKind) (json.RawMessage, error)
}
