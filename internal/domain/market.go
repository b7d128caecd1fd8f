package domain

// MarketState holds the latest ingest state of a single instrument.
// Hot fields first.
type MarketState struct {
	Bid        float64 `json:"bid"`
	Ask        float64 `json:"ask"`
	LastUpdate float64 `json:"last_update"`
	EntryCount int64   `json:"entry_count"`
	Ready      bool    `json:"ready"`
	// Cold fields (less frequent access)
	Instrument string `json:"instrument"`
}

// Crossed reports whether the best bid reaches the best ask.
func (m MarketState) Crossed() bool {
	return m.Ready && m.Bid >= m.Ask
}

// Level is one price level with cumulative volume from the best price.
type Level struct {
	Price      float64 `json:"price"`
	Volume     float64 `json:"volume"`
	Cumulative float64 `json:"cumulative"`
}
