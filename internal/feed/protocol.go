package feed

import (
	"encoding/json"
	"fmt"
	"time"

	"market-pipeline/internal/model"
)

// subscribeFrame is sent once per symbol after the socket opens.
type subscribeFrame struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

type inboundFrame struct {
	Type string        `json:"type"`
	Data []tradeRecord `json:"data"`
	Msg  string        `json:"msg"`
}

// tradeRecord is one trade inside a "trade" frame. Conditions are carried
// verbatim and not interpreted.
type tradeRecord struct {
	Symbol     string          `json:"s"`
	Price      *float64        `json:"p"`
	Volume     *float64        `json:"v"`
	TimeMs     int64           `json:"t"`
	Conditions json.RawMessage `json:"c"`
	Side       string          `json:"side"`
}

// parseFrame decodes one inbound text frame. Ping frames yield no ticks.
// Records that fail validation are skipped and counted in dropped; a frame
// of unknown shape returns ErrMalformedInput.
func parseFrame(raw []byte, receipt time.Time) (ticks []model.Tick, dropped int, err error) {
	var f inboundFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, 0, fmt.Errorf("%w: decode frame: %v", model.ErrMalformedInput, err)
	}

	switch f.Type {
	case "ping":
		return nil, 0, nil
	case "trade":
	case "error":
		return nil, 0, fmt.Errorf("%w: feed error frame: %s", model.ErrMalformedInput, f.Msg)
	default:
		return nil, 0, fmt.Errorf("%w: unexpected frame type %q", model.ErrMalformedInput, f.Type)
	}

	ticks = make([]model.Tick, 0, len(f.Data))
	for _, rec := range f.Data {
		t := model.Tick{
			Symbol:    rec.Symbol,
			Side:      model.ParseSide(rec.Side),
			ReceiptTS: receipt,
		}
		if rec.Price != nil {
			t.Price = *rec.Price
		}
		if rec.Volume != nil {
			t.Size = *rec.Volume
		}
		if rec.TimeMs > 0 {
			t.ExchangeTS = time.UnixMilli(rec.TimeMs).UTC()
		}
		if err := t.Validate(); err != nil {
			dropped++
			continue
		}
		ticks = append(ticks, t)
	}
	return ticks, dropped, nil
}
