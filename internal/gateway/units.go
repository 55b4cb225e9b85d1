package gateway

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// messagesPerUnit is the PATAS billing block: one unit covers up to 100
// messages, partial blocks round up.
const messagesPerUnit = 100

// MessageBatchUnits derives billable units from a {"messages": [...]}
// request body. Bodies that do not parse bill one unit; the upstream is the
// authority on rejecting them.
func MessageBatchUnits(body []byte) decimal.Decimal {
	var doc struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(body, &doc); err != nil || len(doc.Messages) == 0 {
		return decimal.NewFromInt(1)
	}
	blocks := (int64(len(doc.Messages)) + messagesPerUnit - 1) / messagesPerUnit
	return decimal.NewFromInt(blocks)
}
