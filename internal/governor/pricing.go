package governor

import (
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/epicforge/governor/internal/config"
)

type priceInfo struct {
	Input    decimal.Decimal
	Output   decimal.Decimal
	Currency string
}

// Pricer converts token counts into cost cents using the configured
// per-1K-token prices. Sub-cent remainders are carried per org so the
// ledger totals stay accurate across many small requests.
type Pricer struct {
	priceMu sync.RWMutex
	prices  map[string]priceInfo

	remainderMu   sync.Mutex
	orgRemainders map[uuid.UUID]decimal.Decimal
}

func NewPricer(entries []config.ModelPrice) *Pricer {
	p := &Pricer{
		prices:        make(map[string]priceInfo),
		orgRemainders: make(map[uuid.UUID]decimal.Decimal),
	}
	p.LoadPrices(entries)
	return p
}

// LoadPrices seeds or refreshes the in-memory pricing table.
func (p *Pricer) LoadPrices(entries []config.ModelPrice) {
	p.priceMu.Lock()
	defer p.priceMu.Unlock()

	for _, entry := range entries {
		input := decimal.NewFromFloat(entry.PriceInput)
		output := decimal.NewFromFloat(entry.PriceOutput)
		if input.IsNegative() {
			input = decimal.Zero
		}
		if output.IsNegative() {
			output = decimal.Zero
		}
		p.prices[entry.Model] = priceInfo{
			Input:    input,
			Output:   output,
			Currency: entry.Currency,
		}
	}
}

// CostCents prices a completed invocation. Unknown models cost zero.
func (p *Pricer) CostCents(orgID uuid.UUID, model string, inputTokens, outputTokens int64) int64 {
	usd := p.costFor(model, inputTokens, outputTokens)
	return p.allocateCents(orgID, usd)
}

func (p *Pricer) costFor(model string, inputTokens, outputTokens int64) decimal.Decimal {
	price := p.priceFor(model)
	if price.Input.IsZero() && price.Output.IsZero() {
		return decimal.Zero
	}

	thousand := decimal.NewFromInt(1000)
	inputCost := price.Input.Mul(decimal.NewFromInt(inputTokens)).Div(thousand)
	outputCost := price.Output.Mul(decimal.NewFromInt(outputTokens)).Div(thousand)
	total := inputCost.Add(outputCost)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func (p *Pricer) priceFor(model string) priceInfo {
	p.priceMu.RLock()
	defer p.priceMu.RUnlock()
	return p.prices[model]
}

func (p *Pricer) allocateCents(orgID uuid.UUID, usd decimal.Decimal) int64 {
	if usd.IsZero() {
		return 0
	}
	cents := usd.Mul(decimal.NewFromInt(100))

	p.remainderMu.Lock()
	defer p.remainderMu.Unlock()

	total := p.orgRemainders[orgID].Add(cents)
	whole := total.Truncate(0)
	p.orgRemainders[orgID] = total.Sub(whole)
	if whole.IsZero() {
		return 0
	}
	return whole.IntPart()
}
