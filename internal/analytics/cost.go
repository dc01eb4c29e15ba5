package analytics

import (
	"context"
	"sort"
	"strings"
)

// Price is USD per million tokens.
type Price struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// PriceTable is keyed by model name or model name prefix.
type PriceTable map[string]Price

func DefaultPrices() PriceTable {
	return PriceTable{
		"claude-sonnet-4":   {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-7-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-5-sonnet": {InputPerMTok: 3, OutputPerMTok: 15},
		"claude-3-5-haiku":  {InputPerMTok: 0.8, OutputPerMTok: 4},
		"claude-haiku-4":    {InputPerMTok: 1, OutputPerMTok: 5},
		"claude-opus-4":     {InputPerMTok: 15, OutputPerMTok: 75},
		"gpt-4o-mini":       {InputPerMTok: 0.15, OutputPerMTok: 0.6},
		"gpt-4o":            {InputPerMTok: 2.5, OutputPerMTok: 10},
		"gpt-4.1-mini":      {InputPerMTok: 0.4, OutputPerMTok: 1.6},
		"gpt-4.1":           {InputPerMTok: 2, OutputPerMTok: 8},
	}
}

// Lookup finds the price for model by exact name, then by the longest
// matching prefix.
func (pt PriceTable) Lookup(model string) (Price, bool) {
	if p, ok := pt[model]; ok {
		return p, true
	}
	best, found := "", false
	for k := range pt {
		if strings.HasPrefix(model, k) && len(k) > len(best) {
			best, found = k, true
		}
	}
	if !found {
		return Price{}, false
	}
	return pt[best], true
}

// Cost estimates the USD cost of one call. Unknown models cost 0.
func (pt PriceTable) Cost(model string, inputTokens, outputTokens int64) float64 {
	p, ok := pt.Lookup(model)
	if !ok {
		return 0
	}
	return (float64(inputTokens)*p.InputPerMTok + float64(outputTokens)*p.OutputPerMTok) / 1e6
}

type TokenBreakdown struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	TotalTokens  int64 `json:"total_tokens"`
}

type DailyCost struct {
	Date  string  `json:"date"`
	Cost  float64 `json:"cost"`
	Calls int     `json:"calls"`
}

type CallCount struct {
	CallType string `json:"call_type"`
	Count    int    `json:"count"`
}

type ModelCost struct {
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Calls    int     `json:"calls"`
	CostUSD  float64 `json:"cost_usd"`
}

type APIUsage struct {
	TotalAPICalls    int            `json:"total_api_calls"`
	TotalLLMCalls    int            `json:"total_llm_calls"`
	TotalDeskCalls   int            `json:"total_desk_calls"`
	TotalCostUSD     float64        `json:"total_cost_usd"`
	AvgCostPerTicket float64        `json:"avg_cost_per_ticket"`
	Tokens           TokenBreakdown `json:"token_breakdown"`
	CostOverTime     []DailyCost    `json:"cost_over_time"`
	CallsByType      []CallCount    `json:"calls_by_type"`
	CostByModel      []ModelCost    `json:"cost_by_model"`
	FailedCalls      int            `json:"failed_calls"`
	ErrorRate        float64        `json:"error_rate"`
}

const deskProvider = "desk"

func (d *DashboardSession) APIUsage(ctx context.Context) (APIUsage, error) {
	usage, err := d.loadUsage(ctx)
	if err != nil {
		return APIUsage{}, err
	}
	events, err := d.loadEvents(ctx)
	if err != nil {
		return APIUsage{}, err
	}

	out := APIUsage{
		TotalAPICalls: len(usage),
		CostOverTime:  []DailyCost{},
		CallsByType:   []CallCount{},
		CostByModel:   []ModelCost{},
	}
	type dayAcc struct {
		cost  float64
		calls int
	}
	daily := map[string]*dayAcc{}
	types := map[string]int{}
	models := map[[2]string]*ModelCost{}
	for _, u := range usage {
		if u.Provider == deskProvider {
			out.TotalDeskCalls++
		} else {
			out.TotalLLMCalls++
		}
		if !u.Success {
			out.FailedCalls++
		}
		out.Tokens.InputTokens += u.InputTokens
		out.Tokens.OutputTokens += u.OutputTokens
		types[u.Provider+":"+u.Operation]++

		cost := d.svc.prices.Cost(u.Model, u.InputTokens, u.OutputTokens)
		out.TotalCostUSD += cost
		acc := daily[day(u.CalledAt)]
		if acc == nil {
			acc = &dayAcc{}
			daily[day(u.CalledAt)] = acc
		}
		acc.cost += cost
		acc.calls++

		if u.Provider != deskProvider {
			k := [2]string{u.Provider, u.Model}
			mc := models[k]
			if mc == nil {
				mc = &ModelCost{Provider: u.Provider, Model: u.Model}
				models[k] = mc
			}
			mc.Calls++
			mc.CostUSD += cost
		}
	}
	out.Tokens.TotalTokens = out.Tokens.InputTokens + out.Tokens.OutputTokens
	out.ErrorRate = percent(out.FailedCalls, out.TotalAPICalls)

	tickets := map[string]struct{}{}
	for _, ev := range events {
		tickets[ev.TicketID] = struct{}{}
	}
	if len(tickets) > 0 {
		out.AvgCostPerTicket = round(out.TotalCostUSD/float64(len(tickets)), 6)
	}
	out.TotalCostUSD = round(out.TotalCostUSD, 4)

	for dt, acc := range daily {
		out.CostOverTime = append(out.CostOverTime, DailyCost{Date: dt, Cost: round(acc.cost, 6), Calls: acc.calls})
	}
	sort.Slice(out.CostOverTime, func(i, j int) bool { return out.CostOverTime[i].Date < out.CostOverTime[j].Date })

	for k, n := range types {
		out.CallsByType = append(out.CallsByType, CallCount{CallType: k, Count: n})
	}
	sort.Slice(out.CallsByType, func(i, j int) bool {
		if out.CallsByType[i].Count != out.CallsByType[j].Count {
			return out.CallsByType[i].Count > out.CallsByType[j].Count
		}
		return out.CallsByType[i].CallType < out.CallsByType[j].CallType
	})

	for _, mc := range models {
		mc.CostUSD = round(mc.CostUSD, 6)
		out.CostByModel = append(out.CostByModel, *mc)
	}
	sort.Slice(out.CostByModel, func(i, j int) bool {
		a, b := out.CostByModel[i], out.CostByModel[j]
		if a.Provider != b.Provider {
			return a.Provider < b.Provider
		}
		return a.Model < b.Model
	})
	return out, nil
}

