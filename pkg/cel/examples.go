package cel

// FilterExpressionExamples are filters accepted by dispatcher registrations.
var FilterExpressionExamples = map[string]string{
	"large_trade":         `payload.quantity * payload.price >= 10000.0`,
	"side":                `payload.side == "buy"`,
	"symbol_in_list":      `payload.symbol in ["BTC-USD", "ETH-USD"]`,
	"tournament_only":     `has(payload.tournament_id) && payload.tournament_id != ""`,
	"domain":              `domain == "gamification"`,
	"caused_events":       `causation_id != ""`,
	"xp_threshold":        `event_type == "gamification.xp_awarded" && payload.amount > 100`,
	"combined_conditions": `(payload.side == "buy" || payload.side == "sell") && payload.price > 0.0`,
}
