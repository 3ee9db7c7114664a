package model

import "time"

// ExchangeSnapshot is the readiness-endpoint view of one (exchange,
// contract_type) group's upstream sessions, aggregated across every session
// in that group. Declared here, rather than in sessionmanager or upstream,
// so the health package's ExchangeChecker interface can depend on it without
// importing either.
type ExchangeSnapshot struct {
	Exchange            string
	ContractType        string
	ActiveConnections   int
	LastMessageTime     *time.Time
	TotalQuotes         uint64
	TotalErrors         uint64
	ConsecutiveFailures int
	CircuitState        string
	Healthy             bool
}
