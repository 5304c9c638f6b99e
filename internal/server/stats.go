package server

import "sync/atomic"

// Stats is a point-in-time snapshot of server counters.
type Stats struct {
	ActiveConnections  int   `json:"active_connections"`
	Accepted           int64 `json:"accepted"`
	Rejected           int64 `json:"rejected"`
	Registered         int64 `json:"registered"`
	ProtocolViolations int64 `json:"protocol_violations"`
	PurchasesAccepted  int64 `json:"purchases_accepted"`
	PurchasesRejected  int64 `json:"purchases_rejected"`
	SalesStarted       int64 `json:"sales_started"`
	SalesEnded         int64 `json:"sales_ended"`
	RateLimited        int64 `json:"rate_limited"`
}

type counters struct {
	accepted           atomic.Int64
	rejected           atomic.Int64
	registered         atomic.Int64
	protocolViolations atomic.Int64
	purchasesAccepted  atomic.Int64
	purchasesRejected  atomic.Int64
	salesStarted       atomic.Int64
	salesEnded         atomic.Int64
	rateLimited        atomic.Int64
}

func (c *counters) snapshot() Stats {
	return Stats{
		Accepted:           c.accepted.Load(),
		Rejected:           c.rejected.Load(),
		Registered:         c.registered.Load(),
		ProtocolViolations: c.protocolViolations.Load(),
		PurchasesAccepted:  c.purchasesAccepted.Load(),
		PurchasesRejected:  c.purchasesRejected.Load(),
		SalesStarted:       c.salesStarted.Load(),
		SalesEnded:         c.salesEnded.Load(),
		RateLimited:        c.rateLimited.Load(),
	}
}
