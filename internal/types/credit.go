package types

// CreditPhase distinguishes warmup credits (progress-tracked but excluded
// from final statistics) from profiling credits (the only phase whose
// records land in ProfileResults), plus the two supplemental stages
// (preflight, soak) for a multi-stage run.
// Only PhaseProfiling ever contributes to ProfileResults.Records.
type CreditPhase string

const (
	PhaseWarmup     CreditPhase = "warmup"
	PhasePreflight  CreditPhase = "preflight"
	PhaseProfiling  CreditPhase = "profiling"
	PhaseSoak       CreditPhase = "soak"
)

// IsStatistical reports whether records dropped in this phase are eligible
// to appear in the final ProfileResults summary.
func (p CreditPhase) IsStatistical() bool {
	return p == PhaseProfiling
}

// CreditDrop is a single unit of permission to send one (possibly
// multi-turn) conversation, created by the credit scheduler and owned
// transiently by exactly one worker until it either completes or errors.
type CreditDrop struct {
	CreditNum      int64       `json:"credit_num"`
	Phase          CreditPhase `json:"phase"`
	CreditDropID   string      `json:"credit_drop_id"` // == request_id
	ConversationID string      `json:"conversation_id,omitempty"`
	ShouldCancel   bool        `json:"should_cancel"`
	CancelAfterNS  int64       `json:"cancel_after_ns,omitempty"`
	ScheduledPerfNS *int64     `json:"scheduled_perf_ns,omitempty"`
}

// CreditReturn is emitted by exactly one worker for every CreditDrop it
// consumes, under every error path (the backpressure contract: one drop,
// one return, no exceptions). It releases the scheduler's concurrency
// semaphore (concurrency strategy) or is simply counted (rate/fixed-schedule
// strategies).
type CreditReturn struct {
	Phase         CreditPhase `json:"phase"`
	CreditDropID  string      `json:"credit_drop_id"`
	DelayedNS     *int64      `json:"delayed_ns,omitempty"`
	RequestsSent  int         `json:"requests_sent"`
}
