package domain

import "time"

// APIUsage is one outbound call to a model provider or the desk API.
type APIUsage struct {
	ID           int64     `json:"id"`
	Provider     string    `json:"provider"`
	Model        string    `json:"model,omitempty"`
	Operation    string    `json:"operation"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	DurationMS   int64     `json:"duration_ms"`
	Success      bool      `json:"success"`
	Error        string    `json:"error,omitempty"`
	CalledAt     time.Time `json:"called_at"`
}

// TemplateUsage records an agent inserting a response template.
type TemplateUsage struct {
	ID         int64     `json:"id"`
	TemplateID string    `json:"template_id"`
	Intent     Intent    `json:"intent,omitempty"`
	TicketID   string    `json:"ticket_id,omitempty"`
	UsedAt     time.Time `json:"used_at"`
}

type ReconciliationStatus string

const (
	ReconciliationPending   ReconciliationStatus = "pending"
	ReconciliationResolved  ReconciliationStatus = "resolved"
	ReconciliationAbandoned ReconciliationStatus = "abandoned"
)

// Reconciliation is a ticket field write that failed after retries and needs
// to be re-applied or fixed by hand.
type Reconciliation struct {
	ID         int64                `json:"id"`
	TicketID   string               `json:"ticket_id"`
	Field      string               `json:"field"`
	BackendKey string               `json:"backend_key"`
	Value      string               `json:"value"` // JSON encoded
	Error      string               `json:"error"`
	Attempts   int                  `json:"attempts"`
	Status     ReconciliationStatus `json:"status"`
	CreatedAt  time.Time            `json:"created_at"`
	UpdatedAt  time.Time            `json:"updated_at"`
}
