package domain

// OrderStatus values the orchestrator touches. The order workflow itself is
// owned by the surrounding application; the orchestrator only advances these
// two transitions and treats everything else as opaque.
type OrderStatus string

const (
	OrderStatusPaid             OrderStatus = "paid"
	OrderStatusShooting         OrderStatus = "shooting"
	OrderStatusRetouching       OrderStatus = "retouching"
	OrderStatusProcessing       OrderStatus = "processing"
	OrderStatusAIProcessing     OrderStatus = "ai_processing"
	OrderStatusPendingSelection OrderStatus = "pending_selection"
)

// PromotableToAIProcessing lists order states that submit may advance to
// ai_processing. The promotion is advisory; nothing in the core depends on it.
var PromotableToAIProcessing = []OrderStatus{
	OrderStatusRetouching,
	OrderStatusShooting,
	OrderStatusPaid,
	OrderStatusProcessing,
}
