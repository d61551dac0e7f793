// Package models provides data model definitions for the orderpad sync core.
package models

// EntityType is the closed set of business objects the queue can carry.
type EntityType string

const (
	EntityOrder     EntityType = "order"
	EntityPayment   EntityType = "payment"
	EntityProduct   EntityType = "product"
	EntityCategory  EntityType = "category"
	EntityCustomer  EntityType = "customer"
	EntityInventory EntityType = "inventory"
	EntityEmployee  EntityType = "employee"
	EntityTable     EntityType = "table"
	EntitySession   EntityType = "session"
	EntityReport    EntityType = "report"
	EntitySettings  EntityType = "settings"
)

// Valid reports whether the entity type belongs to the closed set.
func (e EntityType) Valid() bool {
	switch e {
	case EntityOrder, EntityPayment, EntityProduct, EntityCategory,
		EntityCustomer, EntityInventory, EntityEmployee, EntityTable,
		EntitySession, EntityReport, EntitySettings:
		return true
	}
	return false
}

// Sensitive reports whether payloads of this entity type must be
// encrypted at rest.
func (e EntityType) Sensitive() bool {
	switch e {
	case EntityPayment, EntityCustomer, EntityEmployee:
		return true
	}
	return false
}

// DefaultPriority returns the priority tier used when the caller does
// not request one explicitly.
func (e EntityType) DefaultPriority() Priority {
	switch e {
	case EntityPayment:
		return PriorityCritical
	case EntityOrder, EntitySession:
		return PriorityHigh
	case EntityInventory, EntityProduct, EntityCustomer:
		return PriorityMedium
	case EntityCategory, EntityEmployee, EntityTable, EntitySettings:
		return PriorityLow
	case EntityReport:
		return PriorityBackground
	default:
		return PriorityMedium
	}
}

// DefaultConflictStrategy returns the resolution policy applied when a
// request does not carry an explicit one.
func (e EntityType) DefaultConflictStrategy() ConflictStrategy {
	switch e {
	case EntityPayment, EntityOrder, EntityInventory, EntitySession:
		return StrategyServerWins
	case EntityProduct, EntityCategory, EntityEmployee, EntityTable,
		EntityReport, EntitySettings:
		return StrategyLastWriteWins
	case EntityCustomer:
		return StrategyMerge
	default:
		return StrategyServerWins
	}
}

// Action is the kind of mutation a queued request carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSync   Action = "sync"
	ActionBatch  Action = "batch"
)

// Valid reports whether the action belongs to the closed set.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete, ActionSync, ActionBatch:
		return true
	}
	return false
}

// Mutating reports whether the action changes server state and is
// therefore subject to conflict detection.
func (a Action) Mutating() bool {
	return a == ActionUpdate || a == ActionDelete
}

// Priority is the dispatch tier of a queued request. Lower values are
// served first.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityMedium     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityMedium:
		return "medium"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Valid reports whether the priority is a known tier.
func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

// Status is the lifecycle state of a queued request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusConflict   Status = "conflict"
	StatusCancelled  Status = "cancelled"
)

// ConflictStrategy is the policy for reconciling divergent local and
// server state.
type ConflictStrategy string

const (
	StrategyServerWins    ConflictStrategy = "server_wins"
	StrategyClientWins    ConflictStrategy = "client_wins"
	StrategyLastWriteWins ConflictStrategy = "last_write_wins"
	StrategyMerge         ConflictStrategy = "merge"
	StrategyManual        ConflictStrategy = "manual"
)

// Valid reports whether the strategy is a known policy.
func (s ConflictStrategy) Valid() bool {
	switch s {
	case StrategyServerWins, StrategyClientWins, StrategyLastWriteWins,
		StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ConflictType classifies how local and server state diverged.
type ConflictType string

const (
	ConflictVersionMismatch  ConflictType = "version_mismatch"
	ConflictDeletedOnServer  ConflictType = "deleted_on_server"
	ConflictConcurrentUpdate ConflictType = "concurrent_update"
	ConflictBusinessRule     ConflictType = "business_rule"
)
