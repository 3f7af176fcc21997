package model

import "context"

// User is a directory record. Role is the single business role the user holds.
type User struct {
	ID    string `json:"id" yaml:"id"`
	Role  string `json:"role" yaml:"role"`
	Email string `json:"email,omitempty" yaml:"email"`
}

// UserDirectory resolves users and role holders.
type UserDirectory interface {
	GetUserByID(ctx context.Context, id string) (User, error)
	GetUsersByRole(ctx context.Context, role string) ([]User, error)
}

// Notification types.
const (
	NotificationWorkflow = "workflow"
	NotificationApproval = "approval"
)

// Notification is a message addressed to a single user.
type Notification struct {
	UserID  string `json:"user_id"`
	Title   string `json:"title"`
	Message string `json:"message"`
	Type    string `json:"type"`
}

// Notifier delivers notifications. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// AuditRecord describes one auditable action.
type AuditRecord struct {
	Action   string         `json:"action"`
	EntityID string         `json:"entity_id"`
	UserID   string         `json:"user_id"`
	Details  map[string]any `json:"details,omitempty"`
	ModuleID string         `json:"module_id"`
}

// Auditor records audit entries in an external audit trail.
type Auditor interface {
	RecordAction(ctx context.Context, rec AuditRecord) error
}
