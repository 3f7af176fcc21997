package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/pitabwire/signoff/model"
)

// Assurance levels reported by the gate.
const (
	AssuranceVerified  = "verified"
	AssuranceDirectory = "directory"
)

// Decision values reported by the gate.
const (
	DecisionAllow = "allow"
	DecisionDeny  = "deny"
)

// AccessRequest is the input to a single gate decision.
type AccessRequest struct {
	Module       string
	WorkflowID   string
	StageNumber  int
	UserID       string
	ActorRole    string
	RequiredRole string
}

// Gate decides whether an actor may act on a stage. A supplied ActorRole is
// trusted as verified by the transport layer. When it is empty the gate falls
// back to the user directory, which is lower assurance and can be disabled.
type Gate struct {
	directory         model.UserDirectory
	directoryFallback bool
	logger            *zap.Logger
	metrics           Metrics
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithDirectoryFallback enables or disables the directory lookup used when no
// verified role is supplied.
func WithDirectoryFallback(enabled bool) GateOption {
	return func(g *Gate) { g.directoryFallback = enabled }
}

// WithGateLogger sets the gate logger.
func WithGateLogger(l *zap.Logger) GateOption {
	return func(g *Gate) { g.logger = l }
}

// WithGateMetrics sets the metrics recorder for gate decisions.
func WithGateMetrics(m Metrics) GateOption {
	return func(g *Gate) { g.metrics = m }
}

// NewGate creates a Gate. Directory fallback is enabled by default.
func NewGate(directory model.UserDirectory, opts ...GateOption) *Gate {
	g := &Gate{
		directory:         directory,
		directoryFallback: true,
		logger:            zap.NewNop(),
		metrics:           noopMetrics{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Allow reports whether the actor holds exactly the required role. It never
// returns an error: an unresolvable actor is denied.
func (g *Gate) Allow(ctx context.Context, req AccessRequest) bool {
	actual := req.ActorRole
	assurance := AssuranceVerified
	reason := ""

	if actual == "" {
		assurance = AssuranceDirectory
		switch {
		case !g.directoryFallback:
			reason = "no verified role and directory fallback disabled"
		case g.directory == nil || req.UserID == "":
			reason = "actor cannot be resolved"
		default:
			user, err := g.directory.GetUserByID(ctx, req.UserID)
			if err != nil {
				reason = "directory lookup failed: " + err.Error()
			} else {
				actual = user.Role
			}
		}
	}

	allowed := reason == "" && actual == req.RequiredRole
	if reason == "" && !allowed {
		reason = "role mismatch"
	}

	decision := DecisionDeny
	if allowed {
		decision = DecisionAllow
	}
	g.metrics.RecordAuthorizationDecision(req.Module, decision, assurance)

	fields := []zap.Field{
		zap.String("workflow_id", req.WorkflowID),
		zap.Int("stage_number", req.StageNumber),
		zap.String("user_id", req.UserID),
		zap.String("expected_role", req.RequiredRole),
		zap.String("actual_role", actual),
		zap.String("assurance", assurance),
		zap.String("decision", decision),
	}
	if allowed {
		g.logger.Info("authorization decision", fields...)
	} else {
		g.logger.Warn("authorization decision", append(fields, zap.String("reason", reason))...)
	}
	return allowed
}
