// Package permissions decides whether a subject may act on a resource.
//
// The engine evaluates stored rules first-match-wins after ordering by
// priority, specificity and age. When no rule matches it answers prompt, and
// the broker turns that into an interactive question in the session. The
// engine never answers allow on an internal failure; anything unexpected
// degrades to deny.
package permissions

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strconv"

	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Action models.PermissionAction
	// Rule is the matched rule. Nil when the action is the prompt default
	// or a fail-safe deny.
	Rule  *models.PermissionRule
	Scope models.PermissionScope
	// Reason is set on fail-safe denies.
	Reason string
}

// EvalContext scopes one permission check to an owner and session. Args are
// the interaction's arguments, exposed to rule conditions under "args.".
type EvalContext struct {
	OwnerUserID string
	SessionID   string
	Args        map[string]any
}

// Engine evaluates permission rules.
type Engine struct {
	rules  store.RuleStore
	logger *slog.Logger
}

// NewEngine creates an engine over the given rule store.
func NewEngine(rules store.RuleStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{rules: rules, logger: logger.With("component", "permissions")}
}

// Evaluate answers what should happen when subject acts on resource:
//  1. Load candidate rules (subject/resource match, scope bound to the
//     context's owner or session).
//  2. Drop candidates whose conditions do not hold.
//  3. Order by priority descending, specificity, then age ascending; the
//     first rule wins.
//
// No matching rule yields prompt. Any internal failure yields deny.
func (e *Engine) Evaluate(ctx context.Context, subject models.Subject, resource models.Resource, ec EvalContext) (decision Decision) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("permission evaluation panicked",
				"panic", r,
				"subject", string(subject.Type)+":"+subject.ID,
				"resource", string(resource.Type)+":"+resource.Name)
			decision = Decision{Action: models.ActionDeny, Reason: "internal evaluation error"}
		}
	}()

	candidates, err := e.rules.ListRules(ctx, store.RuleQuery{
		OwnerUserID:  ec.OwnerUserID,
		SessionID:    ec.SessionID,
		SubjectType:  subject.Type,
		SubjectID:    subject.ID,
		ResourceType: resource.Type,
		ResourceName: resource.Name,
	})
	if err != nil {
		e.logger.Error("permission rule lookup failed", "error", err, "session_id", ec.SessionID)
		return Decision{Action: models.ActionDeny, Reason: "rule lookup failed"}
	}

	env := buildEnv(subject, resource, ec)
	matched := make([]*models.PermissionRule, 0, len(candidates))
	for _, rule := range candidates {
		if conditionsMatch(rule.Conditions, env, ec.SessionID) {
			matched = append(matched, rule)
		}
	}
	if len(matched) == 0 {
		return Decision{Action: models.ActionPrompt}
	}

	sortRules(matched)
	first := matched[0]
	return Decision{Action: first.Action, Rule: first, Scope: first.Scope}
}

// ConsumeOnce deletes a once-scoped rule after its allow decision has been
// committed. A rule already gone was consumed by a concurrent commit; that is
// not an error.
func (e *Engine) ConsumeOnce(ctx context.Context, d Decision) {
	if d.Action != models.ActionAllow || d.Scope != models.ScopeOnce || d.Rule == nil {
		return
	}
	if err := e.rules.DeleteRule(ctx, d.Rule.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		e.logger.Warn("failed to consume once rule", "rule_id", d.Rule.ID, "error", err)
	}
}

// sortRules orders candidates so the first element is the winning rule:
// priority descending, explicit subject before wildcard, explicit resource
// name before null, oldest first. The final id tiebreak keeps the order total.
func sortRules(rules []*models.PermissionRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if sa, sb := specificity(a), specificity(b); sa != sb {
			return sa > sb
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func specificity(r *models.PermissionRule) int {
	s := 0
	if r.SubjectID != "" {
		s += 2
	}
	if r.ResourceName != "" {
		s++
	}
	return s
}

// buildEnv flattens the check into the fact map conditions test against.
func buildEnv(subject models.Subject, resource models.Resource, ec EvalContext) map[string]any {
	env := map[string]any{
		"subject.type":  string(subject.Type),
		"subject.id":    subject.ID,
		"resource.type": string(resource.Type),
		"resource.name": resource.Name,
		"session.id":    ec.SessionID,
		"owner.id":      ec.OwnerUserID,
	}
	for k, v := range ec.Args {
		env["args."+k] = v
	}
	return env
}

// toNumber coerces env and condition values to float64 for comparison.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
