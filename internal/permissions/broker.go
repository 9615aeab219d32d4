package permissions

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/herolabs/hero/internal/frames"
	"github.com/herolabs/hero/internal/store"
	"github.com/herolabs/hero/pkg/models"
)

// DefaultPromptTimeout is how long a prompt waits for an answer before it
// resolves to deny.
const DefaultPromptTimeout = 5 * time.Minute

var (
	errQuestionTimeout   = errors.New("question timed out")
	errQuestionCancelled = errors.New("question cancelled")
	errQuestionClosed    = errors.New("prompt broker closed")
)

const (
	promptIDPrefix   = "perm-"
	questionIDPrefix = "ask-"
)

// IsPermissionPrompt reports whether an element id belongs to a permission
// prompt rather than a free-text question.
func IsPermissionPrompt(id string) bool {
	return strings.HasPrefix(id, promptIDPrefix)
}

// PromptRequest describes one permission question to put to the session.
type PromptRequest struct {
	SessionID   string
	OwnerUserID string
	Subject     models.Subject
	Resource    models.Resource

	// Timeout overrides the broker default when positive.
	Timeout time.Duration
}

// PendingPrompt is the externally visible state of an unanswered prompt.
type PendingPrompt struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Subject   models.Subject  `json:"subject"`
	Resource  models.Resource `json:"resource"`
	CreatedAt time.Time       `json:"created_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type pendingPrompt struct {
	PendingPrompt
	ownerUserID string
	// done is buffered so resolvers never block on a caller that has
	// already given up on the select.
	done chan models.PromptAnswer
}

// QuestionRequest describes one free-text question for the session's
// humans, as raised by an agent's ask element.
type QuestionRequest struct {
	SessionID string
	UserID    string
	Message   string
	Options   []string

	// Timeout overrides the broker default when positive.
	Timeout time.Duration
}

// PendingQuestion is the externally visible state of an unanswered
// question.
type PendingQuestion struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Message   string    `json:"message"`
	Options   []string  `json:"options,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type questionReply struct {
	answer string
	err    error
}

type pendingQuestion struct {
	PendingQuestion
	done chan questionReply
}

// Broker owns the in-flight permission prompts of this process. A prompt
// materializes as a system frame in the session; the answer arrives over
// REST and is routed back here by prompt id. The first resolution wins;
// later answers, cancels and timeouts for the same id are no-ops.
type Broker struct {
	store   store.Store
	logger  *slog.Logger
	timeout time.Duration

	mu        sync.Mutex
	pending   map[string]*pendingPrompt
	questions map[string]*pendingQuestion
	closed    bool
}

// NewBroker returns a broker appending prompt frames through st.
func NewBroker(st store.Store, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		store:     st,
		logger:    logger.With("component", "prompts"),
		timeout:   DefaultPromptTimeout,
		pending:   make(map[string]*pendingPrompt),
		questions: make(map[string]*pendingQuestion),
	}
}

// SetTimeout replaces the default prompt timeout. Zero or negative values
// are ignored.
func (b *Broker) SetTimeout(d time.Duration) {
	if d > 0 {
		b.timeout = d
	}
}

// Request appends a prompt frame to the session and blocks until the prompt
// is answered, cancelled, expired or the context ends. Every failure mode
// resolves to deny; the error is non-nil only when the caller's context
// ended or the prompt frame could not be written.
func (b *Broker) Request(ctx context.Context, req PromptRequest) (models.PromptAnswer, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	now := time.Now().UTC()
	entry := &pendingPrompt{
		PendingPrompt: PendingPrompt{
			ID:        promptIDPrefix + uuid.NewString(),
			SessionID: req.SessionID,
			Subject:   req.Subject,
			Resource:  req.Resource,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		ownerUserID: req.OwnerUserID,
		done:        make(chan models.PromptAnswer, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return models.AnswerDeny, nil
	}
	b.pending[entry.ID] = entry
	b.mu.Unlock()

	frame, err := frames.NewSystemMessage(req.SessionID, promptElement(entry), false)
	if err == nil {
		err = b.store.AppendFrame(ctx, frame)
	}
	if err != nil {
		b.take(entry.ID)
		return models.AnswerDeny, fmt.Errorf("write prompt frame: %w", err)
	}

	b.logger.Info("permission prompt opened",
		"prompt_id", entry.ID,
		"session_id", req.SessionID,
		"resource_type", req.Resource.Type,
		"resource_name", req.Resource.Name)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case answer := <-entry.done:
		return answer, nil
	case <-timer.C:
		if b.take(entry.ID) != nil {
			b.logger.Info("permission prompt timed out", "prompt_id", entry.ID)
			return models.AnswerDeny, nil
		}
		// Resolved while the timer fired; the answer is already queued.
		return <-entry.done, nil
	case <-ctx.Done():
		if b.take(entry.ID) != nil {
			return models.AnswerDeny, ctx.Err()
		}
		return <-entry.done, nil
	}
}

// HandleResponse routes a user's answer to its pending prompt. For allow
// answers it first records the matching rule so the decision outlives the
// prompt. Reports whether a prompt with that id was still pending.
func (b *Broker) HandleResponse(ctx context.Context, promptID string, answer models.PromptAnswer) bool {
	entry := b.take(promptID)
	if entry == nil {
		return false
	}

	if scope, ok := answer.RuleScope(); ok {
		rule := &models.PermissionRule{
			OwnerUserID:  entry.ownerUserID,
			SubjectType:  entry.Subject.Type,
			SubjectID:    entry.Subject.ID,
			ResourceType: entry.Resource.Type,
			ResourceName: entry.Resource.Name,
			Action:       models.ActionAllow,
			Scope:        scope,
		}
		if scope != models.ScopePermanent {
			rule.SessionID = entry.SessionID
		}
		if err := b.store.CreateRule(ctx, rule); err != nil {
			// The answer still resolves this prompt; it just won't
			// persist for the next evaluation.
			b.logger.Error("create rule from prompt answer", "prompt_id", promptID, "error", err)
		}
	} else {
		answer = models.AnswerDeny
	}

	b.logger.Info("permission prompt answered", "prompt_id", promptID, "answer", answer)
	entry.done <- answer
	return true
}

// Ask appends a question frame to the session and blocks until someone
// answers over REST, the timeout lapses or ctx ends. Unlike permission
// prompts there is no safe default answer, so every unresolved path is an
// error.
func (b *Broker) Ask(ctx context.Context, req QuestionRequest) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = b.timeout
	}
	now := time.Now().UTC()
	entry := &pendingQuestion{
		PendingQuestion: PendingQuestion{
			ID:        questionIDPrefix + uuid.NewString(),
			SessionID: req.SessionID,
			Message:   req.Message,
			Options:   req.Options,
			CreatedAt: now,
			ExpiresAt: now.Add(timeout),
		},
		done: make(chan questionReply, 1),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", errQuestionClosed
	}
	b.questions[entry.ID] = entry
	b.mu.Unlock()

	frame, err := frames.NewSystemMessage(req.SessionID, questionElement(entry), false)
	if err == nil {
		err = b.store.AppendFrame(ctx, frame)
	}
	if err != nil {
		b.takeQuestion(entry.ID)
		return "", fmt.Errorf("write question frame: %w", err)
	}

	b.logger.Info("question opened", "question_id", entry.ID, "session_id", req.SessionID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-entry.done:
		return reply.answer, reply.err
	case <-timer.C:
		if b.takeQuestion(entry.ID) != nil {
			b.logger.Info("question timed out", "question_id", entry.ID)
			return "", errQuestionTimeout
		}
		reply := <-entry.done
		return reply.answer, reply.err
	case <-ctx.Done():
		if b.takeQuestion(entry.ID) != nil {
			return "", ctx.Err()
		}
		reply := <-entry.done
		return reply.answer, reply.err
	}
}

// AnswerQuestion routes a free-text answer to its pending question.
// Reports whether a question with that id was still pending.
func (b *Broker) AnswerQuestion(questionID, answer string) bool {
	entry := b.takeQuestion(questionID)
	if entry == nil {
		return false
	}
	b.logger.Info("question answered", "question_id", questionID)
	entry.done <- questionReply{answer: answer}
	return true
}

// Cancel resolves a pending prompt to deny without creating a rule.
func (b *Broker) Cancel(promptID string) bool {
	entry := b.take(promptID)
	if entry == nil {
		return false
	}
	b.logger.Info("permission prompt cancelled", "prompt_id", promptID)
	entry.done <- models.AnswerDeny
	return true
}

// CancelSession resolves every pending prompt of one session to deny and
// every pending question to an error, returning how many it resolved. Used
// when a session is deleted or aborted mid-prompt.
func (b *Broker) CancelSession(sessionID string) int {
	b.mu.Lock()
	var entries []*pendingPrompt
	for id, entry := range b.pending {
		if entry.SessionID == sessionID {
			entries = append(entries, entry)
			delete(b.pending, id)
		}
	}
	var qEntries []*pendingQuestion
	for id, entry := range b.questions {
		if entry.SessionID == sessionID {
			qEntries = append(qEntries, entry)
			delete(b.questions, id)
		}
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.done <- models.AnswerDeny
	}
	for _, entry := range qEntries {
		entry.done <- questionReply{err: errQuestionCancelled}
	}
	return len(entries) + len(qEntries)
}

// List returns the pending prompts of a session, oldest first.
func (b *Broker) List(sessionID string) []PendingPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []PendingPrompt
	for _, entry := range b.pending {
		if entry.SessionID == sessionID {
			out = append(out, entry.PendingPrompt)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListQuestions returns the pending questions of a session, oldest first.
func (b *Broker) ListQuestions(sessionID string) []PendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()

	var out []PendingQuestion
	for _, entry := range b.questions {
		if entry.SessionID == sessionID {
			out = append(out, entry.PendingQuestion)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// PruneExpired resolves prompts and questions whose deadline passed. The
// waiting caller normally times itself out; this sweep covers entries whose
// waiter is already gone.
func (b *Broker) PruneExpired(now time.Time) int {
	b.mu.Lock()
	var entries []*pendingPrompt
	for id, entry := range b.pending {
		if entry.ExpiresAt.Before(now) {
			entries = append(entries, entry)
			delete(b.pending, id)
		}
	}
	var qEntries []*pendingQuestion
	for id, entry := range b.questions {
		if entry.ExpiresAt.Before(now) {
			qEntries = append(qEntries, entry)
			delete(b.questions, id)
		}
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.done <- models.AnswerDeny
	}
	for _, entry := range qEntries {
		entry.done <- questionReply{err: errQuestionTimeout}
	}
	return len(entries) + len(qEntries)
}

// Close resolves all pending prompts and questions and rejects new ones.
// Safe to call more than once.
func (b *Broker) Close() {
	b.mu.Lock()
	b.closed = true
	entries := make([]*pendingPrompt, 0, len(b.pending))
	for id, entry := range b.pending {
		entries = append(entries, entry)
		delete(b.pending, id)
	}
	qEntries := make([]*pendingQuestion, 0, len(b.questions))
	for id, entry := range b.questions {
		qEntries = append(qEntries, entry)
		delete(b.questions, id)
	}
	b.mu.Unlock()

	for _, entry := range entries {
		entry.done <- models.AnswerDeny
	}
	for _, entry := range qEntries {
		entry.done <- questionReply{err: errQuestionClosed}
	}
}

// take removes and returns a pending entry, or nil if it was already
// resolved. Exactly one caller gets the entry; that caller must send on
// done.
func (b *Broker) take(promptID string) *pendingPrompt {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.pending[promptID]
	if !ok {
		return nil
	}
	delete(b.pending, promptID)
	return entry
}

func (b *Broker) takeQuestion(questionID string) *pendingQuestion {
	b.mu.Lock()
	defer b.mu.Unlock()
	entry, ok := b.questions[questionID]
	if !ok {
		return nil
	}
	delete(b.questions, questionID)
	return entry
}

// promptElement renders the prompt as markup for clients to present. The
// element id doubles as the response routing key.
func promptElement(entry *pendingPrompt) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<permission-prompt id=%q subject-type=%q subject-id=%q resource-type=%q resource-name=%q>`,
		entry.ID,
		html.EscapeString(string(entry.Subject.Type)),
		html.EscapeString(entry.Subject.ID),
		html.EscapeString(string(entry.Resource.Type)),
		html.EscapeString(entry.Resource.Name))
	sb.WriteString("\n")
	choices := []struct {
		value models.PromptAnswer
		label string
	}{
		{models.AnswerAllowOnce, "Allow once"},
		{models.AnswerAllowSession, "Allow for this session"},
		{models.AnswerAllowAlways, "Always allow"},
		{models.AnswerDeny, "Deny"},
	}
	for _, c := range choices {
		fmt.Fprintf(&sb, "<label><input type=\"radio\" name=%q value=%q/>%s</label>\n",
			entry.ID, string(c.value), html.EscapeString(c.label))
	}
	sb.WriteString("</permission-prompt>")
	return sb.String()
}

// questionElement renders an agent question as markup for clients to
// present; without options the client shows a free-text input.
func questionElement(entry *pendingQuestion) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<question id=%q>`, entry.ID)
	sb.WriteString("\n")
	sb.WriteString(html.EscapeString(entry.Message))
	sb.WriteString("\n")
	for _, opt := range entry.Options {
		fmt.Fprintf(&sb, "<label><input type=\"radio\" name=%q value=%q/>%s</label>\n",
			entry.ID, html.EscapeString(opt), html.EscapeString(opt))
	}
	sb.WriteString("</question>")
	return sb.String()
}
