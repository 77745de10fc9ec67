// Package layers holds the fixed set of reply detection strategies.
//
// Every layer answers the same question for one sent email using a different
// provider capability. A layer that cannot run reports Healthy=false; a layer
// that ran and saw nothing reports Healthy=true, Found=false.
package layers

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/cuongbtq/replywatch/internal/domain"
	"github.com/cuongbtq/replywatch/internal/provider"
	"golang.org/x/sync/errgroup"
)

const defaultMaxResults = 50

var (
	// ErrMissingInput means the sent email lacks the field a layer searches by.
	ErrMissingInput = errors.New("layer input missing")

	// ErrUnknownLayer is returned for ids outside the closed set.
	ErrUnknownLayer = errors.New("unknown layer")
)

// Input is everything a layer may look at for one job attempt.
type Input struct {
	UserID    string
	UserEmail string
	SentEmail domain.SentEmail
	Contact   domain.Contact
	Adapter   provider.Adapter
}

// scan is one layer's search. It returns the candidate messages it looked at
// and the number of provider queries it issued.
type scan func(ctx context.Context, in Input) (msgs []provider.Message, queries int, err error)

type layer struct {
	confidence float64
	scan       scan
	// accept further filters candidates beyond the common reply rules.
	accept func(in Input, m provider.Message) bool
}

var registry = map[domain.LayerID]layer{
	domain.LayerThreadLookup:   {confidence: 0.95, scan: scanThread},
	domain.LayerMessageID:      {confidence: 0.95, scan: scanMessageID},
	domain.LayerSenderSweep:    {confidence: 0.80, scan: scanSender},
	domain.LayerDomainSweep:    {confidence: 0.60, scan: scanDomain, accept: subjectMatches},
	domain.LayerDisplayName:    {confidence: 0.60, scan: scanDisplayName, accept: displayNameMatches},
	domain.LayerAliasHeuristic: {confidence: 0.50, scan: scanAlias, accept: aliasMatches},
	domain.LayerHistory:        {confidence: 0.85, scan: scanHistory, accept: fromContactOrThread},
}

// Confidence returns the base confidence of a layer's positive result.
func Confidence(id domain.LayerID) float64 {
	return registry[id].confidence
}

// Execute runs a single layer. It never panics and never returns an error;
// failures are reported through the result.
func Execute(ctx context.Context, id domain.LayerID, in Input) (result domain.LayerExecutionResult) {
	start := time.Now()
	result.Layer = id

	defer func() {
		if r := recover(); r != nil {
			result.Healthy = false
			result.Found = false
			result.Reply = nil
			result.Error = fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
		}
		result.DurationMs = time.Since(start).Milliseconds()
	}()

	l, ok := registry[id]
	if !ok {
		result.Error = fmt.Errorf("%w: %s", ErrUnknownLayer, id).Error()
		return result
	}
	if in.Adapter == nil {
		result.Error = "no provider adapter"
		return result
	}

	msgs, queries, err := l.scan(ctx, in)
	result.QueriesRun = queries
	result.MessagesScanned = len(msgs)
	if err != nil {
		result.Error = err.Error()
		result.AuthFailure = errors.Is(err, provider.ErrUnauthorized)
		return result
	}

	result.Healthy = true
	if m, ok := firstReply(in, msgs, l.accept); ok {
		result.Found = true
		result.Confidence = l.confidence
		result.Reply = &domain.DetectedReply{
			ProviderMessageID: m.ID,
			ThreadID:          m.ThreadID,
			SenderEmail:       strings.ToLower(m.From),
			ReceivedAt:        m.ReceivedAt,
			Subject:           m.Subject,
			Snippet:           m.Snippet,
			Layer:             id,
			Confidence:        l.confidence,
		}
	}
	return result
}

// RunAll executes the given layers concurrently and returns results in the
// order of ids.
func RunAll(ctx context.Context, ids []domain.LayerID, in Input) []domain.LayerExecutionResult {
	results := make([]domain.LayerExecutionResult, len(ids))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			results[i] = Execute(gctx, id, in)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// firstReply picks the earliest message that is a reply to the sent email.
func firstReply(in Input, msgs []provider.Message, accept func(Input, provider.Message) bool) (provider.Message, bool) {
	candidates := make([]provider.Message, 0, len(msgs))
	for _, m := range msgs {
		if !isReplyCandidate(in, m) {
			continue
		}
		if accept != nil && !accept(in, m) {
			continue
		}
		candidates = append(candidates, m)
	}
	if len(candidates) == 0 {
		return provider.Message{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ReceivedAt.Before(candidates[j].ReceivedAt)
	})
	return candidates[0], true
}

func isReplyCandidate(in Input, m provider.Message) bool {
	if m.ID == "" {
		return false
	}
	if !m.ReceivedAt.After(in.SentEmail.SentAt) {
		return false
	}
	if in.UserEmail != "" && strings.EqualFold(m.From, in.UserEmail) {
		return false
	}
	if in.SentEmail.MessageID != "" && strings.EqualFold(m.MessageID, in.SentEmail.MessageID) {
		return false
	}
	return true
}

func scanThread(ctx context.Context, in Input) ([]provider.Message, int, error) {
	if in.SentEmail.ThreadID == "" {
		return nil, 0, fmt.Errorf("%w: thread id", ErrMissingInput)
	}
	msgs, err := in.Adapter.FetchThread(ctx, in.UserID, in.SentEmail.ThreadID)
	return msgs, 1, err
}

func scanMessageID(ctx context.Context, in Input) ([]provider.Message, int, error) {
	if in.SentEmail.MessageID == "" {
		return nil, 0, fmt.Errorf("%w: message id", ErrMissingInput)
	}
	msgs, err := in.Adapter.SearchMessages(ctx, in.UserID, provider.SearchQuery{
		InReplyTo:  in.SentEmail.MessageID,
		MaxResults: defaultMaxResults,
	})
	return msgs, 1, err
}

func scanSender(ctx context.Context, in Input) ([]provider.Message, int, error) {
	if in.Contact.Email == "" {
		return nil, 0, fmt.Errorf("%w: contact email", ErrMissingInput)
	}
	msgs, err := in.Adapter.SearchMessages(ctx, in.UserID, provider.SearchQuery{
		From:       in.Contact.Email,
		After:      in.SentEmail.SentAt,
		MaxResults: defaultMaxResults,
	})
	return msgs, 1, err
}

func scanDomain(ctx context.Context, in Input) ([]provider.Message, int, error) {
	d := provider.EmailDomain(in.Contact.Email)
	if d == "" {
		return nil, 0, fmt.Errorf("%w: contact domain", ErrMissingInput)
	}
	if in.SentEmail.Subject == "" {
		return nil, 0, fmt.Errorf("%w: subject", ErrMissingInput)
	}
	msgs, err := in.Adapter.SearchMessages(ctx, in.UserID, provider.SearchQuery{
		FromDomain: d,
		After:      in.SentEmail.SentAt,
		MaxResults: defaultMaxResults,
	})
	return msgs, 1, err
}

func scanDisplayName(ctx context.Context, in Input) ([]provider.Message, int, error) {
	if strings.TrimSpace(in.Contact.Name) == "" {
		return nil, 0, fmt.Errorf("%w: contact name", ErrMissingInput)
	}
	msgs, err := in.Adapter.SearchMessages(ctx, in.UserID, provider.SearchQuery{
		FromName:   in.Contact.Name,
		After:      in.SentEmail.SentAt,
		MaxResults: defaultMaxResults,
	})
	return msgs, 1, err
}

func scanAlias(ctx context.Context, in Input) ([]provider.Message, int, error) {
	if provider.NormalizeSubject(in.SentEmail.Subject) == "" {
		return nil, 0, fmt.Errorf("%w: subject", ErrMissingInput)
	}
	msgs, err := in.Adapter.SearchMessages(ctx, in.UserID, provider.SearchQuery{
		Subject:    provider.NormalizeSubject(in.SentEmail.Subject),
		After:      in.SentEmail.SentAt,
		MaxResults: defaultMaxResults,
	})
	return msgs, 1, err
}

func scanHistory(ctx context.Context, in Input) ([]provider.Message, int, error) {
	lister, ok := in.Adapter.(provider.HistoryLister)
	if !ok {
		return nil, 0, provider.ErrNotSupported
	}
	if in.SentEmail.HistoryID == "" {
		return nil, 0, fmt.Errorf("%w: history id", ErrMissingInput)
	}
	msgs, err := lister.ListHistory(ctx, in.UserID, in.SentEmail.HistoryID)
	return msgs, 1, err
}

func subjectMatches(in Input, m provider.Message) bool {
	want := provider.NormalizeSubject(in.SentEmail.Subject)
	return want != "" && provider.NormalizeSubject(m.Subject) == want
}

func displayNameMatches(in Input, m provider.Message) bool {
	name := strings.Join(strings.Fields(in.Contact.Name), " ")
	return name != "" && strings.EqualFold(strings.Join(strings.Fields(m.FromName), " "), name)
}

// aliasMatches accepts a subject match whose sender looks like the contact
// under another address: same local part, or a display name sharing a token
// with the contact's name or local part.
func aliasMatches(in Input, m provider.Message) bool {
	if !subjectMatches(in, m) {
		return false
	}
	if strings.EqualFold(m.From, in.Contact.Email) {
		return true
	}
	contactLocal := localPart(in.Contact.Email)
	if contactLocal != "" && contactLocal == localPart(m.From) {
		return true
	}

	tokens := nameTokens(in.Contact.Name)
	if contactLocal != "" {
		tokens[contactLocal] = true
	}
	for tok := range nameTokens(m.FromName) {
		if tokens[tok] {
			return true
		}
	}
	for tok := range nameTokens(strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(localPart(m.From))) {
		if tokens[tok] {
			return true
		}
	}
	return false
}

func fromContactOrThread(in Input, m provider.Message) bool {
	if in.SentEmail.ThreadID != "" && m.ThreadID == in.SentEmail.ThreadID {
		return true
	}
	if in.SentEmail.MessageID != "" && m.RepliesTo(in.SentEmail.MessageID) {
		return true
	}
	return in.Contact.Email != "" && strings.EqualFold(m.From, in.Contact.Email)
}

func localPart(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at <= 0 {
		return ""
	}
	local := strings.ToLower(addr[:at])
	if plus := strings.Index(local, "+"); plus > 0 {
		local = local[:plus]
	}
	return local
}

// nameTokens returns lower-cased tokens of at least 3 characters.
func nameTokens(s string) map[string]bool {
	out := make(map[string]bool)
	for _, f := range strings.Fields(strings.ToLower(s)) {
		if len(f) >= 3 {
			out[f] = true
		}
	}
	return out
}
