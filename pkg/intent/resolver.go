package intent

import (
	"context"
	"errors"
	"time"

	"github.com/voicepay-hq/voicepay/pkg/logger"
	"github.com/voicepay-hq/voicepay/pkg/metrics"
	"github.com/voicepay-hq/voicepay/pkg/models"
	"github.com/voicepay-hq/voicepay/pkg/shard"
)

// Outcome classifies what the resolver produced.
type Outcome string

const (
	// OutcomeResolved means the intent is canonical and ready to execute.
	OutcomeResolved Outcome = "resolved"
	// OutcomeAmbiguous means a spoken name matched several recipients; the
	// caller must ask the user to choose among Options.
	OutcomeAmbiguous Outcome = "ambiguous_recipient"
	// OutcomeMissing means a spoken name matched no recipient.
	OutcomeMissing Outcome = "recipient_missing"
	// OutcomeInvalid means the parsed intent failed validation.
	OutcomeInvalid Outcome = "invalid"
)

// Result is the resolver's reply: either a canonical intent or the reason
// one could not be produced.
type Result struct {
	Outcome Outcome              `json:"outcome"`
	Intent  *models.ParsedIntent `json:"intent,omitempty"`
	Options []models.Recipient   `json:"options,omitempty"`
	Detail  string               `json:"detail,omitempty"`
}

// Resolver parses a command and normalizes the result against the user's
// address book.
type Resolver struct {
	parser Parser
	shards *shard.Manager
	logger logger.Logger
}

// NewResolver creates a resolver around a parser and the shard manager.
func NewResolver(parser Parser, shards *shard.Manager, log logger.Logger) *Resolver {
	return &Resolver{parser: parser, shards: shards, logger: log}
}

// Resolve parses the command text and fills in the recipient address. A
// spoken name is looked up in the user's address book; an explicit address
// in the parsed intent wins over the name. Missing start dates default to
// today (UTC) so a bare "every week" starts immediately.
func (r *Resolver) Resolve(ctx context.Context, userAddress, text string) (*Result, error) {
	parsed, err := r.parser.Parse(ctx, text)
	if err != nil {
		return nil, err
	}
	return r.normalize(userAddress, parsed)
}

// normalize resolves the recipient and validates the intent.
func (r *Resolver) normalize(userAddress string, parsed *models.ParsedIntent) (*Result, error) {
	if parsed.Address == "" && parsed.Name != "" {
		sh, err := r.shards.Shard(userAddress)
		if err != nil {
			return nil, err
		}

		resolution, options, err := sh.ResolveByName(parsed.Name)
		switch {
		case errors.Is(err, shard.ErrAmbiguous):
			metrics.IntentResolutions.WithLabelValues(string(OutcomeAmbiguous)).Inc()
			r.logger.NoticeWith(logger.Intent, "Name %q is ambiguous for user %s (%d matches)",
				parsed.Name, userAddress, len(options))
			return &Result{
				Outcome: OutcomeAmbiguous,
				Options: options,
				Detail:  err.Error(),
			}, nil
		case errors.Is(err, shard.ErrNotFound):
			metrics.IntentResolutions.WithLabelValues(string(OutcomeMissing)).Inc()
			return &Result{Outcome: OutcomeMissing, Detail: err.Error()}, nil
		case err != nil:
			return nil, err
		}

		parsed.Address = resolution.Match.Wallet
		r.logger.DebugWith(logger.Intent, "Resolved %q to %s (%s match)",
			parsed.Name, resolution.Match.Wallet, resolution.Kind)
	}

	if parsed.Currency == "" {
		parsed.Currency = models.CurrencyUSDC
	}
	if parsed.Intent == models.IntentRecurring && parsed.StartDate == "" {
		parsed.StartDate = time.Now().UTC().Format("2006-01-02")
	}

	if err := parsed.Validate(); err != nil {
		metrics.IntentResolutions.WithLabelValues(string(OutcomeInvalid)).Inc()
		return &Result{Outcome: OutcomeInvalid, Detail: err.Error()}, nil
	}

	metrics.IntentResolutions.WithLabelValues(string(OutcomeResolved)).Inc()
	return &Result{Outcome: OutcomeResolved, Intent: parsed}, nil
}
