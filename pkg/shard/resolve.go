package shard

import (
	"fmt"
	"strings"

	"github.com/voicepay-hq/voicepay/pkg/models"
)

// MatchKind describes how a name query matched a recipient.
type MatchKind string

const (
	// MatchExact means the query equaled the recipient name (case-insensitive).
	MatchExact MatchKind = "exact"
	// MatchPartialUnique means the query was a substring of exactly one name.
	MatchPartialUnique MatchKind = "partial_unique"
)

// Resolution is the outcome of a successful name lookup.
type Resolution struct {
	Match models.Recipient
	Kind  MatchKind
}

// ResolveByName finds the recipient a spoken name refers to. Exact
// (case-insensitive) name matches always win over substring matches; the
// lookup is ambiguous only when two or more recipients tie within the
// winning class. Ambiguity is reported via ErrAmbiguous together with the
// tied options so the caller can ask the user to choose.
func (s *Shard) ResolveByName(query string) (Resolution, []models.Recipient, error) {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return Resolution{}, nil, fmt.Errorf("name query: %w", ErrNotFound)
	}

	recipients, err := s.Recipients()
	if err != nil {
		return Resolution{}, nil, err
	}

	var exact, partial []models.Recipient
	for _, r := range recipients {
		name := strings.ToLower(r.Name)
		switch {
		case name == q:
			exact = append(exact, r)
		case strings.Contains(name, q):
			partial = append(partial, r)
		}
	}

	switch {
	case len(exact) == 1:
		return Resolution{Match: exact[0], Kind: MatchExact}, nil, nil
	case len(exact) > 1:
		return Resolution{}, exact, fmt.Errorf("name %q: %w", query, ErrAmbiguous)
	case len(partial) == 1:
		return Resolution{Match: partial[0], Kind: MatchPartialUnique}, nil, nil
	case len(partial) > 1:
		return Resolution{}, partial, fmt.Errorf("name %q: %w", query, ErrAmbiguous)
	}
	return Resolution{}, nil, fmt.Errorf("name %q: %w", query, ErrNotFound)
}
