package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"

	"go.uber.org/zap"

	"rbs.io/buffer/internal/domain"
	"rbs.io/buffer/internal/pkg/logger"
	"rbs.io/buffer/internal/provider"
)

// ErrNamesExhausted means every probed candidate name was already taken.
var ErrNamesExhausted = errors.New("no free resource name found")

// Resource name limits of the cloud project backend.
const (
	maxResourceNameLen = 30

	randomSuffixLen    = 8
	minRandomSuffixLen = 4

	twoWordsNumberMax = 1000
)

const alphanumeric = "abcdefghijklmnopqrstuvwxyz0123456789"

var (
	adjectives = []string{
		"amber", "brave", "calm", "dusty", "eager", "fancy", "gentle", "happy",
		"icy", "jolly", "keen", "lucky", "mellow", "noble", "proud", "quiet",
		"rapid", "silent", "tidy", "vivid", "witty", "young", "zesty", "bold",
	}
	nouns = []string{
		"apple", "badger", "cedar", "delta", "ember", "falcon", "garnet", "harbor",
		"island", "jasper", "kettle", "lantern", "maple", "nebula", "otter", "pebble",
		"quartz", "river", "spruce", "tulip", "violet", "walrus", "yarrow", "zephyr",
	}
)

// NameStrategy synthesizes candidate resource names for one naming scheme.
type NameStrategy interface {
	Candidate() string
}

// RandomCharStrategy yields prefix-xxxxxxxx names with a lowercase
// alphanumeric suffix.
type RandomCharStrategy struct {
	prefix    string
	suffixLen int
	rng       *rand.Rand
}

// Candidate returns a new candidate name.
func (s *RandomCharStrategy) Candidate() string {
	var b strings.Builder
	b.Grow(len(s.prefix) + 1 + s.suffixLen)
	b.WriteString(s.prefix)
	b.WriteByte('-')
	for i := 0; i < s.suffixLen; i++ {
		b.WriteByte(alphanumeric[s.rng.IntN(len(alphanumeric))])
	}
	return b.String()
}

// TwoWordsNumberStrategy yields prefix-adjective-noun-NNN names. Candidates
// that would exceed the length limit drop the prefix.
type TwoWordsNumberStrategy struct {
	prefix string
	rng    *rand.Rand
}

// Candidate returns a new candidate name.
func (s *TwoWordsNumberStrategy) Candidate() string {
	body := fmt.Sprintf("%s-%s-%03d",
		adjectives[s.rng.IntN(len(adjectives))],
		nouns[s.rng.IntN(len(nouns))],
		s.rng.IntN(twoWordsNumberMax),
	)
	if name := s.prefix + "-" + body; len(name) <= maxResourceNameLen {
		return name
	}
	return body
}

// NewNameStrategy returns the strategy for scheme. rng may be nil.
func NewNameStrategy(scheme domain.NameScheme, rng *rand.Rand) (NameStrategy, error) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	prefix := strings.ToLower(scheme.Prefix)

	switch scheme.Scheme {
	case domain.NamingRandomChar:
		suffixLen := randomSuffixLen
		if room := maxResourceNameLen - len(prefix) - 1; room < suffixLen {
			suffixLen = room
		}
		if suffixLen < minRandomSuffixLen {
			return nil, fmt.Errorf("prefix %q leaves no room for a random suffix", scheme.Prefix)
		}
		return &RandomCharStrategy{prefix: prefix, suffixLen: suffixLen, rng: rng}, nil
	case domain.NamingTwoWordsNumber:
		return &TwoWordsNumberStrategy{prefix: prefix, rng: rng}, nil
	default:
		return nil, fmt.Errorf("unsupported naming scheme %q", scheme.Scheme)
	}
}

// ResourceFinder is the lookup half of the provisioning backend.
type ResourceFinder interface {
	FindResource(ctx context.Context, name string) (*provider.ResourceHandle, bool, error)
}

// NameGenerator probes the backend for a free resource name.
type NameGenerator struct {
	finder      ResourceFinder
	maxAttempts int
	rng         *rand.Rand
}

// NewNameGenerator creates a new NameGenerator. rng may be nil; a non-nil
// rng makes names deterministic and must not be shared between goroutines.
func NewNameGenerator(finder ResourceFinder, maxAttempts int, rng *rand.Rand) *NameGenerator {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &NameGenerator{finder: finder, maxAttempts: maxAttempts, rng: rng}
}

// Generate returns a name the backend reports as unused. It makes at most
// maxAttempts lookups and fails with ErrNamesExhausted after that. Backend
// errors are returned as is for the caller to classify.
func (g *NameGenerator) Generate(ctx context.Context, scheme domain.NameScheme) (string, error) {
	strategy, err := NewNameStrategy(scheme, g.rng)
	if err != nil {
		return "", err
	}

	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		candidate := strategy.Candidate()
		_, found, err := g.finder.FindResource(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("probe resource name %s: %w", candidate, err)
		}
		if !found {
			return candidate, nil
		}
		logger.Debug("Resource name taken, retrying",
			zap.String("candidate", candidate),
			zap.Int("attempt", attempt),
		)
	}
	return "", fmt.Errorf("%w after %d attempts", ErrNamesExhausted, g.maxAttempts)
}
