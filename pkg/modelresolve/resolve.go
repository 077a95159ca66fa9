// Package modelresolve maps a model reference, a fully-qualified
// "providerId/modelId" string or a symbolic tag such as "auto:vision",
// against a live provider catalog to a single concrete model.
package modelresolve

import (
	"regexp"
	"strings"

	"github.com/sahilm/fuzzy"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
	"github.com/opencode-fleet/orchestrator/pkg/types"
)

// ProviderSource names where a provider's configuration came from.
type ProviderSource string

const (
	SourceConfig ProviderSource = "config"
	SourceCustom ProviderSource = "custom"
	SourceEnv    ProviderSource = "env"
	SourceAPI    ProviderSource = "api"
)

// ModelInfo is one model entry in a Provider's catalog.
type ModelInfo struct {
	Name          string
	SupportsImage bool
	SupportsWeb   bool
}

// Provider is one entry in the live assistant catalog.
type Provider struct {
	ID     string
	Source ProviderSource
	Models map[string]ModelInfo
}

// Options carries the inputs that vary per resolution call beyond the
// reference string and catalog themselves.
type Options struct {
	Providers      []Provider
	SmallModel     string // global small-model hint, resolved provider/model, optional
	DefaultModel   string // fallback "provider/model" when nothing else applies
	RequiresVision bool
	RequiresWeb    bool
}

var versionSuffix = regexp.MustCompile(`(-\d{8}|-\d{4}-\d{2}-\d{2}|-v\d+)$`)

// normalize lowercases, trims, strips a "providerPrefix:" lead, and
// strips trailing date/version suffixes.
func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if idx := strings.Index(s, ":"); idx >= 0 {
		s = s[idx+1:]
	}
	s = versionSuffix.ReplaceAllString(s, "")
	return s
}

// candidate is one (provider, model) pairing scored against a needle.
type candidate struct {
	providerID string
	modelID    string
	info       ModelInfo
	source     ProviderSource
	score      int
}

// Resolve maps ref to a concrete "providerId/modelId" string.
func Resolve(ref string, opts Options) (types.ModelResolution, error) {
	if strings.TrimSpace(ref) == "" {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelInvalid, "resolve", ref, nil)
	}

	if strings.Contains(ref, "/") {
		return resolveQualified(ref, opts)
	}

	if types.IsSymbolicTag(ref) {
		return resolveSymbolic(ref, opts)
	}

	return resolveShortName(ref, opts)
}

func resolveQualified(ref string, opts Options) (types.ModelResolution, error) {
	providerID, modelID, _ := strings.Cut(ref, "/")

	for _, p := range opts.Providers {
		if p.ID != providerID {
			continue
		}
		if info, ok := p.Models[modelID]; ok {
			return enforceCapabilities(ref, providerID+"/"+modelID, info, opts)
		}
		return fuzzyWithin(ref, modelID, []Provider{p}, opts)
	}
	return fuzzyWithin(ref, modelID, opts.Providers, opts)
}

func resolveShortName(ref string, opts Options) (types.ModelResolution, error) {
	return fuzzyWithin(ref, ref, opts.Providers, opts)
}

// fuzzyWithin narrows candidates with sahilm/fuzzy, scores every
// narrowed candidate, and breaks ties by (providerId, modelId).
func fuzzyWithin(ref, needle string, providers []Provider, opts Options) (types.ModelResolution, error) {
	normNeedle := normalize(needle)

	ids := make([]string, 0)
	index := make([]candidate, 0)
	for _, p := range providers {
		for modelID, info := range p.Models {
			ids = append(ids, modelID+" "+info.Name)
			index = append(index, candidate{providerID: p.ID, modelID: modelID, info: info, source: p.Source})
		}
	}
	if len(ids) == 0 {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolve", ref, nil)
	}

	matches := fuzzy.Find(normNeedle, ids)
	narrowed := make(map[int]bool, len(matches))
	for _, m := range matches {
		narrowed[m.Index] = true
	}
	// If the library found nothing (e.g. the needle is a near-exact
	// substring match fuzzy.Find's ranking misses), fall back to
	// scoring the full set: the scoring table below is authoritative,
	// fuzzy.Find is only a narrowing hint.
	if len(narrowed) == 0 {
		for i := range index {
			narrowed[i] = true
		}
	}

	var best *candidate
	var bestScore int
	for i := range index {
		if !narrowed[i] {
			continue
		}
		c := index[i]
		score, ok := score(normNeedle, c)
		if !ok {
			continue
		}
		c.score = score
		if best == nil || score > bestScore || (score == bestScore && tieBreakWins(c, *best)) {
			cc := c
			best = &cc
			bestScore = score
		}
	}
	if best == nil {
		return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolve", ref, nil)
	}

	resolved := best.providerID + "/" + best.modelID
	return enforceCapabilitiesScored(ref, resolved, best.info, best.score, opts)
}

// tieBreakWins reports whether a beats b at equal score: the
// lexicographically greatest (providerId, modelId) pair wins, so
// identical inputs always resolve identically regardless of catalog
// enumeration order.
func tieBreakWins(a, b candidate) bool {
	if a.providerID != b.providerID {
		return a.providerID > b.providerID
	}
	return a.modelID > b.modelID
}

// score ranks a candidate against the needle; ok is false if the
// needle doesn't match at all (no exact/prefix/substring hit).
func score(normNeedle string, c candidate) (int, bool) {
	candID := normalize(c.modelID)
	candName := normalize(c.info.Name)

	matched := false
	total := 0

	if c.source != SourceAPI {
		total += 5
	}

	switch {
	case normNeedle == candID || normNeedle == candName:
		total += 50
		matched = true
	case strings.HasPrefix(candID, normNeedle+"-") || strings.HasPrefix(candName, normNeedle+"-"):
		total += 25
		matched = true
	case strings.Contains(candID, normNeedle) || strings.Contains(candName, normNeedle):
		total += 10
		matched = true
	}
	if !matched {
		return 0, false
	}

	lowerID := strings.ToLower(c.modelID)
	lowerName := strings.ToLower(c.info.Name)
	if strings.Contains(lowerID, "thinking") || strings.Contains(lowerName, "thinking") {
		total -= 10
	}
	if strings.Contains(lowerID, "reasoning") || strings.Contains(lowerName, "reasoning") {
		total -= 5
	}
	return total, true
}

// usableProviders filters to non-"api" providers plus the reserved
// "opencode" provider, the set symbolic tags resolve against.
func usableProviders(providers []Provider) []Provider {
	out := make([]Provider, 0, len(providers))
	for _, p := range providers {
		if p.Source != SourceAPI || p.ID == "opencode" {
			out = append(out, p)
		}
	}
	return out
}

func resolveSymbolic(ref string, opts Options) (types.ModelResolution, error) {
	tag := types.ModelTag(ref)
	usable := usableProviders(opts.Providers)

	switch tag {
	case types.ModelAutoVision, types.ModelNodeVision:
		best := bestByPredicate(usable, func(m ModelInfo) bool { return m.SupportsImage })
		if best == nil {
			return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolve", ref, nil)
		}
		return withReason(ref, *best, "vision tag matched by capability", opts)

	case types.ModelAutoDocs, types.ModelNodeDocs:
		best := bestByPredicate(usable, func(m ModelInfo) bool { return m.SupportsWeb })
		if best != nil {
			return withReason(ref, *best, "docs tag matched by web capability", opts)
		}

	case types.ModelAutoFast, types.ModelNodeFast:
		if opts.SmallModel != "" {
			if providerID, modelID, ok := strings.Cut(opts.SmallModel, "/"); ok {
				for _, p := range usable {
					if p.ID != providerID {
						continue
					}
					if info, ok := p.Models[modelID]; ok {
						return withReason(ref, matched{providerID, modelID, info}, "fast tag resolved to configured small model", opts)
					}
				}
			}
		}
		if best := bestByPredicate(usable, func(ModelInfo) bool { return true }); best != nil {
			return withReason(ref, *best, "fast tag fell back to best available model", opts)
		}
	}

	if opts.DefaultModel != "" {
		var info ModelInfo
		if providerID, modelID, ok := strings.Cut(opts.DefaultModel, "/"); ok {
			for _, p := range opts.Providers {
				if p.ID == providerID {
					info = p.Models[modelID]
				}
			}
		}
		return enforceCapabilities(ref, opts.DefaultModel, info, opts)
	}

	return types.ModelResolution{}, orcherr.New(orcherr.ModelUnresolvable, "resolve", ref, nil)
}

type matched struct {
	providerID string
	modelID    string
	info       ModelInfo
}

func bestByPredicate(providers []Provider, pred func(ModelInfo) bool) *matched {
	var best *matched
	for _, p := range providers {
		for modelID, info := range p.Models {
			if !pred(info) {
				continue
			}
			if best == nil || p.ID > best.providerID || (p.ID == best.providerID && modelID > best.modelID) {
				best = &matched{providerID: p.ID, modelID: modelID, info: info}
			}
		}
	}
	return best
}

// withReason finalizes a symbolic-tag match. Capability enforcement
// applies here too: a vision-requiring profile can carry any tag, so
// even a docs/fast match must fail with VISION_REQUIRED when the
// picked model cannot take image input.
func withReason(ref string, m matched, reason string, opts Options) (types.ModelResolution, error) {
	if opts.RequiresVision && !m.info.SupportsImage {
		return types.ModelResolution{}, orcherr.New(orcherr.VisionRequired, "resolve", ref, nil)
	}
	return types.ModelResolution{
		Requested: ref,
		Resolved:  m.providerID + "/" + m.modelID,
		Reason:    reason,
	}, nil
}

func enforceCapabilities(ref, resolved string, info ModelInfo, opts Options) (types.ModelResolution, error) {
	return enforceCapabilitiesScored(ref, resolved, info, 0, opts)
}

func enforceCapabilitiesScored(ref, resolved string, info ModelInfo, score int, opts Options) (types.ModelResolution, error) {
	if opts.RequiresVision && !info.SupportsImage {
		return types.ModelResolution{}, orcherr.New(orcherr.VisionRequired, "resolve", ref, nil)
	}
	return types.ModelResolution{
		Requested: ref,
		Resolved:  resolved,
		Reason:    "matched by reference",
		Score:     score,
	}, nil
}
