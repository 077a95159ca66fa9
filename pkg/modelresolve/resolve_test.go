package modelresolve

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/opencode-fleet/orchestrator/pkg/orcherr"
)

func testProviders() []Provider {
	return []Provider{
		{
			ID:     "anthropic",
			Source: SourceConfig,
			Models: map[string]ModelInfo{
				"claude-sonnet":           {Name: "Claude Sonnet", SupportsImage: true, SupportsWeb: true},
				"claude-sonnet-thinking":  {Name: "Claude Sonnet Thinking", SupportsImage: true},
				"claude-haiku-20241022":   {Name: "Claude Haiku", SupportsImage: false},
			},
		},
		{
			ID:     "openai",
			Source: SourceAPI,
			Models: map[string]ModelInfo{
				"gpt-4o": {Name: "GPT-4o", SupportsImage: true, SupportsWeb: true},
			},
		},
		{
			ID:     "opencode",
			Source: SourceAPI,
			Models: map[string]ModelInfo{
				"fast-model": {Name: "Fast Model"},
			},
		},
	}
}

func TestResolve_EmptyReferenceFails(t *testing.T) {
	_, err := Resolve("", Options{Providers: testProviders()})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.ModelInvalid, kind)
}

func TestResolve_ExactQualifiedMatch(t *testing.T) {
	res, err := Resolve("anthropic/claude-sonnet", Options{Providers: testProviders()})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet", res.Resolved)
}

func TestResolve_QualifiedFallsBackToFuzzyWithinProvider(t *testing.T) {
	res, err := Resolve("anthropic/sonnet", Options{Providers: testProviders()})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet", res.Resolved)
}

func TestResolve_ShortNamePrefersNonAPISource(t *testing.T) {
	providers := []Provider{
		{ID: "zzz-custom", Source: SourceConfig, Models: map[string]ModelInfo{"widget": {Name: "Widget"}}},
		{ID: "aaa-api", Source: SourceAPI, Models: map[string]ModelInfo{"widget": {Name: "Widget"}}},
	}
	res, err := Resolve("widget", Options{Providers: providers})
	require.NoError(t, err)
	assert.Equal(t, "zzz-custom/widget", res.Resolved, "non-api source should win the +5 score bump over a lexicographically earlier api provider")
}

func TestResolve_TieBreaksLexicographically(t *testing.T) {
	providers := []Provider{
		{ID: "anthropic", Source: SourceAPI, Models: map[string]ModelInfo{"m": {Name: "m"}}},
		{ID: "azure-anthropic", Source: SourceAPI, Models: map[string]ModelInfo{"m": {Name: "m"}}},
	}
	res1, err := Resolve("m", Options{Providers: providers})
	require.NoError(t, err)
	assert.Equal(t, "azure-anthropic/m", res1.Resolved)

	res2, err := Resolve("m", Options{Providers: providers})
	require.NoError(t, err)
	assert.Equal(t, res1.Resolved, res2.Resolved, "rerunning must return the same result")
}

func TestResolve_ThinkingPenaltyLosesToPlainModel(t *testing.T) {
	res, err := Resolve("claude-sonnet", Options{Providers: testProviders()})
	require.NoError(t, err)
	assert.Equal(t, "anthropic/claude-sonnet", res.Resolved)
}

func TestResolve_SymbolicVisionRequiresImageCapability(t *testing.T) {
	res, err := Resolve("auto:vision", Options{Providers: testProviders()})
	require.NoError(t, err)
	assert.Contains(t, []string{"anthropic/claude-sonnet", "anthropic/claude-sonnet-thinking"}, res.Resolved)
}

func TestResolve_SymbolicVisionFailsWithoutCandidate(t *testing.T) {
	providers := []Provider{
		{ID: "text-only", Source: SourceConfig, Models: map[string]ModelInfo{"m": {Name: "M"}}},
	}
	_, err := Resolve("auto:vision", Options{Providers: providers})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.ModelUnresolvable, kind)
}

func TestResolve_VisionRequiredEnforcedAfterResolution(t *testing.T) {
	providers := []Provider{
		{ID: "anthropic", Source: SourceConfig, Models: map[string]ModelInfo{"claude-haiku": {Name: "Claude Haiku", SupportsImage: false}}},
	}
	_, err := Resolve("anthropic/claude-haiku", Options{Providers: providers, RequiresVision: true})
	kind, ok := orcherr.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, orcherr.VisionRequired, kind)
}

func TestResolve_VisionRequiredEnforcedOnSymbolicTags(t *testing.T) {
	// A vision-requiring profile can still carry a docs or fast tag;
	// resolution through those branches must not hand back a model
	// without image input.
	providers := []Provider{
		{ID: "anthropic", Source: SourceConfig, Models: map[string]ModelInfo{
			"web-only": {Name: "Web Only", SupportsWeb: true, SupportsImage: false},
		}},
	}

	for _, ref := range []string{"auto:docs", "auto:fast"} {
		_, err := Resolve(ref, Options{Providers: providers, RequiresVision: true})
		kind, ok := orcherr.KindOf(err)
		require.True(t, ok, "ref %s", ref)
		assert.Equal(t, orcherr.VisionRequired, kind, "ref %s", ref)
	}
}

func TestResolve_FastTagUsesSmallModelHint(t *testing.T) {
	res, err := Resolve("auto:fast", Options{Providers: testProviders(), SmallModel: "opencode/fast-model"})
	require.NoError(t, err)
	assert.Equal(t, "opencode/fast-model", res.Resolved)
}

func TestResolve_NeverReturnsAmbiguous(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		numProviders := rapid.IntRange(1, 4).Draw(t, "numProviders")
		modelName := rapid.StringMatching(`[a-z]{3,8}`).Draw(t, "modelName")

		providers := make([]Provider, numProviders)
		for i := 0; i < numProviders; i++ {
			providers[i] = Provider{
				ID:     rapid.StringMatching(`provider[a-z]{2,5}`).Draw(t, "providerID"),
				Source: SourceConfig,
				Models: map[string]ModelInfo{modelName: {Name: modelName}},
			}
		}

		res1, err1 := Resolve(modelName, Options{Providers: providers})
		res2, err2 := Resolve(modelName, Options{Providers: providers})

		require.NoError(t, err1)
		require.NoError(t, err2)
		require.Equal(t, res1.Resolved, res2.Resolved, "resolution must be deterministic across repeated calls with identical inputs")
	})
}
