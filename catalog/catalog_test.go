package catalog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(profiles []Profile) []string {
	out := make([]string, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, p.ID)
	}
	return out
}

func TestDefault(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []string{"cpp", "go", "java", "javascript", "python"}, ids(c.Active()))

	py, err := c.Resolve("Python")
	require.NoError(t, err)
	assert.Equal(t, CostLow, py.Cost)
	assert.Equal(t, 10*time.Second, py.ExecutionTimeout)
	assert.Equal(t, 20, py.ConcurrentLimit)
	assert.Equal(t, "leviathan-python-optimized:latest", py.BaseImage)
	assert.Equal(t, "python:3.11-slim", py.FallbackImage)

	mem, err := py.MemoryBytes()
	require.NoError(t, err)
	assert.EqualValues(t, 256*1024*1024, mem)
	assert.EqualValues(t, 500_000_000, py.NanoCPUs())
}

func TestAllowedForTier(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	tests := []struct {
		tier Tier
		want []string
	}{
		{TierFree, []string{"go", "javascript", "python"}},
		{TierPro, []string{"cpp", "go", "java", "javascript", "python"}},
		{TierEnterprise, []string{"cpp", "go", "java", "javascript", "python"}},
		{Tier("platinum"), []string{"go", "javascript", "python"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			assert.Equal(t, tt.want, ids(c.AllowedForTier(tt.tier)))
		})
	}
}

func TestResolveForTier(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	_, err = c.ResolveForTier("java", TierFree)
	assert.ErrorIs(t, err, ErrTierNotAllowed)

	p, err := c.ResolveForTier(" JAVA ", TierPro)
	require.NoError(t, err)
	assert.Equal(t, "java", p.ID)

	_, err = c.ResolveForTier("cobol", TierEnterprise)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveSkipsDisabled(t *testing.T) {
	c, err := Parse([]byte(`
profiles:
  - id: ruby
    cost: low
    memory_limit: 128m
    timeout: 5s
    base_image: ruby:3
    file_extension: .rb
    run: ruby {file}
    disabled: true
`))
	require.NoError(t, err)

	_, err = c.Resolve("ruby")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, c.Active())
}

func TestParseRejectsInvalidProfiles(t *testing.T) {
	tests := map[string]string{
		"missing image": `
profiles:
  - {id: a, cost: low, memory_limit: 1m, timeout: 1s, file_extension: .a, run: a}`,
		"bad cost": `
profiles:
  - {id: a, cost: cheap, memory_limit: 1m, timeout: 1s, base_image: x, file_extension: .a, run: a}`,
		"bad memory": `
profiles:
  - {id: a, cost: low, memory_limit: lots, timeout: 1s, base_image: x, file_extension: .a, run: a}`,
		"duplicate": `
profiles:
  - {id: a, cost: low, memory_limit: 1m, timeout: 1s, base_image: x, file_extension: .a, run: a}
  - {id: A, cost: low, memory_limit: 1m, timeout: 1s, base_image: x, file_extension: .a, run: a}`,
		"empty": `profiles: []`,
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestNormalizeTier(t *testing.T) {
	assert.Equal(t, TierPro, NormalizeTier(" Pro "))
	assert.Equal(t, TierFree, NormalizeTier(""))
	assert.True(t, TierEnterprise.Allows(CostHigh))
	assert.False(t, TierPro.Allows(CostHigh))
}
