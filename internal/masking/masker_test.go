package masking

import (
	"errors"
	"testing"

	fuzz "github.com/AdaLogics/go-fuzz-headers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/querycore/internal/config"
)

func testMaskingConfig() config.MaskingConfig {
	return config.MaskingConfig{
		MaxPasses:   3,
		Placeholder: "[detail withheld]",
		Substitutions: map[string]string{
			"SQL query":       "data lookup",
			"SQL":             "data",
			"API endpoint":    "service",
			"p99 latency":     "response time",
			"postgres":        "records system",
			"circuit breaker": "safeguard",
		},
		ForbiddenTokens: []string{"stack trace", "HTTP 500", "nullptr"},
	}
}

func newTestMasker(t *testing.T, mutate ...func(*config.MaskingConfig)) *Masker {
	t.Helper()
	cfg := testMaskingConfig()
	for _, fn := range mutate {
		fn(&cfg)
	}
	m, err := New(cfg)
	require.NoError(t, err)
	return m
}

func TestMask_Substitutions(t *testing.T) {
	m := newTestMasker(t)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"longest term wins", "The SQL query on postgres was slow.", "The data lookup on records system was slow."},
		{"shorter term alone", "Run SQL nightly.", "Run data nightly."},
		{"case insensitive", "our Circuit Breaker tripped", "our safeguard tripped"},
		{"word boundaries", "Run SQL, not SQL-92.", "Run data, not data-92."},
		{"clean text untouched", "Revenue rose 4%.", "Revenue rose 4%."},
		{"mixed", "p99 latency of the API endpoint", "response time of the service"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res, err := m.Mask(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, res.Text)
		})
	}
}

func TestMask_ForbiddenWithoutSubstitutionLeaks(t *testing.T) {
	m := newTestMasker(t)

	res, err := m.Mask("We saw an HTTP 500 and a Stack Trace in postgres.")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLeakPrevented)

	var leak *LeakError
	require.True(t, errors.As(err, &leak))
	assert.Equal(t, []string{"http 500", "stack trace"}, leak.Tokens)
	assert.Contains(t, res.Text, "records system", "substitutions still ran")
}

func TestMask_EmbeddedTokens(t *testing.T) {
	m := newTestMasker(t)

	tests := []struct {
		name     string
		in       string
		leaks    []string
		redacted string
	}{
		{"product name", "Our PostgreSQL cluster is slow", []string{"postgres"}, "Our [detail withheld] cluster is slow"},
		{"identifier", "see postgres_replica for figures", []string{"postgres"}, "see [detail withheld] for figures"},
		{"prefix of a word", "the SQLite file", []string{"sql"}, "the [detail withheld] file"},
		{"forbidden only", "nullptr_exception thrown", []string{"nullptr"}, "[detail withheld] thrown"},
		{"inside a word", "mysqladmin restarted", []string{"sql"}, "[detail withheld] restarted"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.leaks, m.Leaks(tc.in))

			_, err := m.Mask(tc.in)
			assert.ErrorIs(t, err, ErrLeakPrevented, "whole-word substitution cannot clean an embedded token")

			res := m.Redact(tc.in)
			assert.Equal(t, tc.redacted, res.Text)
			assert.Empty(t, m.Leaks(res.Text))
		})
	}

	t.Run("substitution still runs around embedded tokens", func(t *testing.T) {
		res := m.Redact("The SQL query touched PostgreSQL.")
		assert.Equal(t, "The data lookup touched [detail withheld].", res.Text)
	})
}

func TestMask_SubstitutionChains(t *testing.T) {
	m := newTestMasker(t, func(c *config.MaskingConfig) {
		c.Substitutions = map[string]string{"k8s": "cluster runtime", "cluster runtime": "platform"}
	})
	res, err := m.Mask("k8s is down")
	require.NoError(t, err)
	assert.Equal(t, "platform is down", res.Text)
	assert.Equal(t, 2, res.Passes)
}

func TestMask_PassLimit(t *testing.T) {
	m := newTestMasker(t, func(c *config.MaskingConfig) {
		c.MaxPasses = 1
		c.Substitutions = map[string]string{"a1": "b2", "b2": "c3"}
	})
	_, err := m.Mask("a1")
	assert.ErrorIs(t, err, ErrLeakPrevented)
}

func TestRedact_NeverLeaks(t *testing.T) {
	m := newTestMasker(t)
	res := m.Redact("Check the stack trace from the SQL query.")
	assert.Empty(t, m.Leaks(res.Text))
	assert.Equal(t, "Check the [detail withheld] from the data lookup.", res.Text)

	clean := m.Redact("All good.")
	assert.Equal(t, "All good.", clean.Text)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.MaskingConfig{Substitutions: map[string]string{"api": "public API"}})
	assert.ErrorContains(t, err, "reintroduces")

	_, err = New(config.MaskingConfig{Placeholder: "internal", ForbiddenTokens: []string{"internal"}})
	assert.ErrorContains(t, err, "placeholder")

	_, err = New(config.MaskingConfig{Placeholder: "[redacted]", ForbiddenTokens: []string{"act"}})
	assert.ErrorContains(t, err, "placeholder", "tokens inside the placeholder count too")

	m, err := New(config.MaskingConfig{})
	require.NoError(t, err)
	res, err := m.Mask("anything goes")
	require.NoError(t, err)
	assert.Equal(t, "anything goes", res.Text)
	assert.Nil(t, m.Leaks("anything"))
}

func TestMask_PunctuatedTerms(t *testing.T) {
	m := newTestMasker(t, func(c *config.MaskingConfig) {
		c.Substitutions = map[string]string{".env": "settings file", "c++": "native code"}
	})
	res, err := m.Mask("Read the .env file; it is c++.")
	require.NoError(t, err)
	assert.Equal(t, "Read the settings file file; it is native code.", res.Text)
}

func FuzzRedact(f *testing.F) {
	f.Add("The SQL query hit an HTTP 500 with a stack trace.")
	f.Add("postgres postgres SQL SQLSQL")
	f.Add("PostgreSQL postgres_replica nullptr_exception SQLite")
	f.Add("")

	m, err := New(testMaskingConfig())
	if err != nil {
		f.Fatal(err)
	}
	f.Fuzz(func(t *testing.T, text string) {
		res := m.Redact(text)
		if leaks := m.Leaks(res.Text); len(leaks) > 0 {
			t.Fatalf("redacted text still contains %v: %q", leaks, res.Text)
		}
	})
}

func FuzzMask_Structured(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		consumer := fuzz.NewConsumer(data)
		var cfg config.MaskingConfig
		if err := consumer.GenerateStruct(&cfg); err != nil {
			return
		}
		text, err := consumer.GetString()
		if err != nil {
			return
		}
		if cfg.MaxPasses > 5 {
			cfg.MaxPasses = 5
		}

		m, err := New(cfg)
		if err != nil {
			return
		}

		res, err := m.Mask(text)
		if err == nil && len(m.Leaks(res.Text)) > 0 {
			t.Fatalf("Mask reported success but text leaks: %q", res.Text)
		}
		if err != nil && !errors.Is(err, ErrLeakPrevented) {
			t.Fatalf("unexpected error type: %v", err)
		}
		redacted := m.Redact(text)
		if leaks := m.Leaks(redacted.Text); len(leaks) > 0 {
			t.Fatalf("redaction leaked %v", leaks)
		}
	})
}
