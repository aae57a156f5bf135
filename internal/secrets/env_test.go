package secrets

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func TestEnvProvider_GetSecret(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		env     map[string]string
		envVar  string
		want    string
		wantErr error
	}{
		{name: "default variable", env: map[string]string{DefaultEnvVar: "abc123"}, want: "abc123"},
		{name: "custom variable", env: map[string]string{"DATA_KEY": " k "}, envVar: "DATA_KEY", want: "k"},
		{name: "unset", env: map[string]string{}, wantErr: ErrSecretNotFound},
		{name: "empty", env: map[string]string{DefaultEnvVar: ""}, wantErr: ErrSecretNotFound},
		{name: "whitespace only", env: map[string]string{DefaultEnvVar: "  \n"}, wantErr: ErrSecretNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			p := NewEnvProvider(&EnvProviderConfig{EnvVar: tt.envVar, Lookup: lookupFrom(tt.env)})
			got, err := p.GetSecret(context.Background())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Empty(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEnvProvider_ReadsEachCall(t *testing.T) {
	t.Parallel()

	env := map[string]string{DefaultEnvVar: "first"}
	p := NewEnvProvider(&EnvProviderConfig{Lookup: lookupFrom(env)})

	v, err := p.GetSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", v)

	env[DefaultEnvVar] = "second"
	v, err = p.GetSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "second", v)
}

func TestEnvProvider_HealthAndMetrics(t *testing.T) {
	t.Parallel()

	metrics := NewMetrics("test", prometheus.NewRegistry())
	p := NewEnvProvider(&EnvProviderConfig{Lookup: lookupFrom(nil), Metrics: metrics})

	assert.ErrorIs(t, p.HealthCheck(context.Background()), ErrSecretNotFound)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.total.WithLabelValues("env", "get", "not_found")))
	assert.NoError(t, p.Close())
}

func TestEnvProvider_RealEnvironment(t *testing.T) {
	t.Setenv("KEYGATE_TEST_CREDENTIAL", "from-env")

	p := NewEnvProvider(&EnvProviderConfig{EnvVar: "KEYGATE_TEST_CREDENTIAL"})
	v, err := p.GetSecret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestEnvProvider_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewEnvProvider(&EnvProviderConfig{Lookup: lookupFrom(map[string]string{DefaultEnvVar: "x"})})
	_, err := p.GetSecret(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
