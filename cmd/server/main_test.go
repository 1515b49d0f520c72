package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config
		wantErr string
	}{
		{name: "embedded target without key file", cfg: config{Backend: "memory"}},
		{name: "postgres", cfg: config{Backend: "postgres", DBUrl: "postgres://localhost/keyrelay"}},
		{name: "postgres without url", cfg: config{Backend: "postgres"}, wantErr: "db_url"},
		{name: "unknown backend", cfg: config{Backend: "sqlite"}, wantErr: "unknown backend"},
		{
			name:    "remote target without key file",
			cfg:     config{Backend: "memory", ForwardURL: "http://target:8300"},
			wantErr: "relay_key_file is required",
		},
		{
			name: "remote target with key file",
			cfg:  config{Backend: "memory", ForwardURL: "http://target:8300", RelayKeyFile: "relay.yaml"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateConfig(tt.cfg)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	got, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.168.1.7", "::1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	require.Equal(t, "10.0.0.0/8", got[0].String())
	require.Equal(t, "192.168.1.7/32", got[1].String())
	require.Equal(t, "::1/128", got[2].String())

	_, err = parseTrustedProxies([]string{"proxy.internal"})
	require.Error(t, err)
}
