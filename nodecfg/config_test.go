package nodecfg

import (
	"testing"
	"time"

	"github.com/btcnode/bip151d/bip151"
	"github.com/stretchr/testify/require"
)

const (
	maxUint = ^uint(0)
	maxInt  = int(maxUint >> 1)
	minInt  = -maxInt - 1
)

// TestValidateWorkers asserts that validating the Workers config only succeeds
// if a positive number of workers is set.
func TestValidateWorkers(t *testing.T) {
	tests := []struct {
		name  string
		cfg   *Workers
		valid bool
	}{
		{
			name:  "min valid",
			cfg:   &Workers{Handshake: 1},
			valid: true,
		},
		{
			name:  "max valid",
			cfg:   &Workers{Handshake: maxInt},
			valid: true,
		},
		{
			name: "zero invalid",
			cfg:  &Workers{Handshake: 0},
		},
		{
			name: "min invalid",
			cfg:  &Workers{Handshake: minInt},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := test.cfg.Validate()
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestValidateEncryption(t *testing.T) {
	require.NoError(t, DefaultEncryption().Validate())

	tests := []struct {
		name   string
		modify func(*Encryption)
	}{
		{
			name: "zero timeout",
			modify: func(e *Encryption) {
				e.HandshakeTimeout = 0
			},
		},
		{
			name: "negative timeout",
			modify: func(e *Encryption) {
				e.HandshakeTimeout = -time.Second
			},
		},
		{
			name: "growth step too small",
			modify: func(e *Encryption) {
				e.GrowthStep = MinGrowthStep - 1
			},
		},
		{
			name: "growth step too large",
			modify: func(e *Encryption) {
				e.GrowthStep = bip151.MaxEnvelopePayload + 1
			},
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			cfg := DefaultEncryption()
			test.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestValidatePrometheus(t *testing.T) {
	cfg := DefaultPrometheus()
	require.False(t, cfg.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.Enable = true
	require.True(t, cfg.Enabled())
	require.NoError(t, cfg.Validate())

	cfg.Listen = ""
	require.Error(t, cfg.Validate())
}

func TestNormalizeNetwork(t *testing.T) {
	require.Equal(t, "testnet", NormalizeNetwork("testnet3"))
	require.Equal(t, "testnet", NormalizeNetwork("testnet4"))
	require.Equal(t, "mainnet", NormalizeNetwork("mainnet"))
	require.Equal(t, "regtest", NormalizeNetwork("regtest"))
}
