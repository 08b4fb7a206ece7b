package build

import (
	"testing"

	"github.com/btcsuite/btclog"
	"github.com/stretchr/testify/require"
)

func newTestWriter(subsystems ...string) *RotatingLogWriter {
	w := NewRotatingLogWriter()
	for _, subsystem := range subsystems {
		w.RegisterSubLogger(subsystem, w.GenSubLogger(subsystem, nil))
	}

	return w
}

func TestParseAndSetDebugLevels(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		level  string
		err    string
		levels map[string]btclog.Level
	}{
		{
			name:  "global",
			level: "debug",
			levels: map[string]btclog.Level{
				"BIPX": btclog.LevelDebug,
				"PEER": btclog.LevelDebug,
			},
		},
		{
			name:  "global and subsystem",
			level: "warn,BIPX=trace",
			levels: map[string]btclog.Level{
				"BIPX": btclog.LevelTrace,
				"PEER": btclog.LevelWarn,
			},
		},
		{
			name:  "subsystem only",
			level: "PEER=error",
			levels: map[string]btclog.Level{
				"BIPX": btclog.LevelInfo,
				"PEER": btclog.LevelError,
			},
		},
		{
			name:  "invalid global",
			level: "loud",
			err:   "the specified debug level [loud] is invalid",
		},
		{
			name:  "unknown subsystem",
			level: "info,NOPE=debug",
			err:   "the specified subsystem [NOPE] is invalid",
		},
		{
			name:  "bad pair",
			level: "info,BIPX=debug=trace",
			err:   "invalid format",
		},
		{
			name:  "invalid subsystem level",
			level: "BIPX=loud",
			err:   "the specified debug level [loud] is invalid",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			w := newTestWriter("BIPX", "PEER")
			err := ParseAndSetDebugLevels(test.level, w)

			if test.err != "" {
				require.ErrorContains(t, err, test.err)

				// Nothing was applied.
				for _, logger := range w.SubLoggers() {
					require.Equal(
						t, btclog.LevelInfo,
						logger.Level(),
					)
				}

				return
			}

			require.NoError(t, err)
			for subsystem, level := range test.levels {
				logger := w.SubLoggers()[subsystem]
				require.Equal(t, level, logger.Level(), subsystem)
			}
		})
	}
}

func TestSupportedSubsystems(t *testing.T) {
	t.Parallel()

	w := newTestWriter("SRVR", "BIPX", "PEER")
	require.Equal(
		t, []string{"BIPX", "PEER", "SRVR"}, w.SupportedSubsystems(),
	)
}

func TestShutdownLogger(t *testing.T) {
	t.Parallel()

	var called int
	w := NewRotatingLogWriter()
	logger := w.GenSubLogger("TEST", func() { called++ })
	logger.SetLevel(btclog.LevelOff)

	logger.Critical("fatal")
	logger.Criticalf("fatal %d", 2)
	require.Equal(t, 2, called)
}

func TestSupportedLogCompressor(t *testing.T) {
	t.Parallel()

	require.True(t, SupportedLogCompressor(Gzip))
	require.True(t, SupportedLogCompressor(Zstd))
	require.False(t, SupportedLogCompressor("bzip2"))

	w := NewRotatingLogWriter()
	err := w.InitLogRotator(t.TempDir()+"/test.log", "bzip2", 1, 1)
	require.ErrorContains(t, err, "unknown log compressor")
}
