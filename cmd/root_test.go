package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/eb-copilot/internal/config"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	// Collect subcommand names.
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"serve", "worker", "migrate", "run", "seed", "export"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "ebc", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("no-workers")
	require.NotNil(t, flag, "serve command should have --no-workers flag")
	assert.Equal(t, "false", flag.DefValue)
}

func TestRunCommand_RequiresID(t *testing.T) {
	assert.Error(t, runCmd.Args(runCmd, nil))
	assert.NoError(t, runCmd.Args(runCmd, []string{"v-1"}))
	assert.Error(t, runCmd.Args(runCmd, []string{"v-1", "v-2"}))
}

func TestSeedCommand_Flags(t *testing.T) {
	flag := seedCmd.Flags().Lookup("file")
	require.NotNil(t, flag, "seed command should have --file flag")
	assert.Equal(t, "fixtures.yaml", flag.DefValue)
	assert.NotNil(t, seedCmd.Flags().Lookup("tenant"))
}

func TestExportCommand_Flags(t *testing.T) {
	flag := exportCmd.Flags().Lookup("out")
	require.NotNil(t, flag, "export command should have --out flag")
	assert.Equal(t, "worklist.xlsx", flag.DefValue)
	assert.NotNil(t, exportCmd.Flags().Lookup("tenant"))
}

func TestRootCommand_LogFlags(t *testing.T) {
	for _, name := range []string{"log-level", "log-format"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), "root should have --%s", name)
	}

	log := config.LogConfig{Level: "warn", Format: "console"}
	applyLogFlags(rootCmd, &log)
	assert.Equal(t, config.LogConfig{Level: "warn", Format: "console"}, log, "unset flags keep config values")

	flag := rootCmd.PersistentFlags().Lookup("log-level")
	require.NoError(t, rootCmd.PersistentFlags().Set("log-level", "debug"))
	t.Cleanup(func() {
		logLevel = flag.DefValue
		flag.Changed = false
	})

	applyLogFlags(rootCmd, &log)
	assert.Equal(t, "debug", log.Level)
	assert.Equal(t, "console", log.Format)
}
