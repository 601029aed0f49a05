package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/mbta2mqtt"
)

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "mbta2mqtt dev\n", out.String())
}

func TestOverrides(t *testing.T) {
	opts := &options{logLevel: "debug", transport: "nats", dryRun: true}
	conf := &mbta2mqtt.Config{}
	conf.MBTA.Stops = []string{"place-harsq"}
	conf.Transport.System = "mqtt"

	for _, o := range opts.overrides([]string{"place-sstat"}) {
		o(conf)
	}

	assert.Equal(t, []string{"place-sstat"}, conf.MBTA.Stops)
	assert.Equal(t, "debug", conf.Logger.Level)
	assert.Equal(t, "channel", conf.Transport.System, "dry run wins over --transport")
}

func TestExecuteReportsConfigErrors(t *testing.T) {
	t.Setenv("MBTA_API_KEY", "")
	code := execute([]string{"--defaults", "/nonexistent/defaults.yaml"})
	assert.Equal(t, mbta2mqtt.ExitConfig, code)
}

func TestFlags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "defaults", "log-level", "transport", "dry-run"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
