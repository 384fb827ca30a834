package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/pagestream/internal/config"
	"github.com/sells-group/pagestream/internal/model"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "scrape", "config"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "pagestream", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)

	require.NotNil(t, serveCmd.Flags().Lookup("no-browser"))
}

func TestScrapeCommand_Flags(t *testing.T) {
	for _, name := range []string{"query", "sentence", "start", "full"} {
		assert.NotNil(t, scrapeCmd.Flags().Lookup(name), name)
	}
}

func TestWriteEvents(t *testing.T) {
	ch := make(chan model.Event, 3)
	ch <- model.Event{Kind: model.EventProcessing, Index: 0}
	ch <- model.Event{Kind: model.EventResult, Index: 0, Result: &model.Result{CleanLink: "https://a/", Text: "t"}}
	ch <- model.Event{Kind: model.EventEnd, Index: -1}
	close(ch)

	var buf bytes.Buffer
	require.NoError(t, writeEvents(&buf, ch))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, `{"kind":"processing","index":0}`, lines[0])
	assert.Equal(t, `{"kind":"result","index":0,"result":{"clean_link":"https://a/","text_cleaned":"t"}}`, lines[1])
	assert.Equal(t, `{"kind":"end"}`, lines[2])
}

func TestWriteEvents_ReturnsJobError(t *testing.T) {
	ch := make(chan model.Event, 1)
	ch <- model.Event{Kind: model.EventError, Index: -1, Err: errors.New("search down")}
	close(ch)

	var buf bytes.Buffer
	err := writeEvents(&buf, ch)
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"error":"search down"`)
}

func TestRenderConfig_MasksSecrets(t *testing.T) {
	c := &config.Config{}
	c.Server.Port = 5000
	c.Search.Provider = "jina"
	c.Search.JinaKey = "jina_live_secret"

	out, err := renderConfig(c)
	require.NoError(t, err)
	assert.Contains(t, string(out), "port: 5000")
	assert.Contains(t, string(out), "provider: jina")
	assert.NotContains(t, string(out), "jina_live_secret")
	assert.Equal(t, "jina_live_secret", c.Search.JinaKey, "original config is untouched")
}
