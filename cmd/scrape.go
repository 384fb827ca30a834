package main

import (
	"encoding/json"
	"io"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/pagestream/internal/model"
)

var (
	scrapeQuery    string
	scrapeSentence string
	scrapeStart    int
	scrapeFull     bool
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one job and print its events as JSON lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("scrape"); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, cfg, scrapeFull)
		if err != nil {
			return err
		}
		defer env.Close()

		mode := model.ModeLightweight
		if scrapeFull {
			mode = model.ModeFull
		}
		events, err := env.Orchestrator.Stream(ctx, model.Request{
			Query:         scrapeQuery,
			Sentence:      scrapeSentence,
			StartingIndex: scrapeStart,
			Mode:          mode,
		})
		if err != nil {
			return err
		}
		return writeEvents(cmd.OutOrStdout(), events)
	},
}

// eventLine is the JSON-lines form of a stream event.
type eventLine struct {
	Kind   model.EventKind `json:"kind"`
	Index  *int            `json:"index,omitempty"`
	Result *model.Result   `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// writeEvents prints every event and returns the job's error, if it failed.
func writeEvents(w io.Writer, events <-chan model.Event) error {
	enc := json.NewEncoder(w)
	var jobErr error
	for ev := range events {
		line := eventLine{Kind: ev.Kind, Result: ev.Result}
		if !ev.Kind.Terminal() {
			idx := ev.Index
			line.Index = &idx
		}
		if ev.Err != nil {
			line.Error = ev.Err.Error()
			jobErr = ev.Err
		}
		if err := enc.Encode(line); err != nil {
			return eris.Wrap(err, "scrape: write event")
		}
	}
	return jobErr
}

func init() {
	scrapeCmd.Flags().StringVar(&scrapeQuery, "query", "", "search query")
	scrapeCmd.Flags().StringVar(&scrapeSentence, "sentence", "", "sentence whose pages are skipped as redundant")
	scrapeCmd.Flags().IntVar(&scrapeStart, "start", 0, "rank of the first result")
	scrapeCmd.Flags().BoolVar(&scrapeFull, "full", false, "fetch with headless browsers instead of HTTP")
	_ = scrapeCmd.MarkFlagRequired("query")
	rootCmd.AddCommand(scrapeCmd)
}
