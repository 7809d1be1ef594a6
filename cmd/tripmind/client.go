package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tripmind/internal/gateway"
	"tripmind/internal/tripmind"
)

type clientFlags struct {
	server    string
	lang      string
	store     string
	storeDir  string
	storeMax  int64
	redisAddr string
	redisDB   int
	ttl       time.Duration
}

func (f *clientFlags) register(cmd *cobra.Command) {
	server := os.Getenv("TRIPMIND_SERVER")
	if server == "" {
		server = "http://localhost:8080"
	}
	cmd.Flags().StringVar(&f.server, "server", server, "dispatcher base URL")
	cmd.Flags().StringVar(&f.lang, "lang", "en", "output language (en or cn)")
	cmd.Flags().StringVar(&f.store, "store", "memory", "session cache store: memory, leveldb or redis")
	cmd.Flags().StringVar(&f.storeDir, "store-dir", "", "leveldb directory (temporary when empty)")
	cmd.Flags().Int64Var(&f.storeMax, "store-max-bytes", 64<<20, "leveldb byte quota")
	cmd.Flags().StringVar(&f.redisAddr, "redis-addr", "localhost:6379", "redis address")
	cmd.Flags().IntVar(&f.redisDB, "redis-db", 0, "redis database")
	cmd.Flags().DurationVar(&f.ttl, "session-ttl", 2*time.Hour, "redis key lifetime")
}

func (f *clientFlags) openStore(ctx context.Context) (gateway.Storage, error) {
	switch f.store {
	case "memory":
		return gateway.NewMemoryStore(), nil
	case "leveldb":
		return gateway.OpenLevelDBStore(f.storeDir, f.storeMax)
	case "redis":
		return gateway.DialRedisStore(ctx, f.redisAddr, os.Getenv("TRIPMIND_REDIS_PASSWORD"), f.redisDB, f.ttl)
	}
	return nil, fmt.Errorf("unknown store %q", f.store)
}

func (f *clientFlags) client(ctx context.Context) (*gateway.Client, error) {
	store, err := f.openStore(ctx)
	if err != nil {
		return nil, err
	}
	return gateway.New(f.server, gateway.WithCache(gateway.NewCache(store, nil))), nil
}

// invoker decodes params for one action and calls the matching client method.
type invoker func(ctx context.Context, c *gateway.Client, raw []byte) (any, error)

func invoke[P, R any](method func(*gateway.Client, context.Context, P) (R, error)) invoker {
	return func(ctx context.Context, c *gateway.Client, raw []byte) (any, error) {
		var p P
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &p); err != nil {
				return nil, fmt.Errorf("params: %w", err)
			}
		}
		return method(c, ctx, p)
	}
}

var invokers = map[tripmind.Action]invoker{
	tripmind.ActionGenerateTravelPlans:         invoke((*gateway.Client).GenerateTravelPlans),
	tripmind.ActionGetVisaRequirements:         invoke((*gateway.Client).GetVisaRequirements),
	tripmind.ActionGetSmartAlerts:              invoke((*gateway.Client).GetSmartAlerts),
	tripmind.ActionGenerateTouristGuide:        invoke((*gateway.Client).GenerateTouristGuide),
	tripmind.ActionGetLuggageAdvisor:           invoke((*gateway.Client).GetLuggageAdvisor),
	tripmind.ActionAnalyzeBudgetSplit:          invoke((*gateway.Client).AnalyzeBudgetSplit),
	tripmind.ActionGenerateTravelReportSummary: invoke((*gateway.Client).GenerateTravelReportSummary),
	tripmind.ActionSuggestMeetingTimes:         invoke((*gateway.Client).SuggestMeetingTimes),
	tripmind.ActionGeneratePackingList:         invoke((*gateway.Client).GeneratePackingList),
	tripmind.ActionGetDailyTravelInsight:       invoke((*gateway.Client).GetDailyTravelInsight),
	tripmind.ActionGenerateDestinationVideo:    invoke((*gateway.Client).GenerateDestinationVideo),
	tripmind.ActionTranslateText:               invoke((*gateway.Client).TranslateText),
	tripmind.ActionTranslateImage:              invoke((*gateway.Client).TranslateImage),
}

func newCallCmd() *cobra.Command {
	var f clientFlags
	names := make([]string, len(tripmind.Actions))
	for i, a := range tripmind.Actions {
		names[i] = string(a)
	}
	cmd := &cobra.Command{
		Use:       "call <action> [params-json]",
		Short:     "Call one dispatcher action through the client gateway",
		Long:      "Actions: " + strings.Join(names, ", "),
		Args:      cobra.RangeArgs(1, 2),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			action, ok := tripmind.ParseAction(args[0])
			if !ok {
				return fmt.Errorf("unknown action %q", args[0])
			}
			var raw []byte
			if len(args) == 2 {
				raw = []byte(args[1])
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c, err := f.client(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			out, err := invokers[action](ctx, c, raw)
			if err != nil {
				return fmt.Errorf("%s (%w)", gateway.UserMessage(err, f.lang), err)
			}
			return printJSON(cmd, out)
		},
	}
	f.register(cmd)
	return cmd
}

func newHomeCmd() *cobra.Command {
	var f clientFlags
	cmd := &cobra.Command{
		Use:   "home <destination>",
		Short: "Load the dashboard feed: daily insight and destination alerts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c, err := f.client(ctx)
			if err != nil {
				return err
			}
			defer c.Close()

			h := c.LoadHome(ctx, args[0], f.lang)
			out := map[string]any{}
			if h.InsightErr != nil {
				out["insightError"] = gateway.UserMessage(h.InsightErr, f.lang)
			} else {
				out["insight"] = h.Insight
			}
			if h.AlertsErr != nil {
				out["alertsError"] = gateway.UserMessage(h.AlertsErr, f.lang)
			} else {
				out["alerts"] = h.Alerts
			}
			return printJSON(cmd, out)
		},
	}
	f.register(cmd)
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
