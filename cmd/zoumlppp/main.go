// zoumlppp runs PPP links with multilink bundles, over PPPoE or UDP, per a YAML config file
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hujun-open/zoumlppp/client"
	"github.com/hujun-open/zoumlppp/config"
	"github.com/hujun-open/zoumlppp/lcp"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "zoumlppp",
	Short: "PPP with multilink bundles",
	Long: `zoumlppp negotiates LCP, PAP/CHAP, IPCP and CCP over PPPoE or UDP links,
and aggregates links of the same peer into multilink bundles.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run links per a config file until interrupted",
	RunE:  runLinks,
}

var pipeCmd = &cobra.Command{
	Use:   "pipe",
	Short: "Connect a server and a client back to back in memory, print both states",
	RunE:  runPipe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "zoumlppp %s (commit: %s)\n", version, commit)
	},
}

var (
	configFile string

	pipeLinks     int
	pipeMultiLink bool
	pipeAuth      string
	pipeLogLevel  string
	pipeTimeout   time.Duration
)

func init() {
	runCmd.Flags().StringVarP(&configFile, "config", "c", "zoumlppp.yaml", "config file")

	pipeCmd.Flags().IntVar(&pipeLinks, "links", 1, "number of links")
	pipeCmd.Flags().BoolVar(&pipeMultiLink, "multilink", false, "bundle the links with multilink")
	pipeCmd.Flags().StringVar(&pipeAuth, "auth", lcp.AuthPAP.String(), "auth type, pap or chap-md5")
	pipeCmd.Flags().StringVarP(&pipeLogLevel, "log-level", "l", "error", "log level: error, info or debug")
	pipeCmd.Flags().DurationVar(&pipeTimeout, "timeout", 10*time.Second, "timeout waiting for IPCP")

	rootCmd.AddCommand(runCmd, pipeCmd, versionCmd)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runLinks(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	lvl, _ := cfg.LogLevel()
	logger, err := client.NewDefaultLogger(lvl)
	if err != nil {
		return fmt.Errorf("failed to create logger, %w", err)
	}
	defer logger.Sync()
	c, err := client.New(cfg, logger)
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()
	logger.Sugar().Infof("zoumlppp %v started with %d link configs", version, len(cfg.Links))
	if err := c.Run(ctx); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), "done")
	return nil
}

func parseLevel(s string) (zapcore.Level, error) {
	cfg := config.Default()
	cfg.Log.Level = s
	return cfg.LogLevel()
}

func runPipe(cmd *cobra.Command, args []string) error {
	lvl, err := parseLevel(pipeLogLevel)
	if err != nil {
		return err
	}
	logger, err := client.NewDefaultLogger(lvl)
	if err != nil {
		return fmt.Errorf("failed to create logger, %w", err)
	}
	defer logger.Sync()
	a, err := lcp.ParseAuthType(pipeAuth)
	if err != nil {
		return err
	}
	setup := client.DefaultPipeSetup()
	setup.Links = pipeLinks
	setup.MultiLink = pipeMultiLink
	setup.Auth = a
	setup.Timeout = pipeTimeout
	ctx, cancel := signalContext()
	defer cancel()
	r, err := client.RunPipe(ctx, setup, logger)
	if r != nil {
		out, merr := yaml.Marshal(r)
		if merr != nil {
			return merr
		}
		fmt.Fprint(cmd.OutOrStdout(), string(out))
	}
	return err
}
