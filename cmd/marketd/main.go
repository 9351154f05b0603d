package main

import (
	"encoding/json"
	_ "net/http/pprof"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"github.com/piconet/market-core/cmd/common"
	"github.com/piconet/market-core/cmd/marketd/marketplace"
	"github.com/piconet/market-core/cmd/marketd/service"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	badger "github.com/textileio/go-ds-badger3"
)

var (
	daemonName = "marketd"
	log        = logging.Logger(daemonName)
	v          = viper.New()
)

func init() {
	flags := []common.Flag{
		{Name: "http-addr", DefValue: ":8080", Description: "HTTP API listen address"},
		{Name: "metrics-addr", DefValue: ":9090", Description: "Prometheus listen address"},
		{
			Name:        "db-path",
			DefValue:    filepath.Join(os.Getenv("HOME"), "."+daemonName),
			Description: "Ledger datastore path",
		},
		{Name: "log-debug", DefValue: false, Description: "Enable debug level logs"},
		{Name: "log-json", DefValue: false, Description: "Enable structured logging"},
	}

	common.ConfigureCLI(v, "MARKETD", flags, rootCmd)
}

var rootCmd = &cobra.Command{
	Use:   daemonName,
	Short: "marketd runs a zkVM proof generation marketplace",
	Long:  `marketd runs a zkVM proof generation marketplace`,
	PersistentPreRun: func(c *cobra.Command, args []string) {
		common.ExpandEnvVars(v, v.AllSettings())
		err := common.ConfigureLogging(v, []string{
			daemonName,
			"marketd/service",
			"marketd/store",
			"marketplace",
		})
		common.CheckErrf("setting log levels: %v", err)
	},
	Run: func(c *cobra.Command, args []string) {
		settings, err := json.MarshalIndent(v.AllSettings(), "", "  ")
		common.CheckErr(err)
		log.Infof("loaded config: %s", string(settings))

		if err := common.SetupInstrumentation(v.GetString("metrics-addr")); err != nil {
			log.Fatalf("booting instrumentation: %s", err)
		}

		dstore, err := badger.NewDatastore(v.GetString("db-path"), &badger.DefaultOptions)
		common.CheckErrf("opening datastore: %v", err)

		m, err := marketplace.New(dstore)
		common.CheckErrf("creating marketplace: %v", err)

		server, err := service.NewServer(v.GetString("http-addr"), m)
		common.CheckErrf("starting http server: %v", err)

		log.Info("listening to requests...")

		common.HandleInterrupt(func() {
			if err := server.Close(); err != nil {
				log.Errorf("closing http endpoint: %s", err)
			}
			if err := dstore.Close(); err != nil {
				log.Errorf("closing datastore: %s", err)
			}
		})
	},
}

func main() {
	common.CheckErr(rootCmd.Execute())
}
