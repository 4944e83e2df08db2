package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/ipechelon/domain-intel/go/config"
	"github.com/ipechelon/domain-intel/go/pipeline"
)

type globalOptions struct {
	LogLevel    string `long:"log-level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warning" choice:"error" description:"Logging level"`
	MetricsAddr string `long:"metrics-addr" description:"Serve Prometheus metrics on this address, for example :9100"`
}

var globals globalOptions

func main() {
	var parser = flags.NewParser(&globals, flags.HelpFlag|flags.PassDoubleDash)
	parser.CommandHandler = func(command flags.Commander, args []string) error {
		if level, err := log.ParseLevel(globals.LogLevel); err == nil {
			log.SetLevel(level)
		}
		if globals.MetricsAddr != "" {
			go func() {
				var mux = http.NewServeMux()
				mux.Handle("/metrics", promhttp.Handler())
				if err := http.ListenAndServe(globals.MetricsAddr, mux); err != nil {
					log.WithField("error", err).Error("metrics listener failed")
				}
			}()
		}
		return command.Execute(args)
	}

	addCmd(parser, "run", "Run a pipeline stage", `
Run a named enrichment stage until its input topic stops yielding
messages. The stage consumes, transforms and publishes (or persists)
under the configured consumer group, fanned out across threads.
`, &cmdRun{})

	addCmd(parser, "emit-labels", "Publish stored domain labels", `
Export every domain vertex identifier from the graph store onto the
domain-labels topic, seeding a traverse run.
`, &cmdEmitLabels{})

	addCmd(parser, "init", "Initialise broker topics and the graph database", `
Wait for the configured Kafka topics to exist, then create the graph
database and its vertex and edge collections.
`, &cmdInit{})

	addCmd(parser, "build-graph", "Build the domain graph definition", `
Register the named graph and its edge definitions in the store.
`, &cmdBuildGraph{})

	addCmd(parser, "seed-countries", "Load the ISO-3166 country vertices", `
Preload the country vertex collection from the embedded ISO-3166
table. Run before the persist stages so ranked edges always have
their country endpoint.
`, &cmdSeedCountries{})

	addCmd(parser, "info", "Report broker and store status", `
Dump the store server version and per-collection document counts.
`, &cmdInfo{})

	addCmd(parser, "load-domains", "Publish a domain list file", `
Publish a newline-delimited file of domain names onto a topic.
`, &cmdLoadDomains{})

	addCmd(parser, "load-qas", "Publish an analyst answers workbook", `
Read an analyst answers workbook and publish one JSON record per
domain row onto the analyst-qas topic.
`, &cmdLoadQAS{})

	addCmd(parser, "dump-topic", "Write a topic's messages to a file", `
Consume a topic and write each message as one line of output.
`, &cmdDumpTopic{})

	addCmd(parser, "reload", "Republish a dump directory onto a topic", `
Publish every file beneath a dump directory, in sorted order, back
onto a topic.
`, &cmdReload{})

	addCmd(parser, "reingest", "Re-segment a raw response dump onto a topic", `
Split a concatenated raw XML response dump on its closing element and
publish each response onto a topic.
`, &cmdReingest{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(flagsErr.Message)
			os.Exit(0)
		}
		log.Fatal(err)
	}
}

func addCmd(to interface {
	AddCommand(string, string, string, interface{}) (*flags.Command, error)
}, a, b, c string, iface interface{}) *flags.Command {
	var cmd, err = to.AddCommand(a, b, c, iface)
	if err != nil {
		log.WithField("error", err).Fatal("failed to add flags parser command")
	}
	return cmd
}

// signalContext cancels on SIGINT or SIGTERM so stages drain and
// commit before exit.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func loadPipeline() (*pipeline.Pipeline, *config.Config, error) {
	var cfg, err = config.Load()
	if err != nil {
		return nil, nil, err
	}
	p, err := pipeline.New(cfg)
	return p, cfg, err
}
