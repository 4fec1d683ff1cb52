// Command hteapotd is the HTeaPot embedder binary: it loads a Config,
// wires the connection engine with a small prefix-routing handler, and
// runs until an interrupt signal is received.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/Az107/HTeaPot/internal/collab"
	"github.com/Az107/HTeaPot/internal/config"
	"github.com/Az107/HTeaPot/internal/engine"
	"github.com/Az107/HTeaPot/internal/header"
	"github.com/Az107/HTeaPot/internal/htlog"
	"github.com/Az107/HTeaPot/internal/message"
	"github.com/Az107/HTeaPot/internal/shutdown"
	"github.com/Az107/HTeaPot/internal/upstream"
)

var flags struct {
	configPath string
	address    string
	port       int
	threads    int
	keepAlive  int
}

func main() {
	root := &cobra.Command{
		Use:   "hteapotd",
		Short: "HTeaPot HTTP server and request-forwarding engine",
		RunE:  run,
	}

	fs := pflag.NewFlagSet("hteapotd", pflag.ExitOnError)
	fs.StringVar(&flags.configPath, "config", "", "path to a YAML/JSON/TOML config file")
	fs.StringVar(&flags.address, "address", "", "override the configured bind address")
	fs.IntVar(&flags.port, "port", 0, "override the configured bind port")
	fs.IntVar(&flags.threads, "threads", 0, "override the configured worker count")
	fs.IntVar(&flags.keepAlive, "keep-alive", 0, "override the configured keep-alive TTL in seconds")
	root.Flags().AddFlagSet(fs)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	applyOverrides(cfg)

	logger := htlog.New()
	srv := engine.NewThreaded(cfg.Address, cfg.Port, cfg.Threads)
	srv.SetLogger(logger)
	if cfg.KeepAliveTTLSeconds > 0 {
		srv.SetKeepAliveTTL(time.Duration(cfg.KeepAliveTTLSeconds) * time.Second)
	}

	var cache collab.Cache = collab.NoCache{}
	var static collab.StaticHandler = collab.NotFoundStaticHandler{}
	client := upstream.New()
	rules := cfg.CollabProxyRules()

	handler := buildHandler(rules, static, cache, client, logger)

	coordinator := shutdown.New(srv)
	coordinator.SetLogger(logger)
	coordinator.Watch()

	srv.AddShutdownHook(func() error {
		logger.Info("in-flight connections drained, running shutdown hooks")
		return nil
	})

	logger.Info("hteapotd listening", collab.F("address", cfg.Address), collab.F("port", cfg.Port))
	return srv.Listen(handler)
}

func applyOverrides(cfg *config.Config) {
	if flags.address != "" {
		cfg.Address = flags.address
	}
	if flags.port != 0 {
		cfg.Port = flags.port
	}
	if flags.threads != 0 {
		cfg.Threads = flags.threads
	}
	if flags.keepAlive != 0 {
		cfg.KeepAliveTTLSeconds = flags.keepAlive
	}
}

func buildHandler(
	rules []collab.ProxyRule,
	static collab.StaticHandler,
	cache collab.Cache,
	client *upstream.Client,
	logger collab.Logger,
) engine.Handler {
	return func(req *message.Request) message.Response {
		if cached, ok := cache.Get(req); ok {
			return cached
		}

		if rule, ok := collab.MatchProxyRule(rules, req.Path); ok && rule.Upstream != "" {
			return proxyRequest(req, rule.Upstream, client, logger)
		}

		if resp, ok := static.Serve(req.Path); ok {
			cache.Set(req, resp)
			return resp
		}

		return message.NewBufferedResponse(
			message.StatusNotFound,
			[]byte("not found"),
			header.New(),
		)
	}
}

func proxyRequest(req *message.Request, authority string, client *upstream.Client, logger collab.Logger) message.Response {
	raw := serializeForUpstream(req)
	head, err := client.Fetch(authority, raw)
	if err != nil {
		logger.Error("upstream fetch failed", collab.F("authority", authority), collab.F("error", err.Error()))
		return message.NewBufferedResponse(
			message.StatusInternalServerError,
			[]byte("upstream error: "+err.Error()),
			header.New(),
		)
	}
	return head.ToResponse()
}

func serializeForUpstream(req *message.Request) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s HTTP/1.1\r\n", req.Method.String(), req.Path)
	req.Header.Range(func(name, value string) bool {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
		return true
	})
	b.WriteString("\r\n")
	out := []byte(b.String())
	out = append(out, req.Body...)
	return out
}
