// Command ftpserver runs the reliable-file-transfer dispatcher: one UDP
// socket, one session per remote peer, either reliability engine selected
// per-session by the client's handshake PROTOCOL bit.
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/eenblam/udpftp/internal/applog"
	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/server"
)

func main() {
	app := &cli.App{
		Name:  "ftpserver",
		Usage: "serve file uploads and downloads over the reliability protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "address to bind (overrides --config; default 0.0.0.0)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "port to bind (overrides --config)"},
			&cli.StringFlag{Name: "storage-dir", Aliases: []string{"s"}, Required: true, Usage: "root directory serving and receiving files"},
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "optional ini file of tunable defaults (host/port/protocol/window sizes)"},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}},
			&cli.BoolFlag{Name: "quiet", Aliases: []string{"q"}},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	logger := applog.Setup(c.Bool("verbose"), c.Bool("quiet"))
	log := logger.WithField("component", "ftpserver")

	if err := os.MkdirAll(c.String("storage-dir"), 0o755); err != nil {
		log.WithError(err).Error("[DISPATCH] failed to create storage directory")
		return cli.Exit(err, 1)
	}

	params := config.Defaults()
	if cfgPath := c.String("config"); cfgPath != "" {
		if err := config.LoadFile(&params, cfgPath); err != nil {
			log.WithError(err).Error("[DISPATCH] failed to load config file")
			return cli.Exit(err, 1)
		}
	}
	if c.IsSet("host") {
		params.Host = c.String("host")
	}
	if params.Host == "" {
		params.Host = "0.0.0.0"
	}
	if c.IsSet("port") {
		params.Port = c.Int("port")
	}
	if params.Port == 0 {
		return cli.Exit("port is required (set -p or provide it in --config)", 1)
	}
	params.Clamp()

	srv, err := server.Listen(params.Host, params.Port, c.String("storage-dir"), params, log)
	if err != nil {
		log.WithError(err).Error("[DISPATCH] failed to bind")
		return cli.Exit(err, 1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT)
	sig := <-sigCh
	log.Infof("[DISPATCH] received signal %s; shutting down", sig)
	srv.Shutdown()
	return nil
}
