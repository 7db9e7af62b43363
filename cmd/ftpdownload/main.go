// Command ftpdownload fetches a remote file from an ftpserver instance into
// a local directory, using either reliability engine.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/eenblam/udpftp/internal/applog"
	"github.com/eenblam/udpftp/internal/client"
	"github.com/eenblam/udpftp/internal/config"
	"github.com/eenblam/udpftp/internal/connstate"
	"github.com/eenblam/udpftp/internal/session"
)

func main() {
	app := &cli.App{
		Name:  "ftpdownload",
		Usage: "download a file from an ftpserver instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "server address (overrides --config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "server port (overrides --config)"},
			&cli.StringFlag{Name: "dest-dir", Aliases: []string{"d"}, Required: true, Usage: "local directory to write the file into"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "remote name to fetch"},
			&cli.StringFlag{Name: "protocol", Usage: "stop_and_wait or sack (overrides --config; default stop_and_wait)"},
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
	log := logger.WithField("component", "ftpdownload")

	params := config.Defaults()
	if cfgPath := c.String("config"); cfgPath != "" {
		if err := config.LoadFile(&params, cfgPath); err != nil {
			log.WithError(err).Error("[CLIENT] failed to load config file")
			return cli.Exit(err, 1)
		}
	}
	if c.IsSet("host") {
		params.Host = c.String("host")
	}
	if c.IsSet("port") {
		params.Port = c.Int("port")
	}
	if c.IsSet("protocol") {
		params.Protocol = c.String("protocol")
	}
	if params.Host == "" {
		return cli.Exit("host is required (set -H or provide it in --config)", 1)
	}
	if params.Port == 0 {
		return cli.Exit("port is required (set -p or provide it in --config)", 1)
	}
	params.Clamp()

	stopAndWait, err := config.ParseProtocol(params.Protocol)
	if err != nil {
		log.WithError(err).Error("[CLIENT] unsupported protocol")
		return cli.Exit(err, 1)
	}
	protocol := connstate.SelectiveAck
	if stopAndWait {
		protocol = connstate.StopAndWait
	}

	if err := os.MkdirAll(c.String("dest-dir"), 0o755); err != nil {
		log.WithError(err).Error("[CLIENT] failed to create destination directory")
		return cli.Exit(err, 1)
	}

	req := client.DownloadRequest{
		Host:       params.Host,
		Port:       params.Port,
		DestDir:    c.String("dest-dir"),
		RemoteName: c.String("name"),
		Protocol:   protocol,
		Params:     params,
	}

	result := client.Download(req, log)
	return exitForResult(result)
}

func exitForResult(result session.Result) error {
	switch result.Outcome {
	case session.Success:
		return nil
	default:
		msg := result.String()
		fmt.Fprintln(os.Stderr, msg)
		return cli.Exit(msg, 1)
	}
}
