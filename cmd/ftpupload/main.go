// Command ftpupload sends a local file to an ftpserver instance under a
// chosen remote name, using either reliability engine.
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
		Name:  "ftpupload",
		Usage: "upload a file to an ftpserver instance",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Aliases: []string{"H"}, Usage: "server address (overrides --config)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "server port (overrides --config)"},
			&cli.StringFlag{Name: "source", Aliases: []string{"s"}, Required: true, Usage: "local path of the file to send"},
			&cli.StringFlag{Name: "name", Aliases: []string{"n"}, Required: true, Usage: "remote name to store the file under"},
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
	log := logger.WithField("component", "ftpupload")

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

	req := client.UploadRequest{
		Host:       params.Host,
		Port:       params.Port,
		SourcePath: c.String("source"),
		RemoteName: c.String("name"),
		Protocol:   protocol,
		Params:     params,
	}

	result := client.Upload(req, log)
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
