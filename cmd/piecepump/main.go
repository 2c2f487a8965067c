package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/c2h5oh/datasize"
	"github.com/urfave/cli"

	"github.com/cenkalti/piecepump/internal/jsonutil"
	"github.com/cenkalti/piecepump/internal/logger"
	"github.com/cenkalti/piecepump/internal/loopback"
	"github.com/cenkalti/piecepump/internal/peerconn"
)

var version = "0.0.0"

var log = logger.New("piecepump")

func main() {
	app := cli.NewApp()
	app.Version = version
	app.Usage = "Piece transfer engine"
	app.EnableBashCompletion = true
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "debug,d",
			Usage: "enable debug log",
		},
	}
	app.Before = handleBeforeCommand
	app.Commands = []cli.Command{
		{
			Name:  "transfer",
			Usage: "copy files from a seeding peer to a leeching peer through a socket pair",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:     "source,s",
					Usage:    "read files from `DIR`",
					Required: true,
				},
				cli.StringFlag{
					Name:     "dest,o",
					Usage:    "write files to `DIR`",
					Required: true,
				},
				cli.StringFlag{
					Name:  "config,c",
					Value: "~/.piecepump.yaml",
					Usage: "read config from `FILE`",
				},
				cli.StringFlag{
					Name:  "download-limit",
					Usage: "global download limit per second, e.g. 1MB",
				},
				cli.StringFlag{
					Name:  "upload-limit",
					Usage: "global upload limit per second, e.g. 1MB",
				},
			},
			Action: handleTransfer,
		},
		{
			Name:  "pipe-size",
			Usage: "print the number of requests kept in flight for a download rate",
			Flags: []cli.Flag{
				cli.Uint64Flag{
					Name:  "rate,r",
					Usage: "download rate in bytes per second",
				},
				cli.BoolFlag{
					Name:  "endgame,e",
					Usage: "all pieces are requested",
				},
			},
			Action: handlePipeSize,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func handleBeforeCommand(c *cli.Context) error {
	logger.SetDebug(c.Bool("debug"))
	return nil
}

func handleTransfer(c *cli.Context) error {
	cfg, err := loopback.LoadConfig(c.String("config"))
	if err != nil {
		return err
	}
	if c.GlobalBool("debug") {
		cfg.Debug = true
	}
	if err = parseLimit(c, "download-limit", &cfg.DownloadLimit); err != nil {
		return err
	}
	if err = parseLimit(c, "upload-limit", &cfg.UploadLimit); err != nil {
		return err
	}
	s, err := loopback.New(*cfg, c.String("source"), c.String("dest"))
	if err != nil {
		return err
	}
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	stats, err := s.Run(ctx)
	b, merr := jsonutil.MarshalCompactPretty(stats)
	if merr != nil {
		return merr
	}
	_, _ = os.Stdout.Write(b)
	return err
}

func parseLimit(c *cli.Context, name string, v *datasize.ByteSize) error {
	if !c.IsSet(name) {
		return nil
	}
	size, err := parseSize(c.String(name))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*v = size
	return nil
}

func parseSize(s string) (datasize.ByteSize, error) {
	var size datasize.ByteSize
	err := size.UnmarshalText([]byte(s))
	return size, err
}

func handlePipeSize(c *cli.Context) error {
	rate := c.Uint64("rate")
	if rate > 1<<32-1 {
		return fmt.Errorf("rate too large: %d", rate)
	}
	fmt.Println(peerconn.PipeSize(uint32(rate), c.Bool("endgame")))
	return nil
}
