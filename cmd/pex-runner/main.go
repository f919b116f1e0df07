// Command pex-runner wires up the worker pool for manual/local runs:
// given a config file, a rootfs EROFS image, and an input directory, it
// boots one micro-VM, feeds it the packed input directory over an
// IoFile, and prints the guest's response. There is no HTTP surface —
// the full request/response cycle spec.md describes minus the network
// transport, for local testing and CI.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/programexplorer/pex/hypervisor"
	"github.com/programexplorer/pex/iofile"
	"github.com/programexplorer/pex/internal/config"
	"github.com/programexplorer/pex/pearchive"
	"github.com/programexplorer/pex/worker"
)

var version = ""

func main() {
	app := cli.NewApp()
	app.Name = "pex-runner"
	app.Usage = "run one program-explorer request against a local worker pool"
	app.Version = version
	app.Commands = []cli.Command{runCmd}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %+v\n", err)
		os.Exit(1)
	}
}

var runCmd = cli.Command{
	Name:  "run",
	Usage: "run a single request",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "config", Usage: "path to the TOML process config", Value: "pex.toml"},
		cli.StringFlag{Name: "rootfs", Usage: "EROFS image to attach read-only", Required: true},
		cli.StringFlag{Name: "input-dir", Usage: "directory to pack as the request's input archive"},
		cli.StringFlag{Name: "guest-config", Usage: "path to a JSON guest config blob, written verbatim into the envelope"},
	},
	Action: doRun,
}

func doRun(ctx *cli.Context) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return err
	}
	if len(cfg.Worker.CPUSets) == 0 {
		return errors.New("pex-runner: config has no worker.cpu_sets entries")
	}

	guestConfig := []byte("{}")
	if p := ctx.String("guest-config"); p != "" {
		guestConfig, err = os.ReadFile(p)
		if err != nil {
			return errors.Wrap(err, "pex-runner: read guest config")
		}
	}

	b, err := iofile.NewBuilder()
	if err != nil {
		return err
	}
	if err := b.WriteEnvelope(guestConfig); err != nil {
		return err
	}
	if dir := ctx.String("input-dir"); dir != "" {
		if err := pearchive.Pack(b.Archive(), dir); err != nil {
			return errors.Wrap(err, "pex-runner: pack input directory")
		}
	}
	iof, err := b.Finish()
	if err != nil {
		return err
	}

	pool := worker.NewPool(cfg.Worker.CPUSets)

	timeout := time.Duration(cfg.Worker.RunTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	replyCh, err := pool.Submit(worker.Input{
		CHConfig: hypervisor.Config{
			Bin:         cfg.Hypervisor.Bin,
			Kernel:      cfg.Hypervisor.Kernel,
			Initramfs:   cfg.Hypervisor.Initramfs,
			RunDir:      cfg.Hypervisor.RunDir,
			KeepConsole: cfg.Hypervisor.KeepConsole,
		},
		CHTimeout: timeout,
		IOFile:    iof,
		Rootfs:    ctx.String("rootfs"),
	})
	if err != nil {
		return err
	}

	reply := <-replyCh
	if reply.Postmortem != nil {
		return errors.Wrapf(reply.Postmortem, "pex-runner: run failed (args: %v)", reply.Postmortem.Args)
	}

	resp, err := iofile.ReadResponse(reply.Output.IOFile)
	if err != nil {
		return err
	}
	os.Stdout.Write(resp.Body)
	return nil
}
