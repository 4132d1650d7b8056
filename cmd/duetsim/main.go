// duetsim runs the daemon against an in-memory firmware that
// acknowledges every code, useful for exercising the stack without
// hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/samsamfire/goduet/pkg/codes"
	"github.com/samsamfire/goduet/pkg/config"
	"github.com/samsamfire/goduet/pkg/daemon"
	"github.com/samsamfire/goduet/pkg/spi/virtual"
	"github.com/samsamfire/goduet/pkg/transfer"
	log "github.com/sirupsen/logrus"
)

func main() {
	jobFile := flag.String("f", "", "job file to execute")
	code := flag.String("g", "M115", "code to execute when no job file is given")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	log.SetLevel(log.InfoLevel)
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	trx := virtual.NewVirtualTransceiver(nil)
	trx.SetHandler(func(received []*transfer.Packet) []*transfer.Packet {
		responses := []*transfer.Packet{}
		for _, p := range received {
			if transfer.SbcRequest(p.Type) != transfer.SbcRequestCode {
				continue
			}
			decoded, err := codes.Decode(p.Body)
			if err != nil {
				continue
			}
			responses = append(responses, virtual.CodeReplyPacket(
				decoded.Channel, p.Id, codes.Info, "", false))
		}
		return responses
	})

	settings := config.Default()
	settings.MacroDir = "."
	settings.JobDir = "."
	settings.PluginListPath = os.TempDir() + "/duetsim-plugins.txt"

	d, err := daemon.NewWithTransceiver(settings, trx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "could not assemble daemon : %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}
	if err := d.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "startup failed : %v\n", err)
		os.Exit(daemon.ExitConfigError)
	}
	defer d.Shutdown()

	// Advertise buffer space like the firmware would on boot
	for ch := codes.Channel(0); ch < codes.ChannelCount; ch++ {
		trx.Send(virtual.CodeBufferUpdatePacket(ch, 4096))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if *jobFile != "" {
		if resp := d.SelectFile(*jobFile, false); !resp.Success {
			fmt.Fprintf(os.Stderr, "select failed : %v\n", resp.Message)
			os.Exit(1)
		}
		if resp := d.StartPrint(); !resp.Success {
			fmt.Fprintf(os.Stderr, "start failed : %v\n", resp.Message)
			os.Exit(1)
		}
		d.Jobs().WaitFinished(ctx)
		status := d.JobStatus()
		fmt.Printf("job %v : %v\n", status.Filename, status.Phase)
	} else {
		resp := d.SimpleCode(ctx, codes.ChannelSBC, *code)
		if !resp.Success {
			fmt.Fprintf(os.Stderr, "code failed : %v\n", resp.Message)
			os.Exit(1)
		}
		fmt.Printf("ok %v\n", resp.Value)
	}
	fmt.Print(d.Diagnostics())
}
