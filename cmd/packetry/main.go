package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gousb"
	log "github.com/sirupsen/logrus"

	"github.com/claui/packetry"
	"github.com/claui/packetry/pcapfile"
)

var (
	listOnly  bool
	speedName string
	output    string
	verbose   bool
)

func init() {
	flag.BoolVar(&listOnly, "list", false, "list detected devices and exit")
	flag.StringVar(&speedName, "speed", "auto", "capture speed: auto, high, full or low")
	flag.StringVar(&output, "o", "capture.pcap", "output pcap file")
	flag.BoolVar(&verbose, "v", false, "enable debug logging")
}

func listDevices(devices []*packetry.Device) {
	if len(devices) == 0 {
		fmt.Println("No devices found")
		return
	}
	for _, dev := range devices {
		if dev.Usability.Usable() {
			fmt.Printf("%s: usable, interface %d alt %d, speeds:\n",
				dev, dev.Usability.Selection.Number, dev.Usability.Selection.Alternate)
			for _, speed := range dev.Usability.Speeds {
				fmt.Printf("  %s\n", speed.Description())
			}
		} else {
			fmt.Printf("%s: not usable: %s\n", dev, dev.Usability.Reason)
		}
	}
}

func firstUsable(devices []*packetry.Device) *packetry.Device {
	for _, dev := range devices {
		if dev.Usability.Usable() {
			return dev
		}
	}
	return nil
}

func run() error {
	speed, err := packetry.ParseSpeed(speedName)
	if err != nil {
		return err
	}

	ctx := gousb.NewContext()
	defer ctx.Close()

	devices, err := packetry.Scan(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, dev := range devices {
			dev.Close()
		}
	}()

	if listOnly {
		listDevices(devices)
		return nil
	}

	device := firstUsable(devices)
	if device == nil {
		return fmt.Errorf("no usable device found")
	}
	supported := false
	for _, s := range device.Usability.Speeds {
		if s == speed {
			supported = true
			break
		}
	}
	if !supported {
		return fmt.Errorf("device does not support %s capture", speed.Description())
	}

	handle, err := device.Open()
	if err != nil {
		return err
	}
	defer handle.Close()

	out, err := os.Create(output)
	if err != nil {
		return err
	}
	defer out.Close()
	writer, err := pcapfile.NewWriter(out)
	if err != nil {
		return err
	}

	stream, stop, err := handle.Start(speed, func(err error) {
		if err != nil {
			log.WithError(err).Error("capture ended with error")
		}
	})
	if err != nil {
		return err
	}

	// First interrupt requests a clean stop; the stream below ends once
	// the capture goroutine has drained its transfer pool.
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT, syscall.SIGTERM)
	stopRequested := make(chan struct{})
	stopErr := make(chan error, 1)
	go func() {
		<-interrupt
		signal.Stop(interrupt)
		close(stopRequested)
		stopErr <- stop.Stop()
	}()

	packets := 0
	for {
		packet, ok := stream.Next()
		if !ok {
			break
		}
		if err := writer.WritePacket(time.Now(), packet); err != nil {
			return err
		}
		packets++
	}
	log.WithFields(log.Fields{"packets": packets, "file": output}).Info("capture saved")

	select {
	case <-stopRequested:
		return <-stopErr
	default:
		// The capture ended on its own; the handler has already
		// reported the cause.
		return nil
	}
}

func main() {
	flag.Parse()
	if verbose {
		log.SetLevel(log.DebugLevel)
	}
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
