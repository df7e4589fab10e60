// capture runs a one-shot acquisition and renders it in the terminal.
//
// Logic channels print as waveform traces, one row per channel.  Analog
// samples, decoded to physical units, are written to a CSV file.
//
// Configuration comes from capture.yaml in the working directory, or
// defaults when the file is absent:
//
//	backend: demo       # demo or rawser
//	conn: ""            # rawser port path or vid.pid
//	serialcomm: ""      # rawser serial config, e.g. 115200/8n1
//	samples: 64         # sample limit, 0 for unbounded
//	rate: 0             # sample rate, 0 to keep the device default
//	pattern: sigrok     # demo pattern mode
//	out: waveform.csv   # analog output path
package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/spf13/viper"
	"github.com/theckman/yacspin"

	"github.com/siglab/siglab"
	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/config"
	"github.com/siglab/siglab/data"
	"github.com/siglab/siglab/demo"
	"github.com/siglab/siglab/rawser"
	"github.com/siglab/siglab/util"
)

func setupconfig() {
	viper.SetConfigName("capture")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.SetDefault("backend", "demo")
	viper.SetDefault("conn", "")
	viper.SetDefault("serialcomm", "")
	viper.SetDefault("samples", 64)
	viper.SetDefault("rate", 0)
	viper.SetDefault("pattern", demo.PatternSigrok)
	viper.SetDefault("out", "waveform.csv")
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func newSpinner() *yacspin.Spinner {
	cfg := yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[14],
		SuffixAutoColon: true,
		StopCharacter:   "done",
	}
	sp, err := yacspin.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	return sp
}

func backendFor(name string) capi.Library {
	switch name {
	case "demo":
		return demo.New()
	case "rawser":
		return rawser.New()
	default:
		log.Fatalf("unknown backend %q", name)
		return nil
	}
}

func main() {
	setupconfig()
	backend := viper.GetString("backend")

	ctx, err := siglab.New(backendFor(backend))
	if err != nil {
		log.Fatal(err)
	}
	defer ctx.Close()

	drv, ok := ctx.DriverByName(backend)
	if !ok {
		log.Fatalf("backend %s exposes no driver of the same name", backend)
	}
	inst, err := ctx.InitDriver(drv)
	if err != nil {
		log.Fatal(err)
	}
	defer inst.Close()

	sp := newSpinner()
	sp.Start()
	sp.Message("scanning for devices")

	var opts []capi.ScanOption
	if conn := viper.GetString("conn"); conn != "" {
		opts = append(opts, capi.ConnOption(conn))
	}
	if comm := viper.GetString("serialcomm"); comm != "" {
		opts = append(opts, capi.SerialCommOption(comm))
	}
	devices, err := inst.Scan(opts...)
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	if len(devices) == 0 {
		sp.StopFail()
		log.Fatal("no devices found")
	}
	dev := devices[0]
	sp.Message(fmt.Sprintf("found %s %s", dev.Vendor(), dev.Model()))

	if n := viper.GetUint64("samples"); n > 0 {
		if err := dev.ConfigSet(config.LimitSamples, n); err != nil {
			sp.StopFail()
			log.Fatal(err)
		}
	}
	if r := viper.GetUint64("rate"); r > 0 {
		if err := dev.ConfigSet(config.SampleRate, r); err != nil {
			sp.StopFail()
			log.Fatal(err)
		}
	}
	if backend == "demo" {
		if err := dev.ConfigSet(config.PatternMode, viper.GetString("pattern")); err != nil {
			sp.StopFail()
			log.Fatal(err)
		}
	}

	ses, err := siglab.NewSession(ctx)
	if err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	defer ses.Destroy()
	if err := ses.AddDevice(dev); err != nil {
		sp.StopFail()
		log.Fatal(err)
	}

	var logicBuf []byte
	var analog []float64
	var unit string
	ses.CallbackAdd(func(_ *siglab.Device, packet data.Datafeed) {
		switch p := packet.(type) {
		case *data.Logic:
			b, err := p.Clone()
			if err != nil {
				return
			}
			logicBuf = append(logicBuf, b...)
		case *data.Analog:
			vs, err := p.Physical()
			if err != nil {
				return
			}
			analog = append(analog, vs...)
			unit = p.Unit().String()
		case data.Trigger:
			sp.Message("trigger matched")
		}
	})

	sp.Message("acquiring")
	if err := ses.Start(); err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	if err := ses.Run(); err != nil {
		sp.StopFail()
		log.Fatal(err)
	}
	p := ses.Params()
	sp.Message(fmt.Sprintf("captured %d logic samples (%s)",
		len(logicBuf), util.SamplesToDuration(uint64(len(logicBuf)), p.SampleRate)))
	sp.Stop()

	printTraces(dev, logicBuf)

	if len(analog) > 0 {
		out := viper.GetString("out")
		if err := writeCSV(out, analog); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("%d analog samples (%s) written to %s\n", len(analog), unit, out)
	}
}

// printTraces renders one waveform row per enabled logic channel.
func printTraces(dev *siglab.Device, buf []byte) {
	if len(buf) == 0 {
		return
	}
	for _, c := range dev.Channels() {
		if c.Kind() != data.ChannelLogic || !c.Enabled() {
			continue
		}
		fmt.Printf("%-4s %s\n", c.Name(), util.BitTrace(buf, uint(c.Index())))
	}
}

func writeCSV(path string, values []float64) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "index,value"); err != nil {
		return err
	}
	for i, v := range values {
		_, err := fmt.Fprintf(f, "%d,%s\n", i, strconv.FormatFloat(v, 'g', -1, 64))
		if err != nil {
			return err
		}
	}
	return nil
}
