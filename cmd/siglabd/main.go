// siglabd exposes signal acquisition hardware over HTTP.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"

	"github.com/siglab/siglab"
	"github.com/siglab/siglab/capi"
	"github.com/siglab/siglab/demo"
	"github.com/siglab/siglab/httpapi"
	"github.com/siglab/siglab/rawser"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "siglabd.yml"
	k              = koanf.New(".")
)

// Config is the daemon configuration.
type Config struct {
	// Addr is the address:port to listen on
	Addr string `koanf:"addr"`

	// Backend selects the acquisition backend, "demo" or "rawser"
	Backend string `koanf:"backend"`

	// LogLevel is the backend log verbosity, 0 (none) through 5 (spew)
	LogLevel int `koanf:"loglevel"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     ":8877",
		Backend:  "demo",
		LogLevel: int(siglab.LogWarn),
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `siglabd talks to signal acquisition hardware (logic analyzers,
oscilloscopes) and exposes an HTTP interface to it: driver discovery and
scanning, device configuration, session control, a streaming datafeed, and
Prometheus metrics.

Usage:
	siglabd <command>

Commands:
	run
	mkconf
	conf
	version`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("siglabd version %v\n", Version)
}

func backendFor(name string) (capi.Library, error) {
	switch name {
	case "demo":
		return demo.New(demo.WithRealtime()), nil
	case "rawser":
		return rawser.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	lib, err := backendFor(c.Backend)
	if err != nil {
		log.Fatal(err)
	}
	ctx, err := siglab.New(lib)
	if err != nil {
		log.Fatal(err)
	}
	defer ctx.Close()
	if err := ctx.SetLogLevel(siglab.LogLevel(c.LogLevel)); err != nil {
		log.Fatal(err)
	}
	srv := httpapi.NewServer(ctx)
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	root.Use(middleware.Recoverer)
	root.Mount("/", srv.Routes())
	log.Println("now listening for requests at ", c.Addr)
	log.Fatal(http.ListenAndServe(c.Addr, root))
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "run":
		run()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
