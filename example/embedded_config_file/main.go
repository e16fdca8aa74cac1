package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/aidekit/minder"
)

// This example loads a TOML config file and runs the companion supervisor it
// defines through the public minder facade. The sample companion is a plain
// shell command with no real health endpoint, so the example stands one in
// and points the probe at it through the MINDER_ environment override path.
func main() {
	cfgPath := "config.toml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	go func() {
		_ = http.Serve(ln, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"status":"ok"}`))
		}))
	}()
	_ = os.Setenv("MINDER_COMPANION_HEALTH_URL", "http://"+ln.Addr().String()+"/health")

	cfg, err := minder.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	opts, err := cfg.SupervisorOptions()
	if err != nil {
		panic(err)
	}

	sup := minder.New(opts)
	defer func() { _ = sup.Shutdown() }()

	ready, err := sup.Start(context.Background())
	if err != nil {
		panic(err)
	}
	fmt.Println("companion ready:", ready)

	b, _ := json.MarshalIndent(sup.Status(), "", "  ")
	fmt.Println(string(b))
}
