// Binary otad is the over-the-air firmware update daemon for two-slot flash
// devices, and the client to update such devices over the network.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	// Embedded CA roots, so that pull sources can be verified on devices
	// without a system certificate store.
	_ "github.com/breml/rootcerts"

	"github.com/stofradar/ota/otad"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	ctx, canc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer canc()
	if err := (otad.Context{}).Execute(ctx); err != nil {
		log.Fatal(err)
	}
}
