// Package otad allows running the otad CLI from Go code programmatically,
// e.g. to embed the update daemon or to drive devices from tests.
package otad

import (
	"context"
	"io"
	"log"
	"net"

	"github.com/stofradar/ota/internal/otad"
)

// Context describes one invocation of the otad CLI. Nil fields mean the
// process defaults (os.Stdin, os.Stdout, os.Stderr, os.Args[1:]).
type Context struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	Args   []string
}

// Execute runs the command selected by c.Args, e.g.
// []string{"push", "--device", "esp-livingroom", "--image", "fw.bin"}.
func (c Context) Execute(ctx context.Context) error {
	root := otad.RootCmd()
	if r := c.Stdin; r != nil {
		root.SetIn(r)
	}
	if w := c.Stdout; w != nil {
		root.SetOut(w)
	}
	if w := c.Stderr; w != nil {
		root.SetErr(w)
	}
	if args := c.Args; args != nil {
		root.SetArgs(args)
	}
	return root.ExecuteContext(ctx)
}

// Serve embeds the update daemon: it serves the device HTTP interface on ln
// and runs the URL scheduler until ctx is canceled. configPath names the
// daemon's config.json (a missing file means defaults); its ListenAddr is
// ignored in favor of ln. A nil logger means log.Default().
func Serve(ctx context.Context, ln net.Listener, configPath string, logger *log.Logger) error {
	return otad.Serve(ctx, ln, configPath, logger)
}
