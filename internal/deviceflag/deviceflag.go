// Package deviceflag provides the flags client commands use to address an
// otad device.
package deviceflag

import (
	"crypto/tls"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/pflag"
)

// User is the basic auth user name otad devices expect.
const User = "otad"

type Flags struct {
	Device   string
	Password string
	Insecure bool
}

// RegisterPflags registers --device, --password and --insecure on fs.
// Defaults come from $OTAD_DEVICE and $OTAD_PASSWORD.
func (f *Flags) RegisterPflags(fs *pflag.FlagSet) {
	fs.StringVarP(&f.Device,
		"device",
		"d",
		os.Getenv("OTAD_DEVICE"),
		`device to talk to, as host[:port] or http(s)://host[:port]`)

	fs.StringVar(&f.Password,
		"password",
		os.Getenv("OTAD_PASSWORD"),
		`HTTP password of the device`)

	fs.BoolVar(&f.Insecure,
		"insecure",
		false,
		`do not verify the TLS certificate of an https device`)
}

// BaseURL returns the device URL with credentials and path /.
func (f *Flags) BaseURL() (*url.URL, error) {
	if f.Device == "" {
		return nil, fmt.Errorf("no device specified: use --device or set $OTAD_DEVICE")
	}
	raw := f.Device
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported device URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("device URL %q has no host", f.Device)
	}
	if f.Password != "" {
		u.User = url.UserPassword(User, f.Password)
	}
	u.Path = "/"
	u.RawQuery = ""
	return u, nil
}

// HTTPClient returns the client to talk to the device with.
func (f *Flags) HTTPClient() *http.Client {
	if !f.Insecure {
		return http.DefaultClient
	}
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	return &http.Client{Transport: tr}
}
