package otad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"

	"github.com/spf13/cobra"
	"github.com/stofradar/ota/internal/deviceflag"
	"github.com/stofradar/ota/internal/httpapi"
)

// do sends req to the device and fails unless the reply has status want.
func do(client *http.Client, req *http.Request, want int) (*http.Response, error) {
	c := *client
	c.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	if got := resp.StatusCode; got != want {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected HTTP status: got %v, want %v (body %q)", resp.Status, want, bytes.TrimSpace(b))
	}
	return resp, nil
}

// fetchCmd is otad fetch.
func fetchCmd() *cobra.Command {
	var impl fetchImplConfig
	cmd := &cobra.Command{
		GroupID: "update",
		Use:     "fetch",
		Short:   "Make a device download a firmware image from a URL",
		Long: `otad fetch submits a URL to the device. The device downloads the image on its
next scheduler tick (within a second by default). A URL submitted before the
previous one was picked up replaces it.

Follow the download with otad watch.
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.device.RegisterPflags(cmd.Flags())
	cmd.Flags().StringVarP(&impl.url, "url", "", "", "http(s) URL of the firmware image")
	return cmd
}

type fetchImplConfig struct {
	device deviceflag.Flags
	url    string
}

func (r *fetchImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if r.url == "" {
		return fmt.Errorf("the --url flag is empty, but required")
	}
	baseURL, err := r.device.BaseURL()
	if err != nil {
		return err
	}
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("type", "url"); err != nil {
		return err
	}
	if err := mw.WriteField("url", r.url); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL.JoinPath("update").String(), &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := do(r.device.HTTPClient(), req, http.StatusSeeOther)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Fprintf(stdout, "%s will fetch %s on its next tick\n", r.device.Device, r.url)
	return nil
}

// rebootCmd is otad reboot.
func rebootCmd() *cobra.Command {
	var impl rebootImplConfig
	cmd := &cobra.Command{
		GroupID: "update",
		Use:     "reboot",
		Short:   "Reboot a device",
		RunE: func(cmd *cobra.Command, args []string) error {
			return impl.run(cmd.Context(), args, cmd.OutOrStdout(), cmd.OutOrStderr())
		},
	}
	impl.device.RegisterPflags(cmd.Flags())
	return cmd
}

type rebootImplConfig struct {
	device deviceflag.Flags
}

func (r *rebootImplConfig) run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	baseURL, err := r.device.BaseURL()
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", baseURL.JoinPath("reboot").String(), nil)
	if err != nil {
		return err
	}
	resp, err := do(r.device.HTTPClient(), req, http.StatusOK)
	if err != nil {
		return err
	}
	resp.Body.Close()
	fmt.Fprintf(stdout, "%s is rebooting\n", r.device.Device)
	return nil
}

func getStatus(ctx context.Context, device *deviceflag.Flags) (*httpapi.StatusReply, []byte, error) {
	baseURL, err := device.BaseURL()
	if err != nil {
		return nil, nil, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", baseURL.JoinPath("update", "status").String(), nil)
	if err != nil {
		return nil, nil, err
	}
	resp, err := do(device.HTTPClient(), req, http.StatusOK)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, err
	}
	var reply httpapi.StatusReply
	if err := json.Unmarshal(b, &reply); err != nil {
		return nil, nil, err
	}
	return &reply, b, nil
}
