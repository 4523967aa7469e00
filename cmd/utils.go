package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/parker-ryan1/photo"
	"github.com/parker-ryan1/photo/internal/env"
	"github.com/parker-ryan1/photo/internal/providers/simcam"
	"github.com/parker-ryan1/photo/pkg/captureconfig"
	"github.com/pkg/errors"
)

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func configPath() string {
	return firstNonEmpty(rootConfigPath, env.String("PHOTO_CONFIG", ""), captureconfig.DefaultPath)
}

func loadConfig() (*captureconfig.Loader, photo.Config, error) {
	loader := captureconfig.NewLoader(nil, configPath())
	cfg, err := loader.Load()
	if errors.Is(err, captureconfig.ErrNotFound) {
		return nil, photo.Config{}, errors.Wrap(err, "run `fieldcam init` to write a default config")
	}
	if err != nil {
		return nil, photo.Config{}, err
	}
	return loader, cfg, nil
}

// openDevice returns the camera backend. Only the simulated camera ships
// with this build; vendor SDK adapters implement photo.Device out of tree.
func openDevice(simulate bool, simOpts simcam.Options) (photo.Device, error) {
	if !simulate {
		return nil, errors.New("no camera adapter is compiled into this build; use --simulate")
	}
	cam, err := simcam.New(simOpts)
	if err != nil {
		return nil, err
	}
	return cam, nil
}

var remediation = []string{
	"USB cable is connected at both ends",
	"camera is switched ON and the battery is charged",
	"camera is in PC / remote connection mode",
	"EOS Utility and other camera software are closed",
	"mode dial is set to a manual mode (M, Av or Tv)",
}

func printRemediation(w io.Writer) {
	fmt.Fprintln(w, "Camera initialization failed. Check that:")
	for _, item := range remediation {
		fmt.Fprintf(w, "  - %s\n", item)
	}
}
