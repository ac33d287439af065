package device

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"github.com/kiwix/hotspot-imager/pkg/errors"
)

// probeWrite writes a small file, reads it back and removes it.
func probeWrite(path string) error {
	payload := []byte(fmt.Sprintf("hotspot mount probe %d\n", time.Now().UnixNano()))

	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return errors.Wrap(err, "failed to write probe file")
	}
	defer os.Remove(path)

	got, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read probe file")
	}
	if !bytes.Equal(got, payload) {
		return fmt.Errorf("probe file content differs after write")
	}
	return nil
}
