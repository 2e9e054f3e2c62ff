package commands

import (
	"testing"

	"github.com/Tamovina/esp-update/pkg/device"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPort(t *testing.T) {
	defer func() {
		flashSimulate, flashFailAt, flashChip = false, "", "ESP32"
	}()

	flashSimulate = false
	_, err := newPort()
	assert.Error(t, err, "only the simulator is built in")

	flashSimulate = true
	flashChip = "ESP8266"
	port, err := newPort()
	require.NoError(t, err)
	assert.IsType(t, &device.Simulator{}, port)

	flashFailAt = "flash_data"
	_, err = newPort()
	require.NoError(t, err)

	flashFailAt = "explode"
	_, err = newPort()
	assert.Error(t, err)
}

func TestWriteManifest_UnknownFormat(t *testing.T) {
	err := writeManifest(map[string]string{"name": "x"}, "toml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toml")
}
