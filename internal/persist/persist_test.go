package persist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"urs485d/internal/core"
	"urs485d/internal/reactor"
)

func TestWriteThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, reactor.New())

	box := core.NewBox("rack-a", "ABC123", 10000)
	box.Ports[1].BaudRate = 115200
	box.Ports[1].Parity = core.ParityOdd
	box.Ports[1].Powered = 1
	box.Ports[1].RequestTimeoutMS = 2500
	box.Ports[1].SetDescription("sensors")

	require.NoError(t, s.write(box))

	loaded := core.NewBox("rack-a", "ABC123", 10000)
	require.NoError(t, s.Load(loaded))

	assert.Equal(t, uint32(115200), loaded.Ports[1].BaudRate)
	assert.Equal(t, uint8(core.ParityOdd), loaded.Ports[1].Parity)
	assert.Equal(t, uint8(1), loaded.Ports[1].Powered)
	assert.Equal(t, uint16(2500), loaded.Ports[1].RequestTimeoutMS)
	assert.Equal(t, "sensors ", string(loaded.Ports[1].Description[:]))
}

func TestWriteIsAtomic(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, reactor.New())
	box := core.NewBox("rack-a", "ABC123", 10000)

	require.NoError(t, s.write(box))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp", "no leftover temp file after a successful write")
	}
	assert.FileExists(t, filepath.Join(dir, "rack-a"))
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, reactor.New())
	box := core.NewBox("rack-a", "ABC123", 10000)

	assert.NoError(t, s.Load(box))
	assert.Equal(t, uint32(19200), box.Ports[1].BaudRate, "a fresh switch keeps its firmware defaults")
}

func TestLoadToleratesMalformedLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rack-a")
	content := "not a valid line\n1152 1 1 2500\n>sensors\n\n# a comment\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s := NewStore(dir, reactor.New())
	box := core.NewBox("rack-a", "ABC123", 10000)
	require.NoError(t, s.Load(box))

	assert.Equal(t, uint32(115200), box.Ports[1].BaudRate)
	assert.Equal(t, "sensors ", string(box.Ports[1].Description[:]))
}
