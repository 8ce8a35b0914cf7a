package treehash

import (
	"archive/tar"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildTar(t *testing.T, entries []struct {
	name string
	dir  bool
	body string
}) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if e.dir {
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     e.name + "/",
				Typeflag: tar.TypeDir,
			}))
			continue
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Size:     int64(len(e.body)),
		}))
		_, err := tw.Write([]byte(e.body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func TestComputeDiffersOnEmptyDir(t *testing.T) {
	withEmptyDir := buildTar(t, []struct {
		name string
		dir  bool
		body string
	}{
		{name: "lib", dir: true},
		{name: "lib/a.txt", dir: false, body: "hello"},
		{name: "empty", dir: true},
	})

	skip, noSkip, err := Compute(bytes.NewReader(withEmptyDir))
	require.NoError(t, err)
	assert.NotEmpty(t, skip)
	assert.NotEmpty(t, noSkip)
	assert.NotEqual(t, skip, noSkip, "an empty directory entry must change the no-skip hash but not the skip-empty one")
}

func TestComputeIdenticalWithoutEmptyDirs(t *testing.T) {
	noDirs := buildTar(t, []struct {
		name string
		dir  bool
		body string
	}{
		{name: "a.txt", dir: false, body: "hello"},
	})

	skip, noSkip, err := Compute(bytes.NewReader(noDirs))
	require.NoError(t, err)
	assert.Equal(t, skip, noSkip, "with no empty directories the two conventions must agree")
}

func TestComputeDeterministic(t *testing.T) {
	data := buildTar(t, []struct {
		name string
		dir  bool
		body string
	}{
		{name: "b.txt", dir: false, body: "b"},
		{name: "a.txt", dir: false, body: "a"},
	})

	skip1, noSkip1, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)
	skip2, noSkip2, err := Compute(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, skip1, skip2)
	assert.Equal(t, noSkip1, noSkip2)
}
