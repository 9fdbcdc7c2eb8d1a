package packages

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gw)
	for name, body := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{Name: name, Size: int64(len(body)), Mode: 0644}))
		_, err := tw.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func TestUnpackReadsManifestAndResources(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"package/package.json": `{"name":"test.pkg","version":"1.0.0","fhirVersions":["4.0.1"]}`,
		"package/StructureDefinition-foo.json": `{"resourceType":"StructureDefinition","id":"foo"}`,
		"package/.index.json":                  `{"not":"a resource"}`,
	})

	pkg, err := Unpack(data)
	require.NoError(t, err)
	assert.Equal(t, "test.pkg", pkg.Manifest.Name)
	assert.Equal(t, "1.0.0", pkg.Manifest.Version)
	require.Len(t, pkg.Resources, 1)
	assert.Equal(t, "StructureDefinition", pkg.Resources[0].Type)
	assert.Equal(t, "foo", pkg.Resources[0].ID)
	assert.NotEmpty(t, pkg.Checksum)
}

func TestUnpackRejectsMissingManifest(t *testing.T) {
	data := buildArchive(t, map[string]string{
		"package/StructureDefinition-foo.json": `{"resourceType":"StructureDefinition","id":"foo"}`,
	})
	_, err := Unpack(data)
	assert.Error(t, err)
}
