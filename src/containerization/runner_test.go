// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package containerization

import (
	"archive/tar"
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandCommand(t *testing.T) {
	cmd := []string{"vol", "-f", ArtifactPlaceholder, "--out={artifact}.json"}
	got := expandCommand(cmd, "/evidence/x/mem.raw")
	assert.Equal(t, []string{"vol", "-f", "/evidence/x/mem.raw", "--out=/evidence/x/mem.raw.json"}, got)
	assert.Equal(t, ArtifactPlaceholder, cmd[2], "input must not be modified")
}

func TestWriteArtifactTar(t *testing.T) {
	src := filepath.Join(t.TempDir(), "capture.pcap")
	require.NoError(t, os.WriteFile(src, []byte("packets"), 0o644))

	var buf bytes.Buffer
	require.NoError(t, writeArtifactTar(&buf, "job", "capture.pcap", src))

	tr := tar.NewReader(&buf)
	hdr, err := tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "job/", hdr.Name)
	assert.Equal(t, byte(tar.TypeDir), hdr.Typeflag)

	hdr, err = tr.Next()
	require.NoError(t, err)
	assert.Equal(t, "job/capture.pcap", hdr.Name)
	assert.Equal(t, int64(7), hdr.Size)
	body, err := io.ReadAll(tr)
	require.NoError(t, err)
	assert.Equal(t, "packets", string(body))

	_, err = tr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestLocalRunner(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(src, []byte("hello"), 0o644))

	out, err := LocalRunner{}.Run(context.Background(), Invocation{
		Command:      []string{"cat", ArtifactPlaceholder},
		ArtifactPath: src,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))

	_, err = LocalRunner{}.Run(context.Background(), Invocation{
		Command: []string{"sh", "-c", "echo boom >&2; exit 3"},
	})
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.Code)
	assert.Contains(t, exitErr.Error(), "boom")

	_, err = LocalRunner{}.Run(context.Background(), Invocation{})
	require.Error(t, err)
}

func TestLocalRunnerCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := LocalRunner{}.Run(ctx, Invocation{Command: []string{"sleep", "5"}})
	require.ErrorIs(t, err, context.Canceled)
}
