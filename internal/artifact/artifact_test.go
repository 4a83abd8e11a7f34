package artifact

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/phys-sims/pm-bot-sub001/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeysAndKinds(t *testing.T) {
	key := ChangesetBundleKey("r1", "cs_1")
	assert.Equal(t, "runs/r1/cs_1.changeset-bundle.json", key)
	assert.Equal(t, "artifact://runs/r1/cs_1.changeset-bundle.json", URI(key))
	assert.Equal(t, domain.ArtifactKindChangesetBundle, KindFromURI(URI(key)))
	assert.Equal(t, domain.ArtifactKindReport, KindFromURI(URI(ReportKey("r1", "nightly"))))
	assert.Equal(t, domain.ArtifactKindEngineOutput, KindFromURI(URI(OutputKey("r1", "summary"))))
	assert.Equal(t, "", KindFromURI("artifact://runs/r1/notes.txt"))

	got, err := KeyFromURI(URI(key))
	require.NoError(t, err)
	assert.Equal(t, key, got)
	_, err = KeyFromURI("s3://bucket/key")
	assert.Error(t, err)
}

func TestFSStoreCompressesAtRest(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	s, err := NewFSStore(root)
	require.NoError(t, err)

	payload := bytes.Repeat([]byte(`{"op":"add_label","value":"bug"}`), 200)
	ref, err := Write(ctx, s, ChangesetBundleKey("r1", "cs_1"), payload)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), ref.Size)
	assert.Equal(t, domain.ArtifactKindChangesetBundle, ref.Kind)

	onDisk, err := os.ReadFile(filepath.Join(root, "runs", "r1", "cs_1.changeset-bundle.json.zst"))
	require.NoError(t, err)
	assert.Less(t, len(onDisk), len(payload))

	got, err := Read(ctx, s, ref)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = s.Get(ctx, "runs/r1/missing.output")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRejectsEscapingKeys(t *testing.T) {
	s := NewMemoryStore()
	for _, key := range []string{"", "/etc/passwd", "runs/../../x", "runs//x"} {
		_, err := Write(context.Background(), s, key, []byte("x"))
		assert.Error(t, err, key)
	}
}

func TestMinIOConfigValidate(t *testing.T) {
	assert.Error(t, MinIOConfig{}.Validate())
	assert.Error(t, MinIOConfig{Endpoint: "localhost:9000", Bucket: "b"}.Validate())
	assert.NoError(t, MinIOConfig{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s", Bucket: "b"}.Validate())
}
