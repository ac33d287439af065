package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/kiwix/hotspot-imager/pkg/security"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGetter struct {
	objects map[string][]byte
	calls   int
}

func (f *fakeGetter) GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.calls++
	data, ok := f.objects[*params.Key]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey: %s", *params.Key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func newTestClient(t *testing.T, objects map[string][]byte) (*Client, *fakeGetter, string) {
	t.Helper()
	cache := t.TempDir()
	getter := &fakeGetter{objects: objects}
	v := security.NewValidator(1<<30, 1000)
	return NewClientWithGetter(getter, "bucket", cache, v), getter, cache
}

func TestFetch_DownloadsThenReusesCache(t *testing.T) {
	data := []byte("base image archive")
	sum := sha256.Sum256(data)
	client, getter, cache := newTestClient(t, map[string][]byte{"images/master.img.zip": data})

	content := Content{Name: "master.img.zip", Key: "images/master.img.zip", Size: int64(len(data)), SHA256: hex.EncodeToString(sum[:])}

	first := client.Fetch(context.Background(), content)
	require.True(t, first.Successful, "%v", first.Err)
	assert.False(t, first.Found)
	assert.Equal(t, filepath.Join(cache, "master.img.zip"), first.Path)
	_, err := os.Stat(first.Path + ".part")
	assert.True(t, os.IsNotExist(err))

	second := client.Fetch(context.Background(), content)
	require.True(t, second.Successful)
	assert.True(t, second.Found)
	assert.Equal(t, 1, getter.calls)
}

func TestFetch_SizeMismatchRedownloads(t *testing.T) {
	data := []byte("fresh content")
	client, getter, cache := newTestClient(t, map[string][]byte{"k": data})
	require.NoError(t, os.WriteFile(filepath.Join(cache, "m.zip"), []byte("stale"), 0o644))

	res := client.Fetch(context.Background(), Content{Name: "m.zip", Key: "k", Size: int64(len(data))})
	require.True(t, res.Successful)
	assert.False(t, res.Found)
	assert.Equal(t, 1, getter.calls)
}

func TestFetch_Failure(t *testing.T) {
	client, _, _ := newTestClient(t, nil)

	res := client.Fetch(context.Background(), Content{Name: "missing.zip", Key: "missing"})
	assert.False(t, res.Successful)
	assert.Error(t, res.Err)
}

func TestFetch_ChecksumMismatch(t *testing.T) {
	client, _, cache := newTestClient(t, map[string][]byte{"k": []byte("abc")})

	res := client.Fetch(context.Background(), Content{Name: "m.zip", Key: "k", SHA256: "deadbeef"})
	assert.False(t, res.Successful)
	assert.ErrorContains(t, res.Err, "checksum mismatch")
	_, err := os.Stat(filepath.Join(cache, "m.zip"))
	assert.True(t, os.IsNotExist(err))
}

func writeZip(t *testing.T, path string, members map[string][]byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for name, data := range members {
		mw, err := w.Create(name)
		require.NoError(t, err)
		_, err = mw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
}

func TestUnzip_ExtractsMember(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "master.img.zip")
	payload := bytes.Repeat([]byte{0xAB}, 4096)
	writeZip(t, archive, map[string][]byte{"master.img": payload, "README": []byte("x")})

	dest := filepath.Join(dir, "hotspot.BUILDING.img")
	require.NoError(t, Unzip(archive, "master.img", dest, security.NewValidator(1<<20, 1000)))

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestUnzip_Errors(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "master.img.zip")
	writeZip(t, archive, map[string][]byte{"master.img": bytes.Repeat([]byte{0}, 1<<16)})
	dest := filepath.Join(dir, "out.img")

	assert.ErrorContains(t, Unzip(archive, "other.img", dest, security.NewValidator(1<<20, 1000)), "not found")
	assert.Error(t, Unzip(archive, "master.img", dest, security.NewValidator(1024, 1000)), "size limit")
	assert.Error(t, Unzip(filepath.Join(dir, "nope.zip"), "master.img", dest, security.NewValidator(1<<20, 1000)))
}

func TestContent_Member(t *testing.T) {
	assert.Equal(t, "hotspot-master.img", Content{Name: "hotspot-master.img.zip"}.Member())
}
