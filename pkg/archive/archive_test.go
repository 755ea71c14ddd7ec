package archive_test

import (
	"bytes"
	"context"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/jobledger/pkg/archive"
	"github.com/Mindburn-Labs/jobledger/pkg/contracts"
	"github.com/Mindburn-Labs/jobledger/pkg/journal"
	"github.com/Mindburn-Labs/jobledger/pkg/lifecycle"
	"github.com/Mindburn-Labs/jobledger/pkg/store/memory"
)

func TestFileStore(t *testing.T) {
	s, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, archive.Ref([]byte("hello")), ref)
	assert.True(t, strings.HasPrefix(ref, "sha256:"))

	again, err := s.Put(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, ref, again)

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	ok, err := s.Exists(ctx, ref)
	require.NoError(t, err)
	assert.True(t, ok)

	missing := archive.Ref([]byte("other"))
	ok, err = s.Exists(ctx, missing)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = s.Get(ctx, missing)
	require.ErrorIs(t, err, archive.ErrNotFound)

	for _, bad := range []string{"md5:abc", "sha256:zz", "sha256:abcd", "../etc/passwd"} {
		_, err = s.Get(ctx, bad)
		require.ErrorIs(t, err, archive.ErrInvalidRef, bad)
	}
}

type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	puts    int
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[*in.Bucket+"/"+*in.Key]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*in.Bucket+"/"+*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3Store(t *testing.T) {
	fake := &fakeS3{objects: map[string][]byte{}}
	s := archive.NewS3StoreWithClient(fake, "bucket", "journal/")
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	_, err = s.Put(ctx, []byte("blob"))
	require.NoError(t, err)
	assert.Equal(t, 1, fake.puts, "second put is skipped")

	d := strings.TrimPrefix(ref, "sha256:")
	assert.Contains(t, fake.objects, "bucket/journal/"+d+".blob")

	got, err := s.Get(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), got)

	_, err = s.Get(ctx, archive.Ref([]byte("nope")))
	require.ErrorIs(t, err, archive.ErrNotFound)
	ok, err := s.Exists(ctx, archive.Ref([]byte("nope")))
	require.NoError(t, err)
	assert.False(t, ok)
}

func seedJournal(t *testing.T) *lifecycle.Machine {
	t.Helper()
	m := lifecycle.New(memory.New())
	ctx := context.Background()
	_, err := m.Deposit(ctx, "alice", 100)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, err := m.Create(ctx, "alice", "job", "", 5)
		require.NoError(t, err)
	}
	require.NoError(t, m.Obtain(ctx, "bob", 0))
	return m
}

func TestExportAndLoad(t *testing.T) {
	m := seedJournal(t)
	s, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ref, manifest, err := archive.NewExporter(s).WithClock(func() time.Time { return at }).Export(ctx, m, 0)
	require.NoError(t, err)
	assert.Equal(t, 6, manifest.Count)
	assert.Equal(t, uint64(1), manifest.First)
	assert.Equal(t, uint64(6), manifest.Last)
	assert.Equal(t, journal.GenesisHash, manifest.AnchorHash)
	assert.Equal(t, at, manifest.CreatedAt)

	loaded, entries, err := archive.Load(ctx, s, ref)
	require.NoError(t, err)
	assert.Equal(t, manifest.HeadHash, loaded.HeadHash)
	require.Len(t, entries, 6)
	assert.Equal(t, contracts.EntryFundsDeposited, entries[0].Type)
	assert.Equal(t, contracts.EntryJobObtained, entries[5].Type)

	// Incremental export continues from a cursor.
	_, err = m.Create(ctx, "alice", "late", "", 1)
	require.NoError(t, err)
	ref2, inc, err := archive.NewExporter(s).Export(ctx, m, manifest.Last)
	require.NoError(t, err)
	assert.Equal(t, 1, inc.Count)
	assert.Equal(t, manifest.HeadHash, inc.AnchorHash)
	_, entries, err = archive.Load(ctx, s, ref2)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), entries[0].Sequence)

	_, _, err = archive.NewExporter(s).Export(ctx, m, 7)
	require.ErrorIs(t, err, archive.ErrEmpty)
}

// tamperStore rewrites blobs on read.
type tamperStore struct {
	archive.Store
	blob    string
	rewrite func([]byte) []byte
}

func (s tamperStore) Get(ctx context.Context, ref string) ([]byte, error) {
	data, err := s.Store.Get(ctx, ref)
	if err == nil && ref == s.blob {
		data = s.rewrite(data)
	}
	return data, err
}

func TestLoad_DetectsTampering(t *testing.T) {
	m := seedJournal(t)
	fs, err := archive.NewFileStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()
	ref, manifest, err := archive.NewExporter(fs).Export(ctx, m, 0)
	require.NoError(t, err)

	edited := tamperStore{Store: fs, blob: manifest.Blob, rewrite: func(b []byte) []byte {
		return bytes.Replace(b, []byte(`"budget":"5"`), []byte(`"budget":"50"`), 1)
	}}
	_, _, err = archive.Load(ctx, edited, ref)
	require.ErrorIs(t, err, journal.ErrChainBroken)

	truncated := tamperStore{Store: fs, blob: manifest.Blob, rewrite: func(b []byte) []byte {
		lines := bytes.SplitAfter(b, []byte("\n"))
		return bytes.Join(lines[:3], nil)
	}}
	_, _, err = archive.Load(ctx, truncated, ref)
	require.ErrorIs(t, err, archive.ErrManifestMismatch)
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, archive.Config{Backend: archive.BackendFS, Dir: "x"}.Validate())
	assert.Error(t, archive.Config{Backend: archive.BackendFS}.Validate())
	assert.Error(t, archive.Config{Backend: archive.BackendS3}.Validate())
	assert.NoError(t, archive.Config{Backend: archive.BackendGCS, Bucket: "b"}.Validate())
	assert.Error(t, archive.Config{Backend: "ftp", Dir: "x"}.Validate())
}

func TestOpen_FileStore(t *testing.T) {
	s, err := archive.Open(context.Background(), archive.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	_, ok := s.(*archive.FileStore)
	assert.True(t, ok)
}
