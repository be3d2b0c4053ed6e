package blob

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttachmentKey(t *testing.T) {
	cases := []struct {
		name     string
		fileName string
		want     string
	}{
		{name: "plain", fileName: "spec.pdf", want: "projects/p1/tasks/t1/a1/spec.pdf"},
		{name: "traversal", fileName: "../../etc/passwd", want: "projects/p1/tasks/t1/a1/passwd"},
		{name: "windows path", fileName: `C:\Users\me\notes.txt`, want: "projects/p1/tasks/t1/a1/notes.txt"},
		{name: "empty", fileName: "", want: "projects/p1/tasks/t1/a1/file"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, AttachmentKey("p1", "t1", "a1", tc.fileName))
		})
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	require.NoError(t, store.Put(ctx, "k", strings.NewReader("hello"), 5, "text/plain"))
	data, ok := store.Get("k")
	require.True(t, ok)
	assert.Equal(t, "hello", string(data))

	url, err := store.URL(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Contains(t, url, "memory://k")

	require.NoError(t, store.Delete(ctx, "k"))
	_, err = store.URL(ctx, "k", time.Minute)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemoryStoreRejectsShortBody(t *testing.T) {
	store := NewMemoryStore()

	err := store.Put(context.Background(), "k", strings.NewReader("abc"), 10, "text/plain")

	assert.Error(t, err)
	assert.Equal(t, 0, store.Len())
}
