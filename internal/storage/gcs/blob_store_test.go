package gcs

import (
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)
	_, err = New(&storage.Client{}, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	s, err := New(&storage.Client{}, Config{Bucket: "results", Prefix: "/fleet/"})
	require.NoError(t, err)
	require.Equal(t, "fleet/jobs/a.json", s.ObjectName("/jobs/a.json"))

	bare, err := New(&storage.Client{}, Config{Bucket: "results"})
	require.NoError(t, err)
	require.Equal(t, "jobs/a.json", bare.ObjectName("jobs/a.json"))
}
