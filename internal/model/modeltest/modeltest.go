// Package modeltest provides a small Allegheny County model for tests:
// county > neighborhood > parcel, with assessment and sales sources.
package modeltest

import (
	"embed"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sells-group/spacerat/internal/model"
)

//go:embed model
var files embed.FS

// FS returns the fixture model directory.
func FS() fs.FS {
	sub, err := fs.Sub(files, "model")
	if err != nil {
		panic(err)
	}
	return sub
}

// Registry loads the fixture model, failing t on error.
func Registry(t testing.TB) *model.Registry {
	t.Helper()
	r, err := model.LoadFS(FS())
	require.NoError(t, err)
	return r
}
