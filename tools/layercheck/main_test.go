package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepositoryLayering(t *testing.T) {
	var out, errOut bytes.Buffer
	code := run(filepath.Join("..", ".."), &out, &errOut)
	assert.Equal(t, 0, code, out.String()+errOut.String())
}

func TestCheckReportsViolations(t *testing.T) {
	root := t.TempDir()
	dir := filepath.Join(root, "pkg", "vesting")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.go"), []byte(`package vesting

import (
	"database/sql"
	"fmt"
)

var _ = sql.ErrNoRows
var _ = fmt.Sprint
`), 0o644))
	// Test files may import anything.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad_test.go"), []byte(`package vesting

import "net/http"

var _ = http.MethodGet
`), 0o644))

	violations, err := check(root, forbidden)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, "pkg/vesting/bad.go", violations[0].File)
	assert.Equal(t, 4, violations[0].Line)
	assert.Equal(t, "database/sql", violations[0].Import)

	var out bytes.Buffer
	assert.Equal(t, 1, run(root, &out, &out))
	assert.Contains(t, out.String(), "1 layering violation(s) found")
}
