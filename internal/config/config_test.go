package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/subsentient/epoch/internal/object"
	"github.com/subsentient/epoch/internal/objectstore"
	"github.com/subsentient/epoch/internal/outcome"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epoch.conf")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadParsesObjectBlock(t *testing.T) {
	path := writeConfig(t, `
DefaultRunlevel default

ObjectID webserver
ObjectDescription The web server
ObjectStartCommand /usr/bin/webserver
ObjectStopCommand PID
ObjectStartPriority 10
ObjectStopPriority 10
ObjectEnabled true
ObjectRunlevels default
`)

	store := objectstore.New(nil)
	loader := NewLoader(store, nil)

	code := loader.Load(path)
	require.NotEqual(t, outcome.Failure, code)

	obj, ok := store.Lookup("webserver")
	require.True(t, ok)
	assert.Equal(t, "The web server", obj.Description)
	assert.Equal(t, "/usr/bin/webserver", obj.StartCmd)
	assert.Equal(t, object.StopPID, obj.StopMode)
	assert.True(t, obj.Enabled)
	assert.True(t, obj.InRunlevel("default"))
	assert.Equal(t, "default", loader.DefaultRunlevel)
}

func TestLoadMissingFileFails(t *testing.T) {
	loader := NewLoader(objectstore.New(nil), nil)
	code := loader.Load(filepath.Join(t.TempDir(), "missing.conf"))
	assert.Equal(t, outcome.Failure, code)
}

func TestLoadEmptyFileFails(t *testing.T) {
	path := writeConfig(t, "   \n\n")
	loader := NewLoader(objectstore.New(nil), nil)
	assert.Equal(t, outcome.Failure, loader.Load(path))
}

func TestObjectOptionsAutoRestartAndService(t *testing.T) {
	path := writeConfig(t, `
ObjectID cron
ObjectStartCommand /usr/sbin/cron
ObjectOptions AUTORESTART=10 SERVICE
`)
	store := objectstore.New(nil)
	loader := NewLoader(store, nil)
	require.NotEqual(t, outcome.Failure, loader.Load(path))

	obj, ok := store.Lookup("cron")
	require.True(t, ok)
	assert.True(t, obj.Opts.AutoRestart)
	assert.Equal(t, uint32(10), obj.Opts.AutoRestartMinSeconds)
	assert.True(t, obj.Opts.IsService)
}

func TestImportRecursesIntoOtherFiles(t *testing.T) {
	dir := t.TempDir()
	childPath := filepath.Join(dir, "child.conf")
	require.NoError(t, os.WriteFile(childPath, []byte("ObjectID child\nObjectStartCommand /bin/true\n"), 0644))

	parentPath := filepath.Join(dir, "parent.conf")
	require.NoError(t, os.WriteFile(parentPath, []byte("Import "+childPath+"\n"), 0644))

	store := objectstore.New(nil)
	loader := NewLoader(store, nil)
	require.NotEqual(t, outcome.Failure, loader.Load(parentPath))

	_, ok := store.Lookup("child")
	assert.True(t, ok)
}

func TestEditValueReplacesExistingAttribute(t *testing.T) {
	path := writeConfig(t, "ObjectID svc\nObjectEnabled true\n")

	val := "false"
	require.NoError(t, EditValue(path, "svc", "ObjectEnabled", &val))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ObjectEnabled false")
	assert.NotContains(t, string(data), "ObjectEnabled true")
}

func TestEditValueDeletesWhenNil(t *testing.T) {
	path := writeConfig(t, "ObjectID svc\nObjectRunlevels default\n")

	require.NoError(t, EditValue(path, "svc", "ObjectRunlevels", nil))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "ObjectRunlevels")
}

func TestAddAttributeInsertsAfterObjectID(t *testing.T) {
	path := writeConfig(t, "ObjectID svc\nObjectStartCommand /bin/true\n")

	require.NoError(t, AddAttribute(path, "svc", "ObjectRunlevels", "default"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ObjectRunlevels default")
}

func TestLoadParsesEqualsDelimitedAttributes(t *testing.T) {
	path := writeConfig(t, `
ObjectID=webserver
ObjectStartCommand=/usr/bin/webserver
ObjectEnabled=true
ObjectRunlevels=default
`)

	store := objectstore.New(nil)
	loader := NewLoader(store, nil)
	require.NotEqual(t, outcome.Failure, loader.Load(path))

	obj, ok := store.Lookup("webserver")
	require.True(t, ok)
	assert.Equal(t, "/usr/bin/webserver", obj.StartCmd)
	assert.True(t, obj.Enabled)
	assert.True(t, obj.InRunlevel("default"))
}

func TestEditValuePreservesEqualsDelimiter(t *testing.T) {
	path := writeConfig(t, "ObjectID svc\nObjectEnabled=true\n")

	val := "false"
	require.NoError(t, EditValue(path, "svc", "ObjectEnabled", &val))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ObjectEnabled=false")
	assert.NotContains(t, string(data), "ObjectEnabled false")
}

func TestEditValuePreservesTabAndMultiSpaceDelimiters(t *testing.T) {
	path := writeConfig(t, "ObjectID svc\nObjectEnabled\ttrue\n")

	val := "false"
	require.NoError(t, EditValue(path, "svc", "ObjectEnabled", &val))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ObjectEnabled\tfalse")
}
