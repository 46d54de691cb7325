package assembly

import (
	"testing"

	"github.com/nanoframework/nf-debug-bridge/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryNameMatchesWithOrWithoutExtension(t *testing.T) {
	r := NewRegistry()
	r.RegisterDeviceAssembly("Foo", "1.0.0.0", 0, 7)

	entry, ok := r.GetDeviceAssembly("Foo.dll")
	require.True(t, ok)
	assert.EqualValues(t, 7, entry.Index)

	entry, ok = r.GetDeviceAssembly("FOO")
	require.True(t, ok)
	assert.EqualValues(t, 7, entry.Index)
}

func TestRegistryDeviceReportsWithoutExtensionStillMatchesDllLookup(t *testing.T) {
	r := NewRegistry()
	r.RegisterDeviceAssembly("Foo", "1.0.0.0", 0, 7)

	_, ok := r.GetDeviceAssembly("Foo.dll")
	assert.True(t, ok)
}

func TestRegistryCollisionKeepsLatestAndWarns(t *testing.T) {
	r := NewRegistry()
	r.RegisterDeviceAssembly("Foo", "1.0.0.0", 0, 1)
	r.RegisterDeviceAssembly("Foo", "2.0.0.0", 0, 2)

	entry, ok := r.GetDeviceAssembly("Foo")
	require.True(t, ok)
	assert.EqualValues(t, 2, entry.Index)
	assert.Len(t, r.Warnings(), 1)
	assert.Empty(t, r.Warnings(), "warnings should be drained after reading once")
}

func TestRegistryGetAssemblyByDeviceIndex(t *testing.T) {
	r := NewRegistry()
	r.RegisterDeviceAssembly("App", "1.0.0.0", 0, proto.AssemblyIndex(3))

	entry, ok := r.GetAssemblyByDeviceIndex(3)
	require.True(t, ok)
	assert.Equal(t, "App", entry.Name)
}

func TestRegistryClearRemovesAllEntries(t *testing.T) {
	r := NewRegistry()
	r.RegisterDeviceAssembly("App", "1.0.0.0", 0, 1)
	r.Clear()

	_, ok := r.GetDeviceAssembly("App")
	assert.False(t, ok)
	assert.Empty(t, r.All())
}
