package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ id string }

func (c *fakeConn) ID() string { return c.id }
func (c *fakeConn) Send(_ []byte) error { return nil }
func (c *fakeConn) Open() bool { return true }

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	reg := NewRegistry()
	a := &fakeConn{id: "a"}

	assert.Nil(t, reg.Register("alice", a))
	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, a, got)
	assert.True(t, reg.Online("alice"))

	assert.True(t, reg.Unregister("alice", a))
	_, ok = reg.Lookup("alice")
	assert.False(t, ok)
	assert.False(t, reg.Unregister("alice", a))
}

func TestRegistryLookupMiss(t *testing.T) {
	_, ok := NewRegistry().Lookup("nobody")
	assert.False(t, ok)
}

func TestRegistryStaleUnregisterKeepsNewerConnection(t *testing.T) {
	reg := NewRegistry()
	oldConn := &fakeConn{id: "old"}
	newConn := &fakeConn{id: "new"}

	reg.Register("alice", oldConn)
	prev := reg.Register("alice", newConn)
	assert.Same(t, oldConn, prev)

	assert.False(t, reg.Unregister("alice", oldConn))
	got, ok := reg.Lookup("alice")
	require.True(t, ok)
	assert.Same(t, newConn, got)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			user := fmt.Sprintf("user-%d", i%10)
			conn := &fakeConn{id: fmt.Sprintf("conn-%d", i)}
			reg.Register(user, conn)
			reg.Lookup(user)
			reg.Unregister(user, conn)
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, reg.Len(), 10)
}
