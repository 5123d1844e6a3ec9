package discovery

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zeq/internal/core/address"
)

func TestMemoryResolve(t *testing.T) {
	r := NewMemory("", nil)
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Advertise(ctx, "foo", 5000))
	require.NoError(t, r.Advertise(ctx, "foo", 5000))
	require.NoError(t, r.Advertise(ctx, "foo", 5001))

	got, err := r.Resolve(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, address.Address{Scheme: "foo", Host: "localhost", Port: 5000}, got)

	require.NoError(t, r.Withdraw("foo", 5000))
	got, err = r.Resolve(ctx, "foo")
	require.NoError(t, err)
	assert.Equal(t, uint16(5001), got.Port)
	assert.True(t, got.IsConcrete())
}

func TestMemoryResolveTimeout(t *testing.T) {
	r := NewMemory("", nil)
	defer r.Close()
	require.NoError(t, r.Advertise(context.Background(), "foo", 5000))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := r.Resolve(ctx, "bar")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryResolveWaitsForAdvertise(t *testing.T) {
	r := NewMemory("127.0.0.1", nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resolved := make(chan address.Address, 1)
	go func() {
		a, err := r.Resolve(ctx, "foo")
		if err == nil {
			resolved <- a
		}
		close(resolved)
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Advertise(ctx, "foo", 6000))

	a, ok := <-resolved
	require.True(t, ok)
	assert.Equal(t, "foo://127.0.0.1:6000", a.String())
}

func TestMemoryConcurrentUse(t *testing.T) {
	r := NewMemory("", nil)
	defer r.Close()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Advertise(context.Background(), "foo", uint16(7000+i)))
		}()
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := r.Resolve(ctx, "foo")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
}

func TestMemoryClosed(t *testing.T) {
	r := NewMemory("", nil)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.ErrorIs(t, r.Advertise(context.Background(), "foo", 1), ErrClosed)
	_, err := r.Resolve(context.Background(), "foo")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestZeroconfResolve(t *testing.T) {
	if os.Getenv("ZEQ_TEST_MDNS") == "" {
		t.Skip("set ZEQ_TEST_MDNS=1 to run against the local multicast network")
	}
	r := NewZeroconf(nil)
	defer r.Close()

	require.NoError(t, r.Advertise(context.Background(), "zeqtest", 4567))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	got, err := r.Resolve(ctx, "zeqtest")
	require.NoError(t, err)
	assert.Equal(t, uint16(4567), got.Port)
}

func TestZeroconfResolveNotFound(t *testing.T) {
	if os.Getenv("ZEQ_TEST_MDNS") == "" {
		t.Skip("set ZEQ_TEST_MDNS=1 to run against the local multicast network")
	}
	r := NewZeroconf(nil)
	defer r.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := r.Resolve(ctx, "zeqnobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestZeroconfClosed(t *testing.T) {
	r := NewZeroconf(nil)
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Advertise(context.Background(), "foo", 1), ErrClosed)
	assert.NoError(t, r.Withdraw("foo", 1))
	_, err := r.Resolve(context.Background(), "foo")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestServiceType(t *testing.T) {
	for _, scheme := range []string{"foo", "zeq-camera", "h2", "abcdefghijklmno"} {
		got, err := serviceType(scheme)
		require.NoError(t, err, scheme)
		assert.Equal(t, "_"+scheme+"._tcp", got)
	}
	for _, scheme := range []string{"", "abcdefghijklmnop", "svn+ssh", "foo.bar", "-foo", "foo-", "a--b", "123", "caf\u00e9"} {
		_, err := serviceType(scheme)
		assert.ErrorIs(t, err, ErrInvalidScheme, scheme)
	}
}

func TestZeroconfRejectsInvalidScheme(t *testing.T) {
	r := NewZeroconf(nil)
	defer r.Close()

	assert.ErrorIs(t, r.Advertise(context.Background(), "svn+ssh", 4567), ErrInvalidScheme)
	_, err := r.Resolve(context.Background(), "averyveryverylongscheme")
	assert.ErrorIs(t, err, ErrInvalidScheme)
}
