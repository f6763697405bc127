package engine

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sctnightcore/netredirect/internal/detour"
	"github.com/sctnightcore/netredirect/internal/hooks"
	"github.com/sctnightcore/netredirect/internal/rules"
)

// fakeHook records install and uninstall calls on a shared journal so
// ordering across hooks can be asserted.
type fakeHook struct {
	name           string
	journal        *[]string
	installErr     error
	uninstallErr   error
	installCount   int
	uninstallCount int
}

func (f *fakeHook) Name() string { return f.name }

func (f *fakeHook) Install(*detour.Manager) error {
	if f.installErr != nil {
		return f.installErr
	}

	f.installCount++
	*f.journal = append(*f.journal, "install "+f.name)
	return nil
}

func (f *fakeHook) Uninstall(*detour.Manager) error {
	*f.journal = append(*f.journal, "uninstall "+f.name)
	f.uninstallCount++
	if f.uninstallErr != nil {
		return f.uninstallErr
	}

	return nil
}

func testTable(t *testing.T) *rules.Table {
	t.Helper()

	table, err := rules.New([]rules.Rule{{
		Addr:   netip.MustParseAddr("1.2.3.4"),
		Port:   80,
		Target: netip.MustParseAddrPort("5.6.7.8:8080"),
	}})
	require.NoError(t, err)
	return table
}

func testEngine(t *testing.T, fakes ...*fakeHook) *Engine {
	t.Helper()

	e := New(zerolog.Nop())
	e.buildHooks = func(Options) []hooks.Hook {
		list := make([]hooks.Hook, len(fakes))
		for i, f := range fakes {
			list[i] = f
		}
		return list
	}

	return e
}

func TestAttachDetachLifecycle(t *testing.T) {
	var journal []string
	a := &fakeHook{name: "a", journal: &journal}
	b := &fakeHook{name: "b", journal: &journal}
	e := testEngine(t, a, b)

	assert.Equal(t, StateUnloaded, e.State())

	require.NoError(t, e.Attach(context.Background(), Options{Table: testTable(t)}))
	assert.Equal(t, StateActive, e.State())
	assert.Equal(t, []string{"install a", "install b"}, journal)

	require.NoError(t, e.Detach())
	assert.Equal(t, StateUnloaded, e.State())
	assert.Equal(t, []string{
		"install a", "install b",
		"uninstall b", "uninstall a",
	}, journal, "uninstall must run in reverse installation order")
}

func TestAttachRollsBackOnInstallFailure(t *testing.T) {
	var journal []string
	a := &fakeHook{name: "a", journal: &journal}
	b := &fakeHook{name: "b", journal: &journal, installErr: errors.New("patch refused")}
	c := &fakeHook{name: "c", journal: &journal}
	e := testEngine(t, a, b, c)

	err := e.Attach(context.Background(), Options{Table: testTable(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "patch refused")

	assert.Equal(t, StateUnloaded, e.State(), "failed attach must end unloaded")
	assert.Equal(t, []string{"install a", "uninstall a"}, journal)
	assert.Zero(t, c.installCount, "hooks after the failure must never install")
}

func TestAttachRequiresTable(t *testing.T) {
	e := testEngine(t)

	err := e.Attach(context.Background(), Options{})
	require.Error(t, err)
	assert.Equal(t, StateUnloaded, e.State())
}

func TestAttachWhenActive(t *testing.T) {
	var journal []string
	e := testEngine(t, &fakeHook{name: "a", journal: &journal})

	require.NoError(t, e.Attach(context.Background(), Options{Table: testTable(t)}))
	defer e.Detach()

	assert.ErrorIs(t, e.Attach(context.Background(), Options{Table: testTable(t)}), ErrAlreadyAttached)
}

func TestDetachWhenUnloaded(t *testing.T) {
	e := testEngine(t)

	assert.ErrorIs(t, e.Detach(), ErrNotAttached)
}

func TestDetachContinuesPastFailures(t *testing.T) {
	var journal []string
	a := &fakeHook{name: "a", journal: &journal}
	b := &fakeHook{name: "b", journal: &journal, uninstallErr: errors.New("restore failed")}
	e := testEngine(t, a, b)

	require.NoError(t, e.Attach(context.Background(), Options{Table: testTable(t)}))

	err := e.Detach()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restore failed")

	assert.Equal(t, StateUnloaded, e.State(), "detach ends unloaded even on failure")
	assert.Equal(t, 1, a.uninstallCount, "later hooks still uninstall after a failure")
}

func TestAttachOnceUnderConcurrency(t *testing.T) {
	var journal []string
	e := testEngine(t, &fakeHook{name: "a", journal: &journal})

	const goroutines = 8
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- e.Attach(context.Background(), Options{Table: testTable(t)})
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrAlreadyAttached)
		}
	}

	assert.Equal(t, 1, succeeded, "exactly one attach may win")
	assert.Equal(t, StateActive, e.State())
	require.NoError(t, e.Detach())
}

func TestReattachAfterDetach(t *testing.T) {
	var journal []string
	e := testEngine(t, &fakeHook{name: "a", journal: &journal})

	require.NoError(t, e.Attach(context.Background(), Options{Table: testTable(t)}))
	require.NoError(t, e.Detach())
	require.NoError(t, e.Attach(context.Background(), Options{Table: testTable(t)}))
	require.NoError(t, e.Detach())

	assert.Equal(t, []string{
		"install a", "uninstall a",
		"install a", "uninstall a",
	}, journal)
}

func TestRelayComponentsLifecycle(t *testing.T) {
	var journal []string
	e := testEngine(t, &fakeHook{name: "a", journal: &journal})

	require.NoError(t, e.Attach(context.Background(), Options{
		Table:        testTable(t),
		RelayEnabled: true,
	}))

	assert.NotNil(t, e.client)
	assert.NotNil(t, e.registry)

	require.NoError(t, e.Detach())
	assert.Nil(t, e.client)
	assert.Nil(t, e.registry)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unloaded", StateUnloaded.String())
	assert.Equal(t, "initializing", StateInitializing.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "unloading", StateUnloading.String())
	assert.Equal(t, "state(9)", State(9).String())
}
