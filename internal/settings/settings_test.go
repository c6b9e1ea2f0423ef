package settings

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	v := Defaults()
	require.NoError(t, v.Validate())
	assert.True(t, v.AutomaticReauthentication)
	assert.Equal(t, 0.15, v.SkipPreviousProgressResetThreshold)
	assert.Equal(t, 10*time.Second, v.GuardTTL())
	for _, c := range Components {
		assert.Equal(t, VisibilityAuto, v.Visibility(c))
	}
}

func TestValidate(t *testing.T) {
	v := Defaults()
	v.SkipPreviousProgressResetThreshold = 1.5
	assert.Error(t, v.Validate())

	v = Defaults()
	v.GuardTTLMs = -1
	assert.Error(t, v.Validate())

	v = Defaults()
	v.Components["volume"] = "sometimes"
	err := v.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "components.volume")
}

func TestVisibility_Visible(t *testing.T) {
	assert.True(t, VisibilityAlways.Visible(false))
	assert.False(t, VisibilityHidden.Visible(true))
	assert.True(t, VisibilityAuto.Visible(true))
	assert.False(t, VisibilityAuto.Visible(false))
}

func TestStore_SetNotifiesAndCopies(t *testing.T) {
	s := NewStore(Defaults())

	var got []Values
	cancel := s.Subscribe(func(v Values) { got = append(got, v) })

	next := Defaults()
	next.Components["volume"] = VisibilityHidden
	require.NoError(t, s.Set(next))

	next.Components["volume"] = VisibilityAlways
	assert.Equal(t, VisibilityHidden, s.Get().Visibility("volume"), "store keeps its own copy")

	require.Len(t, got, 1)
	assert.Equal(t, VisibilityHidden, got[0].Visibility("volume"))

	cancel()
	require.NoError(t, s.Set(Defaults()))
	assert.Len(t, got, 1)
}

func TestStore_SetRejectsInvalid(t *testing.T) {
	s := NewStore(Defaults())
	calls := 0
	s.Subscribe(func(Values) { calls++ })

	bad := Defaults()
	bad.SkipPreviousProgressResetThreshold = -0.1
	assert.Error(t, s.Set(bad))
	assert.Equal(t, 0, calls)
	assert.Equal(t, 0.15, s.Get().SkipPreviousProgressResetThreshold)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.txt")
	require.NoError(t, os.WriteFile(path, []byte("0.15"), 0o644))

	load := func(p string) (Values, error) {
		b, err := os.ReadFile(p)
		if err != nil {
			return Values{}, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(string(b)), 64)
		if err != nil {
			return Values{}, errors.New("bad threshold")
		}
		v := Defaults()
		v.SkipPreviousProgressResetThreshold = f
		return v, nil
	}

	s := NewStore(Defaults())
	var (
		mu   sync.Mutex
		seen []float64
	)
	s.Subscribe(func(v Values) {
		mu.Lock()
		seen = append(seen, v.SkipPreviousProgressResetThreshold)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = Watch(ctx, path, load, s, nil) }()

	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("0.5"), 0o644))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.Get().SkipPreviousProgressResetThreshold == 0.5 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, 0.5, s.Get().SkipPreviousProgressResetThreshold)

	// An unparsable file keeps the previous values.
	require.NoError(t, os.WriteFile(path, []byte("nope"), 0o644))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 0.5, s.Get().SkipPreviousProgressResetThreshold)

	mu.Lock()
	defer mu.Unlock()
	assert.NotEmpty(t, seen)
}
