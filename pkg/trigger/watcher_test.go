package trigger

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/polisai/polis-runner/pkg/config"
	"github.com/polisai/polis-runner/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatches(t *testing.T) {
	cases := []struct {
		patterns []string
		name     string
		want     bool
	}{
		{[]string{"*.wav"}, "clip.wav", true},
		{[]string{"*.wav"}, "CLIP.WAV", true},
		{[]string{"*.wav", "*.mp3"}, "song.mp3", true},
		{[]string{"*.wav"}, "notes.txt", false},
		{[]string{"Screenshot*.png"}, "screenshot 2026.png", true},
		{nil, "anything.bin", true},
		{nil, ".hidden", false},
		{[]string{"*"}, "~lock.docx", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Matches(tc.patterns, tc.name), "%v %s", tc.patterns, tc.name)
	}
}

func TestWithTriggerFile(t *testing.T) {
	def := sampleDefinition()
	out := WithTriggerFile(def, "/in/clip.wav")

	assert.Equal(t, "/in/clip.wav", out.Nodes[0].Config[TriggerFileKey])
	assert.Equal(t, "fixed.wav", out.Nodes[1].Config[TriggerFileKey])
	assert.Equal(t, "/in/clip.wav", out.Nodes[2].Config[TriggerFileKey])

	// The source definition is untouched.
	_, ok := def.Nodes[0].Config[TriggerFileKey]
	assert.False(t, ok)
	assert.Nil(t, def.Nodes[2].Config)
}

func TestWatcherSubmitsDebouncedRun(t *testing.T) {
	dir := t.TempDir()
	submitter := newFakeSubmitter()

	var mu sync.Mutex
	var fired []FireEvent

	w, err := NewWatcher(WatcherConfig{
		Watches: []config.WatchConfig{{
			Name:     "inbox",
			Path:     dir,
			Patterns: []string{"*.wav"},
			Pipeline: "transcribe.json",
			Debounce: 100 * time.Millisecond,
		}},
		Submitter: submitter,
		Load:      staticLoader(sampleDefinition()),
		OnFire: func(ev FireEvent) {
			mu.Lock()
			fired = append(fired, ev)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	t.Cleanup(func() { _ = w.Stop() })
	assert.True(t, w.IsRunning())

	target := filepath.Join(dir, "clip.wav")
	require.NoError(t, os.WriteFile(target, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(target, []byte("ab"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	var def domain.PipelineDefinition
	select {
	case def = <-submitter.ch:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not submit a run")
	}

	resolved, err := filepath.EvalSymlinks(target)
	require.NoError(t, err)
	got, err := filepath.EvalSymlinks(def.Nodes[0].Config[TriggerFileKey].(string))
	require.NoError(t, err)
	assert.Equal(t, resolved, got)

	// Further writes within the debounce window were collapsed.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, submitter.count())

	mu.Lock()
	require.Len(t, fired, 1)
	assert.Equal(t, KindWatch, fired[0].Kind)
	assert.Equal(t, "inbox", fired[0].Name)
	assert.Equal(t, "run_1", fired[0].RunID)
	assert.NoError(t, fired[0].Err)
	mu.Unlock()

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
}

func TestWatcherStartFailsForMissingDirectory(t *testing.T) {
	w, err := NewWatcher(WatcherConfig{
		Watches:   []config.WatchConfig{{Name: "gone", Path: filepath.Join(t.TempDir(), "absent"), Pipeline: "p.json"}},
		Submitter: newFakeSubmitter(),
	})
	require.NoError(t, err)

	err = w.Start(context.Background())
	require.Error(t, err)
	assert.False(t, w.IsRunning())
}

func TestNewWatcherRequiresSubmitter(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{})
	require.Error(t, err)
}

func TestWatcherStopReleasesHandleWithoutStart(t *testing.T) {
	w, err := NewWatcher(WatcherConfig{
		Watches:   []config.WatchConfig{{Name: "inbox", Path: t.TempDir(), Pipeline: "p.json"}},
		Submitter: newFakeSubmitter(),
	})
	require.NoError(t, err)

	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.watcher.Add(t.TempDir()), fsnotify.ErrClosed)
	assert.Error(t, w.Start(context.Background()))
	assert.False(t, w.IsRunning())
	assert.NoError(t, w.Stop())
}

func TestWatcherStopAfterFailedStart(t *testing.T) {
	w, err := NewWatcher(WatcherConfig{
		Watches:   []config.WatchConfig{{Name: "missing", Path: filepath.Join(t.TempDir(), "absent"), Pipeline: "p.json"}},
		Submitter: newFakeSubmitter(),
	})
	require.NoError(t, err)

	require.Error(t, w.Start(context.Background()))
	require.NoError(t, w.Stop())
	assert.ErrorIs(t, w.watcher.Add(t.TempDir()), fsnotify.ErrClosed)
}
