package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/multiplayar/worldsync/internal/config"
	"github.com/multiplayar/worldsync/internal/dispatcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) *dispatcher.Dispatcher {
	t.Helper()
	d, err := dispatcher.New(slog.Default())
	require.NoError(t, err)
	t.Cleanup(d.Close)
	d.Register(":ECHO:", func(e dispatcher.Event) (any, error) {
		return e.Args, nil
	})
	d.Register(":FAIL:", func(dispatcher.Event) (any, error) {
		return nil, fmt.Errorf("nope")
	})
	return d
}

func TestDispatchLine(t *testing.T) {
	d := newTestDispatcher(t)

	_, ok := dispatchLine(d, "   ")
	assert.False(t, ok, "blank lines get no reply")

	r, ok := dispatchLine(d, ":echo: a b")
	require.True(t, ok)
	assert.True(t, r.OK)
	assert.Equal(t, ":ECHO:", r.Command)
	assert.Equal(t, []string{"a", "b"}, r.Result)

	r, ok = dispatchLine(d, ":FAIL:")
	require.True(t, ok)
	assert.False(t, r.OK)
	assert.Equal(t, "nope", r.Error)

	r, _ = dispatchLine(d, ":NOPE:")
	assert.Contains(t, r.Error, "unknown command")
}

func TestReadLines(t *testing.T) {
	lines := make(chan string)
	go readLines(context.Background(), strings.NewReader("a\nb\n"), lines)

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"a", "b"}, got)
}

func TestReadLines_StopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	lines := make(chan string)
	exited := make(chan struct{})
	go func() {
		readLines(ctx, strings.NewReader("a\nb\n"), lines)
		close(exited)
	}()

	assert.Equal(t, "a", <-lines)
	cancel()

	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatal("readLines still blocked after cancel")
	}
}

func TestRun_StatusUntilEOF(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := map[string]any{
		"logLevel": "debug",
		"logsDir":  filepath.Join(dir, "logs"),
		"server":   map[string]any{"address": srv.URL},
		"session":  map[string]any{"userId": "user-1"},
		"storage":  map[string]any{"type": "none"},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), data, 0644))

	var out bytes.Buffer
	in := strings.NewReader(":STATUS:\n\n:OBJECT:LIST:\n")
	require.NoError(t, run(dir, in, &out))

	var replies []reply
	scanner := bufio.NewScanner(&out)
	for scanner.Scan() {
		var r reply
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		if r.Command != "" {
			replies = append(replies, r)
		}
	}
	require.Len(t, replies, 2)
	assert.Equal(t, ":STATUS:", replies[0].Command)
	assert.True(t, replies[0].OK)
	assert.Equal(t, ":OBJECT:LIST:", replies[1].Command)

	logs, err := filepath.Glob(filepath.Join(dir, "logs", "worldsync.*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
