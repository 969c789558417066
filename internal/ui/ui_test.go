package ui

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestTable_AlignsColumns(t *testing.T) {
	var buf bytes.Buffer
	writeTable(&buf, []string{"Patch", "Reason"}, [][]string{
		{"patches/base-foo.cc.patch", "corrupt patch at line 7"},
		{"patches/a.patch", "patch does not apply"},
	})
	assert.Equal(t,
		"  Patch                      Reason\n"+
			"  patches/base-foo.cc.patch  corrupt patch at line 7\n"+
			"  patches/a.patch            patch does not apply\n",
		buf.String())
}

func TestInit_VerboseSetsDebug(t *testing.T) {
	Init(true, true)
	defer Init(false, false)
	require.NotNil(t, Logger)
	assert.Equal(t, log.DebugLevel, Logger.GetLevel())

	Init(true, false)
	assert.Equal(t, log.InfoLevel, Logger.GetLevel())
}

// syncBuffer guards a bytes.Buffer shared with a writer goroutine.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpinner_StopIsIdempotentAndLeakFree(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out syncBuffer
	s := newSpinner(&out, "applying patches")
	s.Stop()
	s.Stop()

	assert.Contains(t, out.String(), "applying patches")
	assert.True(t, strings.HasSuffix(out.String(), "\r\033[K"), "spinner should clear its line")
}

func TestKeepAlive_PingsUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	var out syncBuffer
	stop := keepAlive(&out, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return strings.Contains(out.String(), "[keep-alive]")
	}, time.Second, 5*time.Millisecond)
	stop()
	stop()

	n := strings.Count(out.String(), "\n")
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, n, strings.Count(out.String(), "\n"), "no pings after stop")
}

func TestConfirmModel_Keys(t *testing.T) {
	cases := []struct {
		key  string
		want bool
	}{
		{"y", true},
		{"n", false},
		{"esc", false},
	}
	for _, tc := range cases {
		m := confirmModel{prompt: "Discard?", cursor: 1}
		var msg tea.KeyMsg
		switch tc.key {
		case "esc":
			msg = tea.KeyMsg{Type: tea.KeyEsc}
		default:
			msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(tc.key)}
		}
		next, _ := m.Update(msg)
		got := next.(confirmModel)
		assert.True(t, got.decided, "key %q should decide", tc.key)
		assert.Equal(t, tc.want, got.accepted, "key %q", tc.key)
	}
}

func TestConfirmModel_EnterUsesCursor(t *testing.T) {
	m := confirmModel{prompt: "Discard?", cursor: 1}
	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyLeft})
	next, _ = next.(confirmModel).Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.True(t, next.(confirmModel).accepted)
}

func TestNotifyCommand(t *testing.T) {
	name, args := notifyCommand("darwin", "patchlift", `say "hi"`)
	assert.Equal(t, "osascript", name)
	require.Len(t, args, 2)
	assert.Contains(t, args[1], `say \"hi\"`)

	name, _ = notifyCommand("linux", "patchlift", "msg")
	assert.Equal(t, "notify-send", name)

	name, _ = notifyCommand("windows", "patchlift", "msg")
	assert.Empty(t, name)
}

func TestRenderMarkdown(t *testing.T) {
	out, err := renderMarkdown("# Title\n\nSome *text*.", 80)
	require.NoError(t, err)
	assert.Contains(t, out, "Title")
}
