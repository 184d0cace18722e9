package browser

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSession_RejectsOperationsWhenClosed(t *testing.T) {
	s := &Session{id: "s1", logger: zap.NewNop(), isClosed: true}

	err := s.Click(context.Background(), "#go")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session s1 is closed")

	err = s.Navigate(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "session s1 is closed")
}

func TestSessionClose_Idempotent(t *testing.T) {
	var closed, disposed int
	s := &Session{
		id:      "s1",
		logger:  zap.NewNop(),
		cancel:  func() {},
		dispose: func() { disposed++ },
		onClose: func() { closed++ },
	}

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Equal(t, 1, closed, "onClose must run exactly once")
	assert.Equal(t, 1, disposed, "browser context must be disposed exactly once")
}

func TestNavigate_RejectsInvalidURL(t *testing.T) {
	s := &Session{id: "s1", logger: zap.NewNop()}

	tests := []string{
		"not a url",
		"ftp://files.example.com/x",
		"javascript:alert(1)",
		"",
	}
	for _, raw := range tests {
		err := s.Navigate(context.Background(), raw)
		require.Error(t, err, "url %q", raw)
		assert.Contains(t, err.Error(), "scheme must be http or https")
	}
}

func TestWaitForAsync_RejectsNonPositiveDuration(t *testing.T) {
	s := &Session{id: "s1", logger: zap.NewNop()}

	require.Error(t, s.WaitForAsync(context.Background(), 0))
	require.Error(t, s.WaitForAsync(context.Background(), -100))
}

func TestScrollScript(t *testing.T) {
	for _, direction := range []string{"up", "down", "top", "bottom"} {
		script, err := scrollScript(direction)
		require.NoError(t, err)
		assert.NotEmpty(t, script)
	}

	_, err := scrollScript("sideways")
	require.Error(t, err)
	assert.EqualError(t, err, "invalid scroll direction: sideways (supported: up, down, top, bottom)")
}

func TestIsXPathSelector(t *testing.T) {
	assert.True(t, isXPathSelector("//button[text()='Go']"))
	assert.True(t, isXPathSelector("(//a)[1]"))
	assert.False(t, isXPathSelector("#main-cta"))
	assert.False(t, isXPathSelector(".btn"))
	assert.False(t, isXPathSelector("button.primary"))
}
