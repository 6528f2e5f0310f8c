package system

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "taskqueue/pkg/logx"
)

func TestHandle(t *testing.T) {
	t.Parallel()
	got, err := New(logx.Nop()).Handle(context.Background(), nil)
	require.NoError(t, err)
	info, ok := got.(Info)
	require.True(t, ok)
	assert.NotEmpty(t, info.Go)
	assert.Positive(t, info.Goroutines)
}

func TestFmtBytes(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "512B", fmtBytes(512))
	assert.Equal(t, "1.5KB", fmtBytes(1536))
	assert.Equal(t, "2.0MB", fmtBytes(2<<20))
	assert.Equal(t, "1.0GB", fmtBytes(1<<30))
}
