package echo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskqueue/internal/job"
	"taskqueue/internal/queue"
	logx "taskqueue/pkg/logx"
)

func TestHandle(t *testing.T) {
	t.Parallel()
	tk := New(logx.Nop(), "> ")
	assert.Equal(t, "echo", tk.Name())

	got, err := tk.Handle(context.Background(), job.Params{"hello", 42})
	require.NoError(t, err)
	assert.Equal(t, "> hello 42", got)

	got, err = tk.Handle(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "> (empty)", got)
}

func TestFail(t *testing.T) {
	t.Parallel()
	f := NewFail(logx.Nop())
	assert.Equal(t, "fail", f.Name())

	_, err := f.Handle(context.Background(), job.Params{"x"})
	require.Error(t, err)
	assert.False(t, queue.IsNoRetry(err))

	_, err = f.Handle(context.Background(), job.Params{"permanent"})
	require.Error(t, err)
	assert.True(t, queue.IsNoRetry(err))
}
