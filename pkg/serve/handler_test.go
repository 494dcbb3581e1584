package serve_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holon-run/cellstream/pkg/cellrun"
	"github.com/holon-run/cellstream/pkg/fallback"
	"github.com/holon-run/cellstream/pkg/runtime/echo"
	"github.com/holon-run/cellstream/pkg/serve"
)

const testPath = "/work/notebook.py"

type testEnv struct {
	srv      *cellrun.Server
	recorder *fallback.Recorder
	http     *httptest.Server
}

func newTestEnv(t *testing.T, run cellrun.RunFunc) *testEnv {
	t.Helper()
	rec := fallback.NewRecorder()
	srv, err := cellrun.NewServer(cellrun.Config{Run: run, OutputHandler: rec.Handler("")})
	require.NoError(t, err)

	h := serve.NewHandler(srv, serve.HandlerConfig{})
	ts := httptest.NewServer(h)
	t.Cleanup(func() {
		ts.Close()
		h.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return &testEnv{srv: srv, recorder: rec, http: ts}
}

func (e *testEnv) wsURL() string {
	return "ws" + strings.TrimPrefix(e.http.URL, "http") + "/rpc/ws"
}

func (e *testEnv) client(t *testing.T) *cellrun.Client {
	t.Helper()
	c, err := cellrun.NewClient(context.Background(), serve.Dialer(e.wsURL()), cellrun.ClientConfig{Path: testPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWebSocket_RunStreamsInOrder(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{Chunks: 5}))
	c := env.client(t)
	ctx := testContext(t)

	rs, err := c.Run(ctx, []cellrun.Cell{{ID: "a", Input: "x"}, {ID: "b", Input: "y"}}, cellrun.RunOptions{})
	require.NoError(t, err)
	msgs, err := rs.Collect(ctx)
	require.NoError(t, err)

	require.NotEmpty(t, msgs)
	assert.Equal(t, cellrun.LifecycleRunStart, msgs[0].Lifecycle)
	assert.Equal(t, cellrun.LifecycleRunDone, msgs[len(msgs)-1].Lifecycle)

	var outputs []any
	for _, m := range msgs {
		assert.Equal(t, rs.RunID(), m.RunID)
		if m.IsData() {
			outputs = append(outputs, m.Output)
		}
	}
	// numbers arrive as JSON numbers
	assert.Equal(t, []any{0.0, 1.0, 2.0, 3.0, 4.0, 0.0, 1.0, 2.0, 3.0, 4.0}, outputs)
}

func TestWebSocket_ExecutorErrorIsVerbatim(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	c := env.client(t)
	ctx := testContext(t)

	rs, err := c.Run(ctx, []cellrun.Cell{
		{ID: "a", Input: "fine"},
		{ID: "b", Input: echo.RaisePrefix + "ZeroDivisionError: division by zero"},
	}, cellrun.RunOptions{WaitForAck: true})
	require.NoError(t, err)

	msgs, err := rs.Collect(ctx)
	require.Error(t, err)
	assert.Equal(t, "ZeroDivisionError: division by zero", err.Error())
	var runErr *cellrun.RunError
	assert.True(t, errors.As(err, &runErr))

	var outputs []any
	for _, m := range msgs {
		if m.IsData() {
			outputs = append(outputs, m.Output)
		}
	}
	assert.Equal(t, []any{"fine"}, outputs)
}

func TestWebSocket_InvalidRequestIsRejected(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	c, err := cellrun.NewClient(context.Background(), serve.Dialer(env.wsURL()), cellrun.ClientConfig{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	_, err = c.Run(testContext(t), nil, cellrun.RunOptions{WaitForAck: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, cellrun.ErrInvalidRequest), "got %v", err)
}

func TestWebSocket_DisconnectFailsOverToFallback(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{Chunks: 30, Delay: 20 * time.Millisecond}))
	c := env.client(t)
	ctx := testContext(t)

	rs, err := c.Run(ctx, []cellrun.Cell{{ID: "a", Input: "x"}}, cellrun.RunOptions{WaitForAck: true})
	require.NoError(t, err)

	// wait until output is flowing, then drop the connection
	_, err = rs.Next(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		rec, ok := env.recorder.Get(rs.RunID())
		return ok && rec.Dones == 1
	}, 5*time.Second, 20*time.Millisecond)

	rec, _ := env.recorder.Get(rs.RunID())
	require.NotEmpty(t, rec.Messages)
	last := rec.Messages[len(rec.Messages)-1]
	assert.Equal(t, cellrun.LifecycleRunDone, last.Lifecycle)

	var tail cellrun.OutputMessage
	for _, m := range rec.Messages {
		if m.IsData() {
			tail = m
		}
	}
	assert.Equal(t, 29, tail.Output)
	assert.Equal(t, int64(1), env.srv.Stats().Failovers)
}

func TestWebSocket_RerunFromAnotherConnectionSupersedes(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{Chunks: 50, Delay: 20 * time.Millisecond}))
	first := env.client(t)
	second := env.client(t)
	ctx := testContext(t)

	rsA, err := first.Run(ctx, []cellrun.Cell{{ID: "a", Input: "x"}}, cellrun.RunOptions{WaitForAck: true})
	require.NoError(t, err)
	_, err = rsA.Next(ctx)
	require.NoError(t, err)

	rsB, err := second.Run(ctx, []cellrun.Cell{{ID: "a", Input: "y"}}, cellrun.RunOptions{WaitForAck: true})
	require.NoError(t, err)

	_, err = rsA.Collect(ctx)
	assert.True(t, errors.Is(err, cellrun.ErrSuperseded), "got %v", err)

	msgs, err := rsB.Collect(ctx)
	require.NoError(t, err)
	for _, m := range msgs {
		assert.Equal(t, rsB.RunID(), m.RunID)
	}
}

func TestRPC_KernelStatusAndStats(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	ctx := testContext(t)

	var status cellrun.KernelStatus
	require.NoError(t, serve.Call(ctx, env.http.URL+"/rpc", serve.MethodKernelStatus, serve.KernelStatusParams{Path: testPath}, &status))
	assert.Equal(t, "running", status.BackendState)
	assert.Equal(t, "idle", status.KernelState)

	var stats cellrun.Stats
	require.NoError(t, serve.Call(ctx, env.http.URL+"/rpc", serve.MethodServerStats, nil, &stats))
	assert.Equal(t, int64(0), stats.Accepted)

	err := serve.Call(ctx, env.http.URL+"/rpc", serve.MethodKernelStatus, serve.KernelStatusParams{}, &status)
	require.Error(t, err)
	assert.True(t, errors.Is(err, cellrun.ErrInvalidRequest), "got %v", err)
}

func TestRPC_RejectsNonPost(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	resp, err := http.Get(env.http.URL + "/rpc")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestRPC_UnknownMethod(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	body := []byte(`{"jsonrpc":"2.0","id":7,"method":"nope"}`)
	resp, err := http.Post(env.http.URL+"/rpc", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out serve.JSONRPCResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotNil(t, out.Error)
	assert.Equal(t, serve.ErrCodeMethodNotFound, out.Error.Code)
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, echo.New(echo.Config{}))
	resp, err := http.Get(env.http.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "ok", out["status"])
	assert.NotEmpty(t, out["time"])
}
