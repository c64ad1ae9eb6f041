package orchestrator_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/karen-labs/capsule-core/pkg/audit"
	"github.com/karen-labs/capsule-core/pkg/breaker"
	"github.com/karen-labs/capsule-core/pkg/manifest"
	"github.com/karen-labs/capsule-core/pkg/orchestrator"
	"github.com/karen-labs/capsule-core/pkg/pipeline"
	"github.com/karen-labs/capsule-core/pkg/policy"
	"github.com/karen-labs/capsule-core/pkg/registry"
)

type stubCapsule struct {
	delay time.Duration
	fail  atomic.Bool
	calls atomic.Int64
}

func (c *stubCapsule) RunCore(ctx context.Context, cctx *pipeline.Context) (any, error) {
	c.calls.Add(1)
	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.fail.Load() {
		return nil, errors.New("downstream unavailable")
	}
	return map[string]any{"echo": cctx.Request}, nil
}

type manualClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.at = c.at.Add(d)
}

func capsuleManifest(id string, roles []string, timeoutSecs int) *manifest.Manifest {
	sec := manifest.DefaultSecurityPolicy()
	sec.MaxExecutionTimeSeconds = timeoutSecs
	return &manifest.Manifest{
		ID:            id,
		Name:          "Test Capsule",
		Version:       "1.0.0",
		Type:          manifest.TypeUtility,
		RequiredRoles: roles,
		MaxTokens:     256,
		Temperature:   0.7,
		Priority:      50,
		Security:      sec,
	}
}

func buildOrchestrator(t *testing.T, cfg orchestrator.Config,
	caps map[string]pipeline.Capsule, manifests ...*manifest.Manifest) *orchestrator.Orchestrator {
	t.Helper()
	reg := registry.New()
	for id, c := range caps {
		c := c
		reg.RegisterFactory(id, func(*manifest.Manifest) (pipeline.Capsule, error) {
			return c, nil
		})
	}
	for _, m := range manifests {
		require.NoError(t, reg.Register(m))
	}
	gate, err := policy.NewGate()
	require.NoError(t, err)
	pipe := pipeline.New(gate, audit.NewSigner(audit.StaticSecret("orchestrator-test-secret")))
	return orchestrator.New(reg, pipe, cfg)
}

func user(roles ...string) pipeline.UserContext {
	return pipeline.UserContext{Subject: "user-1", TenantID: "tenant-1", Roles: roles}
}

func TestExecuteSuccess(t *testing.T) {
	cap := &stubCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.echo": cap},
		capsuleManifest("capsule.echo", []string{"user"}, 5))

	res, err := o.Execute(context.Background(), "capsule.echo",
		map[string]any{"text": "hello"}, user("user", "dev"), "corr-1")
	require.NoError(t, err)
	require.True(t, res.OK())
	assert.Equal(t, "corr-1", res.Metadata["correlationId"])
	assert.Equal(t, "capsule.echo", res.Metadata["capsuleId"])
	assert.Equal(t, int64(1), cap.calls.Load())
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.echo"))
}

func TestExecuteGeneratesCorrelationID(t *testing.T) {
	cap := &stubCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.echo": cap},
		capsuleManifest("capsule.echo", []string{"user"}, 5))

	res, err := o.Execute(context.Background(), "capsule.echo",
		map[string]any{"text": "hi"}, user("user"), "")
	require.NoError(t, err)
	require.True(t, res.OK())

	got, ok := res.Metadata["correlationId"].(string)
	require.True(t, ok)
	_, err = uuid.Parse(got)
	assert.NoError(t, err, "generated correlation ID should be a UUID")
}

func TestExecuteNotFound(t *testing.T) {
	o := buildOrchestrator(t, orchestrator.Config{}, nil)

	res, err := o.Execute(context.Background(), "capsule.missing",
		map[string]any{}, user("user"), "corr-1")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, registry.ErrNotFound)
}

func TestExecuteLoadError(t *testing.T) {
	reg := registry.New()
	reg.RegisterFactory("capsule.broken", func(*manifest.Manifest) (pipeline.Capsule, error) {
		return nil, errors.New("missing model weights")
	})
	require.NoError(t, reg.Register(capsuleManifest("capsule.broken", []string{"user"}, 5)))
	gate, err := policy.NewGate()
	require.NoError(t, err)
	pipe := pipeline.New(gate, audit.NewSigner(audit.StaticSecret("s")))
	o := orchestrator.New(reg, pipe, orchestrator.Config{})

	res, err := o.Execute(context.Background(), "capsule.broken",
		map[string]any{}, user("user"), "corr-1")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, registry.ErrLoad)
	assert.ErrorContains(t, err, "missing model weights")
}

func TestPipelineFailureReturnsResultNotError(t *testing.T) {
	cap := &stubCapsule{}
	cap.fail.Store(true)
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.flaky": cap},
		capsuleManifest("capsule.flaky", []string{"user"}, 5))

	res, err := o.Execute(context.Background(), "capsule.flaky",
		map[string]any{}, user("user"), "corr-1")
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, pipeline.KindExecution, res.FailureKind())
	assert.Contains(t, res.Errors[0], "downstream unavailable")
}

type panickingCapsule struct {
	calls atomic.Int64
}

func (c *panickingCapsule) RunCore(ctx context.Context, cctx *pipeline.Context) (any, error) {
	c.calls.Add(1)
	panic("index out of range in capsule code")
}

func TestPanicInCapsuleIsContained(t *testing.T) {
	cap := &panickingCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.crashy": cap},
		capsuleManifest("capsule.crashy", []string{"user"}, 5))

	res, err := o.Execute(context.Background(), "capsule.crashy",
		map[string]any{}, user("user"), "corr-panic")
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, pipeline.KindExecution, res.FailureKind())
	assert.Contains(t, res.Errors[0], "capsule panic in capsule.crashy")
	assert.Equal(t, int64(1), cap.calls.Load())

	for i := 0; i < breaker.DefaultThreshold-1; i++ {
		_, err := o.Execute(context.Background(), "capsule.crashy",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, o.BreakerState("capsule.crashy"),
		"each contained panic counts as one breaker failure")
}

func TestBreakerTripsAndFailsFast(t *testing.T) {
	cap := &stubCapsule{}
	cap.fail.Store(true)
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.flaky": cap},
		capsuleManifest("capsule.flaky", []string{"user"}, 5))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		res, err := o.Execute(context.Background(), "capsule.flaky",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
		require.False(t, res.OK())
	}
	require.Equal(t, breaker.StateOpen, o.BreakerState("capsule.flaky"))
	require.Equal(t, int64(breaker.DefaultThreshold), cap.calls.Load())

	res, err := o.Execute(context.Background(), "capsule.flaky",
		map[string]any{}, user("user"), "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, orchestrator.ErrCircuitOpen)
	var coe *orchestrator.CircuitOpenError
	require.ErrorAs(t, err, &coe)
	assert.Equal(t, "capsule.flaky", coe.CapsuleID)
	assert.Equal(t, int64(breaker.DefaultThreshold), cap.calls.Load(),
		"open circuit must not reach the capsule")
}

func TestBreakerIsolatesPerCapsule(t *testing.T) {
	flaky := &stubCapsule{}
	flaky.fail.Store(true)
	healthy := &stubCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.flaky": flaky, "capsule.echo": healthy},
		capsuleManifest("capsule.flaky", []string{"user"}, 5),
		capsuleManifest("capsule.echo", []string{"user"}, 5))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		_, err := o.Execute(context.Background(), "capsule.flaky",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, o.BreakerState("capsule.flaky"))

	res, err := o.Execute(context.Background(), "capsule.echo",
		map[string]any{}, user("user"), "")
	require.NoError(t, err)
	assert.True(t, res.OK())
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.echo"))
}

func TestBreakerRecoversAfterCooldown(t *testing.T) {
	clock := &manualClock{at: time.Unix(1700000000, 0)}
	cap := &stubCapsule{}
	cap.fail.Store(true)
	o := buildOrchestrator(t, orchestrator.Config{
		Breaker: breaker.Config{Clock: clock},
	},
		map[string]pipeline.Capsule{"capsule.flaky": cap},
		capsuleManifest("capsule.flaky", []string{"user"}, 5))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		_, err := o.Execute(context.Background(), "capsule.flaky",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, o.BreakerState("capsule.flaky"))

	cap.fail.Store(false)
	clock.Advance(breaker.DefaultCooldown + time.Second)

	res, err := o.Execute(context.Background(), "capsule.flaky",
		map[string]any{}, user("user"), "")
	require.NoError(t, err)
	assert.True(t, res.OK(), "half-open trial should succeed")
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.flaky"))

	res, err = o.Execute(context.Background(), "capsule.flaky",
		map[string]any{}, user("user"), "")
	require.NoError(t, err)
	assert.True(t, res.OK())
}

func TestAuthorizationFailureCountsAgainstBreaker(t *testing.T) {
	cap := &stubCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.secure": cap},
		capsuleManifest("capsule.secure", []string{"admin"}, 5))

	res, err := o.Execute(context.Background(), "capsule.secure",
		map[string]any{}, user("user"), "")
	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, pipeline.KindInsufficientPrivileges, res.FailureKind())
	assert.Equal(t, int64(0), cap.calls.Load())

	for i := 0; i < breaker.DefaultThreshold-1; i++ {
		_, err := o.Execute(context.Background(), "capsule.secure",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
	}
	assert.Equal(t, breaker.StateOpen, o.BreakerState("capsule.secure"))
}

func TestTimeoutEnforcement(t *testing.T) {
	cap := &stubCapsule{delay: 2 * time.Second}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.slow": cap},
		capsuleManifest("capsule.slow", []string{"admin"}, 1))

	start := time.Now()
	res, err := o.Execute(context.Background(), "capsule.slow",
		map[string]any{}, user("admin"), "corr-timeout")
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.False(t, res.OK())
	assert.Equal(t, []string{"execution timed out"}, res.Errors)
	assert.Equal(t, pipeline.KindTimeout, res.FailureKind())
	assert.Equal(t, "corr-timeout", res.Metadata["correlationId"])
	assert.Less(t, elapsed, 2*time.Second, "caller must not wait out the full core delay")
	assert.Equal(t, int64(1), cap.calls.Load())
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.slow"),
		"one timeout is a single breaker failure")
}

func TestCallerCancellation(t *testing.T) {
	cap := &stubCapsule{delay: 5 * time.Second}
	o := buildOrchestrator(t, orchestrator.Config{},
		map[string]pipeline.Capsule{"capsule.slow": cap},
		capsuleManifest("capsule.slow", []string{"user"}, 30))

	for i := 0; i < breaker.DefaultThreshold+1; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()
		res, err := o.Execute(ctx, "capsule.slow", map[string]any{}, user("user"), "")
		require.NoError(t, err)
		require.False(t, res.OK())
		assert.Equal(t, []string{"execution cancelled"}, res.Errors)
	}

	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.slow"),
		"client disconnects must not trip a healthy capsule's breaker")
}

func TestRateLimiting(t *testing.T) {
	cap := &stubCapsule{}
	o := buildOrchestrator(t, orchestrator.Config{
		RateLimit: rate.Limit(0.001),
		RateBurst: 1,
	},
		map[string]pipeline.Capsule{"capsule.echo": cap},
		capsuleManifest("capsule.echo", []string{"user"}, 5))

	res, err := o.Execute(context.Background(), "capsule.echo",
		map[string]any{}, user("user"), "")
	require.NoError(t, err)
	assert.True(t, res.OK())

	res, err = o.Execute(context.Background(), "capsule.echo",
		map[string]any{}, user("user"), "")
	assert.Nil(t, res)
	assert.ErrorIs(t, err, orchestrator.ErrRateLimited)
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.echo"),
		"rate rejection is not a capsule failure")
	assert.Equal(t, int64(1), cap.calls.Load())
}

// blockingCapsule fails immediately while fail is set; otherwise it
// holds RunCore open until release is closed, so a test can pin the
// half-open trial in flight.
type blockingCapsule struct {
	fail    atomic.Bool
	release chan struct{}
	calls   atomic.Int64
}

func (c *blockingCapsule) RunCore(ctx context.Context, cctx *pipeline.Context) (any, error) {
	c.calls.Add(1)
	if c.fail.Load() {
		return nil, errors.New("downstream unavailable")
	}
	select {
	case <-c.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return "ok", nil
}

func TestHalfOpenAdmitsSingleTrial(t *testing.T) {
	clock := &manualClock{at: time.Unix(1700000000, 0)}
	cap := &blockingCapsule{release: make(chan struct{})}
	cap.fail.Store(true)
	o := buildOrchestrator(t, orchestrator.Config{
		Breaker: breaker.Config{Clock: clock},
	},
		map[string]pipeline.Capsule{"capsule.flaky": cap},
		capsuleManifest("capsule.flaky", []string{"user"}, 5))

	for i := 0; i < breaker.DefaultThreshold; i++ {
		_, err := o.Execute(context.Background(), "capsule.flaky",
			map[string]any{}, user("user"), "")
		require.NoError(t, err)
	}
	require.Equal(t, breaker.StateOpen, o.BreakerState("capsule.flaky"))

	cap.fail.Store(false)
	callsBefore := cap.calls.Load()
	clock.Advance(breaker.DefaultCooldown + time.Second)

	const workers = 8
	var admitted, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Execute(context.Background(), "capsule.flaky",
				map[string]any{}, user("user"), "")
			if errors.Is(err, orchestrator.ErrCircuitOpen) {
				rejected.Add(1)
				return
			}
			if assert.NoError(t, err) && res.OK() {
				admitted.Add(1)
			}
		}()
	}

	// Siblings fail fast while the single trial is pinned in RunCore.
	require.Eventually(t, func() bool {
		return rejected.Load() == workers-1
	}, 5*time.Second, 10*time.Millisecond)
	close(cap.release)
	wg.Wait()

	assert.Equal(t, int64(1), admitted.Load(), "exactly one trial during half-open")
	assert.Equal(t, callsBefore+1, cap.calls.Load())
	assert.Equal(t, breaker.StateClosed, o.BreakerState("capsule.flaky"))
}
