package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shinrai-ai/shinrai/internal/agent"
	"github.com/shinrai-ai/shinrai/internal/model"
)

func noopAgent() agent.Agent {
	return agent.Func(func(_ context.Context, _ model.AgentInput) (model.AgentOutput, error) {
		return model.AgentOutput{Success: true}, nil
	})
}

func testRegistry(t *testing.T, caps map[string]bool) *Registry {
	t.Helper()
	r, err := New(Config{
		Descriptors: []model.AgentDescriptor{
			{ID: "heartbeat", Name: "Heartbeat", Enabled: true, Autonomy: model.AutonomyAutonomous},
			{ID: "disabled-agent", Name: "Disabled", Enabled: false, Autonomy: model.AutonomyAdvisory},
			{ID: "needs-creds", Name: "Needs Credentials", Enabled: true,
				Autonomy:             model.AutonomySemiAutonomous,
				RequiredCapabilities: []string{"FEED_URL", "FEED_TOKEN"}},
			{ID: "no-factory", Name: "Unimplemented", Enabled: true, Autonomy: model.AutonomyAdvisory},
		},
		Factories: map[string]Factory{
			"heartbeat":      func(context.Context) (agent.Agent, error) { return noopAgent(), nil },
			"disabled-agent": func(context.Context) (agent.Agent, error) { return noopAgent(), nil },
			"needs-creds":    func(context.Context) (agent.Agent, error) { return noopAgent(), nil },
		},
		Capability: func(name string) bool { return caps[name] },
	})
	require.NoError(t, err)
	return r
}

func TestNewRejectsBadDescriptorTable(t *testing.T) {
	_, err := New(Config{Descriptors: []model.AgentDescriptor{
		{ID: "dup", Name: "A", Enabled: true, Autonomy: model.AutonomyAdvisory},
		{ID: "dup", Name: "B", Enabled: true, Autonomy: model.AutonomyAdvisory},
	}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = New(Config{Descriptors: []model.AgentDescriptor{
		{ID: "Bad-ID", Name: "X", Enabled: true, Autonomy: model.AutonomyAdvisory},
	}})
	assert.Error(t, err)
}

func TestResolveErrorKinds(t *testing.T) {
	r := testRegistry(t, map[string]bool{"FEED_URL": true})
	ctx := context.Background()

	t.Run("not found", func(t *testing.T) {
		_, err := r.Resolve(ctx, "ghost")
		assert.Equal(t, KindNotFound, KindOf(err))
	})

	t.Run("disabled", func(t *testing.T) {
		_, err := r.Resolve(ctx, "disabled-agent")
		assert.Equal(t, KindDisabled, KindOf(err))
	})

	t.Run("missing capability", func(t *testing.T) {
		_, err := r.Resolve(ctx, "needs-creds")
		assert.Equal(t, KindMissingCapability, KindOf(err))
		var re *Error
		require.ErrorAs(t, err, &re)
		assert.Equal(t, []string{"FEED_TOKEN"}, re.Missing)
	})

	t.Run("resolution failed when no factory exists", func(t *testing.T) {
		_, err := r.Resolve(ctx, "no-factory")
		assert.Equal(t, KindResolutionFailed, KindOf(err))
	})

	t.Run("resolution failed wraps factory error", func(t *testing.T) {
		boom := errors.New("boom")
		r2, err := New(Config{
			Descriptors: []model.AgentDescriptor{
				{ID: "broken", Name: "Broken", Enabled: true, Autonomy: model.AutonomyAdvisory},
			},
			Factories: map[string]Factory{
				"broken": func(context.Context) (agent.Agent, error) { return nil, boom },
			},
		})
		require.NoError(t, err)
		_, err = r2.Resolve(ctx, "broken")
		assert.Equal(t, KindResolutionFailed, KindOf(err))
		assert.ErrorIs(t, err, boom)
	})

	t.Run("KindOf is empty for foreign errors", func(t *testing.T) {
		assert.Equal(t, Kind(""), KindOf(errors.New("other")))
		assert.Equal(t, Kind(""), KindOf(nil))
	})
}

func TestValidateEnvironment(t *testing.T) {
	r := testRegistry(t, nil)

	report, err := r.ValidateEnvironment("needs-creds")
	require.NoError(t, err)
	assert.False(t, report.Valid)
	assert.Equal(t, []string{"FEED_URL", "FEED_TOKEN"}, report.Missing)

	report, err = r.ValidateEnvironment("heartbeat")
	require.NoError(t, err)
	assert.True(t, report.Valid)
	assert.Empty(t, report.Missing)

	_, err = r.ValidateEnvironment("ghost")
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestIsAvailable(t *testing.T) {
	r := testRegistry(t, map[string]bool{"FEED_URL": true, "FEED_TOKEN": true})

	assert.True(t, r.IsAvailable("heartbeat"))
	assert.True(t, r.IsAvailable("needs-creds"))
	assert.False(t, r.IsAvailable("disabled-agent"))
	assert.False(t, r.IsAvailable("ghost"))
}

// pointerAgent is a pointer-backed Agent so assert.Same can check
// instance identity; agent.Func values are not pointers.
type pointerAgent struct{ id int32 }

func (p *pointerAgent) Execute(_ context.Context, _ model.AgentInput) (model.AgentOutput, error) {
	return model.AgentOutput{Success: true}, nil
}

func TestResolveCachesConstruction(t *testing.T) {
	var constructed atomic.Int32
	r, err := New(Config{
		Descriptors: []model.AgentDescriptor{
			{ID: "cached", Name: "Cached", Enabled: true, Autonomy: model.AutonomyAdvisory},
		},
		Factories: map[string]Factory{
			"cached": func(context.Context) (agent.Agent, error) {
				return &pointerAgent{id: constructed.Add(1)}, nil
			},
		},
	})
	require.NoError(t, err)

	ctx := context.Background()
	first, err := r.Resolve(ctx, "cached")
	require.NoError(t, err)
	second, err := r.Resolve(ctx, "cached")
	require.NoError(t, err)

	assert.Equal(t, int32(1), constructed.Load())
	assert.Same(t, first, second)
}

func TestResolveConcurrentSharesConstruction(t *testing.T) {
	var constructed atomic.Int32
	ready := make(chan struct{})
	r, err := New(Config{
		Descriptors: []model.AgentDescriptor{
			{ID: "slow", Name: "Slow", Enabled: true, Autonomy: model.AutonomyAdvisory},
		},
		Factories: map[string]Factory{
			"slow": func(context.Context) (agent.Agent, error) {
				<-ready
				constructed.Add(1)
				return noopAgent(), nil
			},
		},
	})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = r.Resolve(context.Background(), "slow")
		}()
	}
	close(ready)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, fmt.Sprintf("worker %d", i))
	}
	assert.Equal(t, int32(1), constructed.Load(), "singleflight should dedupe construction")
}

func TestDescriptorsSortedByID(t *testing.T) {
	r := testRegistry(t, nil)
	ds := r.Descriptors()
	require.Len(t, ds, 4)
	for i := 1; i < len(ds); i++ {
		assert.Less(t, ds[i-1].ID, ds[i].ID)
	}
}
