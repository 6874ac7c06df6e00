package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hutch/pkg/types"
)

func TestScriptProbeSuccessOnExitZero(t *testing.T) {
	probe := NewScriptProbe("127.0.0.1", 8080, "exit 0", time.Second)
	result := probe.Check(context.Background())
	assert.True(t, result.Success)
	assert.Equal(t, types.HealthHealthy, result.Outcome)
}

func TestScriptProbeFailureOnNonZeroExit(t *testing.T) {
	probe := NewScriptProbe("127.0.0.1", 8080, "exit 1", time.Second)
	result := probe.Check(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, types.HealthUnhealthy, result.Outcome)
}

func TestScriptProbeSubstitutesHostAndPort(t *testing.T) {
	probe := NewScriptProbe("10.0.0.5", 9999, `test "{host}:{port}" = "10.0.0.5:9999"`, time.Second)
	result := probe.Check(context.Background())
	assert.True(t, result.Success)
}

func TestScriptProbeEmptyCommandIsError(t *testing.T) {
	probe := NewScriptProbe("127.0.0.1", 8080, "   ", time.Second)
	result := probe.Check(context.Background())
	assert.False(t, result.Success)
	assert.Equal(t, types.HealthError, result.Outcome)
}

func TestScriptProbeTimesOut(t *testing.T) {
	probe := NewScriptProbe("127.0.0.1", 8080, "sleep 2", 50*time.Millisecond)
	result := probe.Check(context.Background())
	assert.False(t, result.Success)
}
