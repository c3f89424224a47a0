package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordHelpers(t *testing.T) {
	before := testutil.ToFloat64(PullsTotal.WithLabelValues("daily", "reward"))
	RecordPull("daily", "reward")
	assert.Equal(t, before+1, testutil.ToFloat64(PullsTotal.WithLabelValues("daily", "reward")))

	SetRPCEndpointHealth("https://rpc.example", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(RPCEndpointHealth.WithLabelValues("https://rpc.example")))
	SetRPCEndpointHealth("https://rpc.example", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(RPCEndpointHealth.WithLabelValues("https://rpc.example")))

	violations := testutil.ToFloat64(IntegrityViolations)
	RecordIntegrityViolation()
	assert.Equal(t, violations+1, testutil.ToFloat64(IntegrityViolations))
}
