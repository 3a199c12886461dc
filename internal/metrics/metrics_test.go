package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersIncrement(t *testing.T) {
	before := testutil.ToFloat64(VideosProcessedTotal.WithLabelValues("completed"))
	VideosProcessedTotal.WithLabelValues("completed").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(VideosProcessedTotal.WithLabelValues("completed")))

	frames := testutil.ToFloat64(FramesEmbeddedTotal)
	FramesEmbeddedTotal.Add(3)
	assert.Equal(t, frames+3, testutil.ToFloat64(FramesEmbeddedTotal))
}
