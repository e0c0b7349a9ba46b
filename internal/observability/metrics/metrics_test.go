package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveRun(t *testing.T) {
	success := JobRunsTotal.WithLabelValues("metrics-test", OutcomeSuccess)
	construct := JobRunsTotal.WithLabelValues("metrics-test", OutcomeConstruct)
	beforeSuccess, beforeConstruct := testutil.ToFloat64(success), testutil.ToFloat64(construct)
	ObserveRun("metrics-test", OutcomeSuccess, 2*time.Second)
	ObserveRun("metrics-test", OutcomeConstruct, 0)

	assert.Equal(t, beforeSuccess+1, testutil.ToFloat64(success))
	assert.Equal(t, beforeConstruct+1, testutil.ToFloat64(construct))
	assert.Equal(t, 1, testutil.CollectAndCount(JobDuration, "devpoll_job_duration_seconds"))
}
