package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordMerge(t *testing.T) {
	before := testutil.ToFloat64(mergesTotal.WithLabelValues("applied"))
	RecordMerge("applied", 0.002)
	assert.Equal(t, before+1, testutil.ToFloat64(mergesTotal.WithLabelValues("applied")))
}

func TestRecordCollection(t *testing.T) {
	before := testutil.ToFloat64(attachmentsSweptTotal)
	RecordCollection(3, 2)
	assert.Equal(t, float64(3), testutil.ToFloat64(attachmentsMarked))
	assert.Equal(t, before+2, testutil.ToFloat64(attachmentsSweptTotal))
}

func TestRecordCounters(t *testing.T) {
	RecordDelta("out")
	RecordSkippedWrite()
	RecordSizeCheck("warn")
	RecordAttachmentFetch("completed")
	RecordCompaction(4)

	assert.GreaterOrEqual(t, testutil.ToFloat64(deltasTotal.WithLabelValues("out")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(skippedWritesTotal), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(sizeChecksTotal.WithLabelValues("warn")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(attachmentFetchesTotal.WithLabelValues("completed")), float64(1))
	assert.GreaterOrEqual(t, testutil.ToFloat64(tombstonesCompactedTotal), float64(4))
}
