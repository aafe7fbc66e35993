package metrics

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/connectpay/internal/errs"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestClassifySchedulerJobReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, SchedulerJobReasonDeadlineExceeded},
		{"db_lock_timeout", &pgconn.PgError{Code: "55P03"}, SchedulerJobReasonDBLockTimeout},
		{"serialization_failure", &pgconn.PgError{Code: "40001"}, SchedulerJobReasonSerializationFailure},
		{"unique_violation", gorm.ErrDuplicatedKey, SchedulerJobReasonUniqueViolation},
		{"transient", errs.Transient("create_transfer", 503, "down"), SchedulerJobReasonProviderTransient},
		{"permanent", errs.Permanent("create_transfer", 400, "account_invalid", "bad"), SchedulerJobReasonProviderPermanent},
		{"inconsistency", fmt.Errorf("sweep: %w", &errs.InconsistencyError{TransferID: "tr_1"}), SchedulerJobReasonInconsistency},
		{"unknown", errors.New("boom"), SchedulerJobReasonUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifySchedulerJobReason(tc.err))
		})
	}
}

func TestIsSchedulerErrorRetryable(t *testing.T) {
	assert.True(t, IsSchedulerErrorRetryable(&errs.OperationFailedError{Op: "x", Err: errs.Transient("x", 503, "")}))
	assert.False(t, IsSchedulerErrorRetryable(&errs.InconsistencyError{}))
	assert.False(t, IsSchedulerErrorRetryable(errs.Permanent("x", 400, "", "")))
	assert.True(t, IsSchedulerErrorRetryable(&pgconn.PgError{Code: "40001"}))
}

func TestSchedulerMetricsCountsErrorsByReason(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := newSchedulerMetrics(registry, Config{ServiceName: "test"})

	m.IncJobRun("reconcile_sweep")
	m.IncJobError("reconcile_sweep", errs.Transient("create_transfer", 503, "down"))
	m.AddBatchProcessed("reconcile_sweep", "owners", 3)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobRuns.WithLabelValues("reconcile_sweep")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.jobErrors.WithLabelValues("reconcile_sweep", SchedulerJobReasonProviderTransient)))
	assert.Equal(t, float64(3), testutil.ToFloat64(m.batchProcessed.WithLabelValues("reconcile_sweep", "owners")))
}
