package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadWorkerCountFloor(t *testing.T) {
	t.Setenv("BILLING_WORKER_COUNT", "0")
	assert.Equal(t, 1, Load().Billing.WorkerCount)

	t.Setenv("BILLING_WORKER_COUNT", "-3")
	assert.Equal(t, 1, Load().Billing.WorkerCount)

	t.Setenv("BILLING_WORKER_COUNT", "4")
	assert.Equal(t, 4, Load().Billing.WorkerCount)
}

func TestLoadRetryIntervals(t *testing.T) {
	t.Setenv("BILLING_RETRY_INTERVALS", "1h, 6h,48h")
	got := Load().Billing.RetryIntervals
	assert.Equal(t, []time.Duration{time.Hour, 6 * time.Hour, 48 * time.Hour}, got)

	t.Setenv("BILLING_RETRY_INTERVALS", "not-a-duration")
	got = Load().Billing.RetryIntervals
	assert.Equal(t, []time.Duration{24 * time.Hour, 72 * time.Hour, 168 * time.Hour}, got)
}

func TestLoadDashboardOrigin(t *testing.T) {
	t.Setenv("DASHBOARD_ORIGIN", "https://dashboard.zapfy.example")
	assert.Equal(t, "https://dashboard.zapfy.example", Load().DashboardOrigin)
}
