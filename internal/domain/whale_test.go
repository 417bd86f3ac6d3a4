package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWhalePollingInterval(t *testing.T) {
	assert.Equal(t, 45*time.Second, Whale{PollingIntervalSeconds: 45}.PollingInterval())
	// Zero and negative fall back to the one second floor.
	assert.Equal(t, time.Second, Whale{PollingIntervalSeconds: 0}.PollingInterval())
	assert.Equal(t, time.Second, Whale{PollingIntervalSeconds: -5}.PollingInterval())
}

func TestWhaleRecheckDue(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	tests := []struct {
		name  string
		whale Whale
		want  bool
	}{
		{"active never rechecks", Whale{DataStatus: DataStatusActive, SharingRecheckAt: &past}, false},
		{"disabled with due recheck", Whale{DataStatus: DataStatusSharingDisabled, SharingRecheckAt: &past}, true},
		{"disabled with future recheck", Whale{DataStatus: DataStatusSharingDisabled, SharingRecheckAt: &future}, false},
		{"disabled without recheck time", Whale{DataStatus: DataStatusSharingDisabled}, false},
		{"inactive status with due recheck", Whale{DataStatus: DataStatusInactive, SharingRecheckAt: &past}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.whale.RecheckDue(now))
		})
	}
}

func TestProxyLeasableFor(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	p := Proxy{
		IsActive: true,
		Status:   ProxyStatusActive,
		CooldownUntil: map[Exchange]time.Time{
			ExchangeBinance: now.Add(10 * time.Minute),
			ExchangeOKX:     now.Add(-time.Minute),
		},
	}

	// Cool-downs apply per exchange.
	assert.False(t, p.LeasableFor(ExchangeBinance, now))
	assert.True(t, p.LeasableFor(ExchangeOKX, now))
	assert.True(t, p.LeasableFor(ExchangeBybit, now))

	banned := Proxy{IsActive: true, Status: ProxyStatusBanned}
	assert.False(t, banned.LeasableFor(ExchangeBybit, now))

	disabled := Proxy{IsActive: false, Status: ProxyStatusActive}
	assert.False(t, disabled.LeasableFor(ExchangeBybit, now))
}
