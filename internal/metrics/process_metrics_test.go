package metrics

import (
	"os"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSample_Self(t *testing.T) {
	s, err := Sample(int32(os.Getpid()))
	require.NoError(t, err)
	assert.Equal(t, int32(os.Getpid()), s.PID)
	assert.Greater(t, s.MemoryRSS, uint64(0))
	assert.False(t, s.Timestamp.IsZero())
}

func TestProcessSampler_HistoryRing(t *testing.T) {
	s := NewProcessSampler(SamplerConfig{Enabled: true, MaxHistory: 3})
	_, ok := s.Latest()
	assert.False(t, ok)

	for i := 0; i < 5; i++ {
		require.True(t, s.SampleOnce(os.Getpid()))
	}
	h := s.History()
	require.Len(t, h, 3)
	for i := 1; i < len(h); i++ {
		assert.False(t, h[i].Timestamp.Before(h[i-1].Timestamp))
	}
	last, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, h[len(h)-1], last)
}

func TestProcessSampler_NoPID(t *testing.T) {
	s := NewProcessSampler(SamplerConfig{Enabled: true})
	assert.False(t, s.SampleOnce(0))
	assert.Empty(t, s.History())
}

func TestProcessSampler_RegisterDisabled(t *testing.T) {
	s := NewProcessSampler(SamplerConfig{})
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	mfs, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, mfs)
}

func TestProcessSampler_StartStop(t *testing.T) {
	s := NewProcessSampler(SamplerConfig{Enabled: true, Interval: 10 * time.Millisecond})
	reg := prometheus.NewRegistry()
	require.NoError(t, s.RegisterMetrics(reg))
	s.Start(t.Context(), os.Getpid)
	require.Eventually(t, func() bool {
		_, ok := s.Latest()
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	s.Stop()
	s.Stop()
}
