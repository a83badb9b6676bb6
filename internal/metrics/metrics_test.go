package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCollectorsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MessagesIn.WithLabelValues("JOIN").Inc()
	m.MessagesIn.WithLabelValues("JOIN").Inc()
	m.Links.Set(3)

	require.Equal(t, 2.0, testutil.ToFloat64(m.MessagesIn.WithLabelValues("JOIN")))
	require.Equal(t, 3.0, testutil.ToFloat64(m.Links))
	require.Panics(t, func() { New(reg) })
}
