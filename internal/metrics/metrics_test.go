package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewControllerRegistersAllInstruments(t *testing.T) {
	c := NewController()
	c.QueueDepth.Set(3)
	c.JobsSubmitted.Inc()

	mfs, err := c.Registry.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)
}

func TestHandlerServesMetrics(t *testing.T) {
	l := NewLedger()
	l.Charges.Inc()

	srv := httptest.NewServer(Handler(l.Registry))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
