package observability

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestObserveNegotiation(t *testing.T) {
	before := testutil.ToFloat64(NegotiationsTotal.WithLabelValues("create_offer", "failure"))

	ObserveNegotiation("create_offer", errors.New("pending"))
	ObserveNegotiation("create_offer", nil)

	assert.Equal(t, before+1, testutil.ToFloat64(NegotiationsTotal.WithLabelValues("create_offer", "failure")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(NegotiationsTotal.WithLabelValues("create_offer", "success")), 1.0)
}
