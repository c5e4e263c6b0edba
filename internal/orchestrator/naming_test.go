package orchestrator

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkloadName(t *testing.T) {
	name := WorkloadName("1e39e954-aaaa-bbbb-cccc-dddddddddddd", "c3f1a2b3-eeee-ffff-0000-111111111111")
	assert.Equal(t, "xtm-1e39e954-c3f1a2b3", name)
}

func TestLabels(t *testing.T) {
	labels := Labels("m1", "c1", "h1")
	assert.Equal(t, "m1", labels[LabelManagerID])
	assert.Equal(t, "c1", labels[LabelConnectorID])
	assert.Equal(t, "h1", labels[LabelContractHash])
}
