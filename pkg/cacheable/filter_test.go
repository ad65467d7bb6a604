package cacheable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter_IsCacheable(t *testing.T) {
	tests := []struct {
		name     string
		filter   Filter
		status   int
		expected bool
	}{
		{"default allows 200", New(), 200, true},
		{"default rejects 404", New(), 404, false},
		{"default rejects opaque", New(), StatusOpaque, false},
		{"zero value allows 200", Filter{}, 200, true},
		{"zero value rejects 206", Filter{}, 206, false},
		{"opaque allowed", New(0, 200), StatusOpaque, true},
		{"200 allowed", New(0, 200), 200, true},
		{"partial content rejected", New(0, 200), 206, false},
		{"redirect rejected", New(0, 200), 302, false},
		{"server error rejected", New(0, 200), 500, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.filter.IsCacheable(tt.status))
		})
	}
}

func TestFilter_Statuses(t *testing.T) {
	assert.ElementsMatch(t, []int{0, 200}, New(0, 200).Statuses())
	assert.Equal(t, []int{200}, Filter{}.Statuses())
}
