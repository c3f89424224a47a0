package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFilter(t *testing.T) {
	even := Filter([]int{1, 2, 3, 4, 6}, func(n int) bool { return n%2 == 0 })
	assert.Equal(t, []int{2, 4, 6}, even)

	assert.Nil(t, Filter([]string{"a"}, func(string) bool { return false }))
}
