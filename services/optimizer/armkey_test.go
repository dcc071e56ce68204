package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestArmKey(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	require.Equal(t, "fb:9am", ArmKey("fb", at))
	require.Equal(t, "instagram-business:9pm", ArmKey("Instagram Business", at.Add(12*time.Hour)))

	platform, hour, err := ParseArmKey("fb:12am")
	require.NoError(t, err)
	require.Equal(t, "fb", platform)
	require.Equal(t, 0, hour)

	_, _, err = ParseArmKey("fb")
	require.Error(t, err)
}

func TestCandidates(t *testing.T) {
	keys := Candidates([]string{"ig", "fb", "fb"}, []int{21, 9})
	require.Equal(t, []string{"fb:9am", "fb:9pm", "ig:9am", "ig:9pm"}, keys)
}

func TestNextSlot(t *testing.T) {
	after := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	slot, err := NextSlot("fb:9am", after, time.UTC)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC), slot)

	slot, err = NextSlot("fb:6pm", after, time.UTC)
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 3, 1, 18, 0, 0, 0, time.UTC), slot)
}
