package ffmpeg

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ffcompress/failure"
)

func TestSplitCommand(t *testing.T) {
	cmd := `-threads 4 -vf "eq=contrast=1.1" -movflags +faststart`
	expected := []string{"-threads", "4", "-vf", "eq=contrast=1.1", "-movflags", "+faststart"}

	args, err := SplitCommand(cmd)
	assert.NoError(t, err)
	assert.Equal(t, expected, args)
}

func TestSplitCommandUnterminatedQuote(t *testing.T) {
	_, err := SplitCommand(`-vf "scale=1280:-1`)
	require.Error(t, err)
	assert.ErrorIs(t, err, failure.ErrInvalidInput)
}

func TestSanitizeExtraArgs(t *testing.T) {
	t.Run("Valid options", func(t *testing.T) {
		args, _ := SplitCommand(`-threads 2 -movflags +faststart`)
		assert.NoError(t, SanitizeExtraArgs(args))
	})

	t.Run("Extra input", func(t *testing.T) {
		args, _ := SplitCommand(`-i other.mp4`)
		err := SanitizeExtraArgs(args)
		assert.ErrorIs(t, err, failure.ErrInvalidInput)
		assert.Contains(t, err.Error(), "reserved flag not allowed: -i")
	})

	t.Run("Disallowed character (semicolon)", func(t *testing.T) {
		args, _ := SplitCommand(`-threads 2; ls`)
		err := SanitizeExtraArgs(args)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: 2;")
	})

	t.Run("Disallowed character (dollar)", func(t *testing.T) {
		args, _ := SplitCommand(`-vf "crop=$(($RANDOM))"`)
		err := SanitizeExtraArgs(args)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "disallowed character found in argument: crop=$(($RANDOM))")
	})
}

func TestParseExtraArgs(t *testing.T) {
	args, err := ParseExtraArgs("  ")
	require.NoError(t, err)
	assert.Nil(t, args)

	args, err = ParseExtraArgs("-threads 2")
	require.NoError(t, err)
	assert.Equal(t, []string{"-threads", "2"}, args)

	_, err = ParseExtraArgs("-y")
	assert.Error(t, err)
}
