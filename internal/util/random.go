// Package util holds small helpers shared across TaskPipe packages.
package util

import (
	"math/rand/v2"
	"strings"
)

// ID prefixes, one per persisted entity.
const (
	TaskIDPrefix = "t_"
	SongIDPrefix = "s_"
	JobIDPrefix  = "job_"
)

// idHexLength is the number of random hex characters after the prefix.
const idHexLength = 24

// GenerateRandomID returns prefix followed by hexLength random hex characters.
// IDs are unique enough for storage keys, not for secrets.
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex returns length random lowercase hex characters.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}
	const hexChars = "0123456789abcdef"
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(hexChars[rand.IntN(len(hexChars))])
	}
	return b.String()
}

// NewTaskID returns a fresh task ID.
func NewTaskID() string {
	return GenerateRandomID(TaskIDPrefix, idHexLength)
}

// NewSongID returns a fresh playlist entry ID.
func NewSongID() string {
	return GenerateRandomID(SongIDPrefix, idHexLength)
}

// NewJobID returns a fresh job ID.
func NewJobID() string {
	return GenerateRandomID(JobIDPrefix, idHexLength)
}
